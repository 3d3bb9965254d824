package metastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tablecat/tablecat/metastore/storagecreds"
	"github.com/tablecat/tablecat/pkg/config"
	"github.com/tablecat/tablecat/pkg/logger"
)

func newTestManager(t *testing.T) (*Manager, *config.Store) {
	t.Helper()

	log := logger.New("manager-test", "1.0.0")
	store := NewMemoryStore()
	session := NewMemorySession(store, log)
	cfg := config.New()

	mgr := NewManager(ManagerConfig{
		Realm:   "test",
		Session: session,
		Store:   store,
		Retryer: NewRetryer(RetryerConfig{
			MaxAttempts:     5,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Logger:          log,
		}),
		Integrations: &storagecreds.LocalProvider{},
		Config:       cfg,
		Logger:       log,
	})
	return mgr, cfg
}

func mustCreate(t *testing.T, mgr *Manager, entity *Entity) *Entity {
	t.Helper()
	created, err := mgr.CreateEntity(context.Background(), entity)
	require.NoError(t, err)
	require.NotNil(t, created)
	return created
}

func newCatalog(name string) *Entity {
	return &Entity{
		CatalogID: RootCatalogID,
		ParentID:  NullID,
		TypeCode:  EntityTypeCatalog,
		Name:      name,
	}
}

func newNamespace(catalogID int64, name string) *Entity {
	return &Entity{
		CatalogID: catalogID,
		ParentID:  catalogID,
		TypeCode:  EntityTypeNamespace,
		Name:      name,
	}
}

func TestCreateEntity(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	created := mustCreate(t, mgr, newCatalog("sales"))
	assert.GreaterOrEqual(t, created.ID, int64(1000))
	assert.Equal(t, InitialVersion, created.EntityVersion)
	assert.Equal(t, InitialVersion, created.GrantRecordsVersion)
	assert.NotZero(t, created.CreateTimestamp)
	assert.Zero(t, created.DropTimestamp)

	versions, err := mgr.LookupEntityVersions(ctx, []EntityID{created.EntityID()})
	require.NoError(t, err)
	require.NotNil(t, versions[0])
	assert.Equal(t, InitialVersion, versions[0].EntityVersion)

	t.Run("DuplicateName", func(t *testing.T) {
		_, err := mgr.CreateEntity(ctx, newCatalog("sales"))
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("SameNameDifferentType", func(t *testing.T) {
		created, err := mgr.CreateEntity(ctx, &Entity{
			CatalogID: RootCatalogID,
			ParentID:  NullID,
			TypeCode:  EntityTypePrincipal,
			Name:      "sales",
		})
		require.NoError(t, err)
		assert.NotNil(t, created)
	})

	t.Run("MissingName", func(t *testing.T) {
		_, err := mgr.CreateEntity(ctx, &Entity{TypeCode: EntityTypeCatalog})
		assert.Error(t, err)
	})

	t.Run("MissingType", func(t *testing.T) {
		_, err := mgr.CreateEntity(ctx, &Entity{Name: "x"})
		assert.Error(t, err)
	})
}

func TestCreateEntityConcurrentSameName(t *testing.T) {
	mgr, _ := newTestManager(t)

	results := make(chan error, 2)
	var group errgroup.Group
	for i := 0; i < 2; i++ {
		group.Go(func() error {
			_, err := mgr.CreateEntity(context.Background(), newCatalog("shared"))
			results <- err
			return nil
		})
	}
	require.NoError(t, group.Wait())
	close(results)

	var successes, conflicts int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case assert.ErrorIs(t, err, ErrAlreadyExists):
			conflicts++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
}

func TestUpdateEntity(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	created := mustCreate(t, mgr, newCatalog("sales"))

	updated, err := mgr.UpdateEntity(ctx, created.EntityID(), func(e *Entity) error {
		if e.Properties == nil {
			e.Properties = make(map[string]string)
		}
		e.Properties["owner"] = "data-team"
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, created.EntityVersion+1, updated.EntityVersion)
	assert.Equal(t, "data-team", updated.Properties["owner"])

	t.Run("MissingEntity", func(t *testing.T) {
		updated, err := mgr.UpdateEntity(ctx, EntityID{CatalogID: 0, ID: 424242}, func(e *Entity) error {
			return nil
		})
		require.NoError(t, err)
		assert.Nil(t, updated)
	})

	t.Run("RenameToFreeName", func(t *testing.T) {
		renamed, err := mgr.UpdateEntity(ctx, created.EntityID(), func(e *Entity) error {
			e.Name = "sales-archive"
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "sales-archive", renamed.Name)

		listed, err := mgr.ListActiveEntities(ctx, RootCatalogID, NullID, EntityTypeCatalog, 0, nil)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, "sales-archive", listed[0].Name)
	})

	t.Run("RenameToTakenName", func(t *testing.T) {
		mustCreate(t, mgr, newCatalog("marketing"))
		_, err := mgr.UpdateEntity(ctx, created.EntityID(), func(e *Entity) error {
			e.Name = "marketing"
			return nil
		})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})
}

func TestUpdateEntityConcurrentWritersBothLand(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	created := mustCreate(t, mgr, newCatalog("sales"))

	var group errgroup.Group
	for _, key := range []string{"first", "second"} {
		key := key
		group.Go(func() error {
			_, err := mgr.UpdateEntity(ctx, created.EntityID(), func(e *Entity) error {
				if e.Properties == nil {
					e.Properties = make(map[string]string)
				}
				e.Properties[key] = "set"
				return nil
			})
			return err
		})
	}
	require.NoError(t, group.Wait())

	final, err := mgr.LookupEntity(ctx, created.EntityID())
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, InitialVersion+2, final.EntityVersion)
	assert.Equal(t, "set", final.Properties["first"])
	assert.Equal(t, "set", final.Properties["second"])
}

func TestDropEntity(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	catalog := mustCreate(t, mgr, newCatalog("sales"))
	namespace := mustCreate(t, mgr, newNamespace(catalog.ID, "raw"))

	t.Run("NonEmptyCatalog", func(t *testing.T) {
		_, err := mgr.DropEntity(ctx, catalog.EntityID())
		assert.ErrorIs(t, err, ErrNotEmpty)
	})

	t.Run("MissingEntity", func(t *testing.T) {
		dropped, err := mgr.DropEntity(ctx, EntityID{CatalogID: 0, ID: 424242})
		require.NoError(t, err)
		assert.Nil(t, dropped)
	})

	t.Run("LeafThenParent", func(t *testing.T) {
		dropped, err := mgr.DropEntity(ctx, namespace.EntityID())
		require.NoError(t, err)
		require.NotNil(t, dropped)
		assert.NotZero(t, dropped.DropTimestamp)
		assert.Equal(t, namespace.EntityVersion+1, dropped.EntityVersion)

		dropped, err = mgr.DropEntity(ctx, catalog.EntityID())
		require.NoError(t, err)
		require.NotNil(t, dropped)

		listed, err := mgr.ListActiveEntities(ctx, RootCatalogID, NullID, EntityTypeCatalog, 0, nil)
		require.NoError(t, err)
		assert.Empty(t, listed)
	})
}

func TestListActiveEntitiesFilterRunsBeforeLimit(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	catalog := mustCreate(t, mgr, newCatalog("sales"))
	names := []string{"alpha", "beta", "gamma", "delta", "target"}
	for _, name := range names {
		mustCreate(t, mgr, newNamespace(catalog.ID, name))
	}

	// With a limit smaller than the candidate set, a match outside the
	// first rows must still be found
	listed, err := mgr.ListActiveEntities(ctx, catalog.ID, catalog.ID, EntityTypeNamespace, 1,
		func(e *Entity) bool { return e.Name == "target" })
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "target", listed[0].Name)

	t.Run("LimitCaps", func(t *testing.T) {
		listed, err := mgr.ListActiveEntities(ctx, catalog.ID, catalog.ID, EntityTypeNamespace, 3, nil)
		require.NoError(t, err)
		assert.Len(t, listed, 3)
	})

	t.Run("NilFilterMatchesAll", func(t *testing.T) {
		listed, err := mgr.ListActiveEntities(ctx, catalog.ID, catalog.ID, EntityTypeNamespace, 0, nil)
		require.NoError(t, err)
		assert.Len(t, listed, len(names))
	})
}

func TestGrantAndRevokePrivilege(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	catalog := mustCreate(t, mgr, newCatalog("sales"))
	role := mustCreate(t, mgr, &Entity{
		CatalogID: catalog.ID,
		ParentID:  catalog.ID,
		TypeCode:  EntityTypeCatalogRole,
		Name:      "readers",
	})

	grant := &GrantRecord{
		SecurableCatalogID: catalog.CatalogID,
		SecurableID:        catalog.ID,
		GranteeCatalogID:   role.CatalogID,
		GranteeID:          role.ID,
		PrivilegeCode:      1,
	}

	require.NoError(t, mgr.GrantPrivilege(ctx, grant))

	after, err := mgr.LookupEntity(ctx, catalog.EntityID())
	require.NoError(t, err)
	assert.Equal(t, catalog.GrantRecordsVersion+1, after.GrantRecordsVersion)
	assert.Equal(t, catalog.EntityVersion, after.EntityVersion)

	t.Run("DuplicateGrant", func(t *testing.T) {
		err := mgr.GrantPrivilege(ctx, grant)
		assert.ErrorIs(t, err, ErrAlreadyExists)

		// The failed grant must not bump the version
		current, err := mgr.LookupEntity(ctx, catalog.EntityID())
		require.NoError(t, err)
		assert.Equal(t, after.GrantRecordsVersion, current.GrantRecordsVersion)
	})

	t.Run("LoadGrants", func(t *testing.T) {
		onSecurable, err := mgr.LoadGrantsOnSecurable(ctx, catalog.EntityID())
		require.NoError(t, err)
		assert.Len(t, onSecurable, 1)

		onGrantee, err := mgr.LoadGrantsOnGrantee(ctx, role.EntityID())
		require.NoError(t, err)
		assert.Len(t, onGrantee, 1)
	})

	t.Run("Revoke", func(t *testing.T) {
		require.NoError(t, mgr.RevokePrivilege(ctx, grant))

		current, err := mgr.LookupEntity(ctx, catalog.EntityID())
		require.NoError(t, err)
		assert.Equal(t, after.GrantRecordsVersion+1, current.GrantRecordsVersion)

		onSecurable, err := mgr.LoadGrantsOnSecurable(ctx, catalog.EntityID())
		require.NoError(t, err)
		assert.Empty(t, onSecurable)
	})

	t.Run("RevokeAbsentIsNoop", func(t *testing.T) {
		before, err := mgr.LookupEntity(ctx, catalog.EntityID())
		require.NoError(t, err)

		require.NoError(t, mgr.RevokePrivilege(ctx, grant))

		current, err := mgr.LookupEntity(ctx, catalog.EntityID())
		require.NoError(t, err)
		assert.Equal(t, before.GrantRecordsVersion, current.GrantRecordsVersion)
	})

	t.Run("UnknownSecurable", func(t *testing.T) {
		err := mgr.GrantPrivilege(ctx, &GrantRecord{
			SecurableCatalogID: 0,
			SecurableID:        424242,
			GranteeCatalogID:   role.CatalogID,
			GranteeID:          role.ID,
			PrivilegeCode:      1,
		})
		assert.ErrorIs(t, err, ErrIntegrity)
	})
}

func TestDropEntityRemovesGrants(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	catalog := mustCreate(t, mgr, newCatalog("sales"))
	role := mustCreate(t, mgr, &Entity{
		CatalogID: catalog.ID,
		ParentID:  catalog.ID,
		TypeCode:  EntityTypeCatalogRole,
		Name:      "readers",
	})

	require.NoError(t, mgr.GrantPrivilege(ctx, &GrantRecord{
		SecurableCatalogID: role.CatalogID,
		SecurableID:        role.ID,
		GranteeCatalogID:   role.CatalogID,
		GranteeID:          role.ID,
		PrivilegeCode:      2,
	}))

	_, err := mgr.DropEntity(ctx, role.EntityID())
	require.NoError(t, err)

	grants, err := mgr.LoadGrantsOnSecurable(ctx, role.EntityID())
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestLookupEntities(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	a := mustCreate(t, mgr, newCatalog("a"))
	b := mustCreate(t, mgr, newCatalog("b"))
	missing := EntityID{CatalogID: 0, ID: 424242}

	entities, err := mgr.LookupEntities(ctx, []EntityID{a.EntityID(), missing, b.EntityID()})
	require.NoError(t, err)
	assert.Len(t, entities, 2)

	versions, err := mgr.LookupEntityVersions(ctx, []EntityID{a.EntityID(), missing, b.EntityID()})
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.NotNil(t, versions[0])
	assert.Nil(t, versions[1])
	assert.NotNil(t, versions[2])
}

// fixedClientIDGenerator always produces the same client id, forcing
// collisions on every allocation after the first.
type fixedClientIDGenerator struct {
	clientID string
}

func (g fixedClientIDGenerator) ProduceSecrets(principalName string, principalID int64) (*PrincipalSecrets, error) {
	secrets, err := RandomSecretsGenerator{}.ProduceSecrets(principalName, principalID)
	if err != nil {
		return nil, err
	}
	secrets.ClientID = g.clientID
	return secrets, nil
}

func TestGenerateNewPrincipalSecrets(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	secrets, err := mgr.GenerateNewPrincipalSecrets(ctx, "service-admin", 42)
	require.NoError(t, err)
	assert.NotEmpty(t, secrets.MainSecret)
	assert.Equal(t, int64(42), secrets.PrincipalID)

	stored, err := mgr.LoadPrincipalSecrets(ctx, secrets.ClientID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Empty(t, stored.MainSecret)
	assert.True(t, stored.MatchesSecret(secrets.MainSecret))
}

func TestGenerateNewPrincipalSecretsCollisionLoopIsBounded(t *testing.T) {
	log := logger.New("manager-test", "1.0.0")
	store := NewMemoryStore()
	mgr := NewManager(ManagerConfig{
		Realm:   "test",
		Session: NewMemorySession(store, log),
		Store:   store,
		Secrets: fixedClientIDGenerator{clientID: "deadbeefdeadbeef"},
		Logger:  log,
	})
	ctx := context.Background()

	_, err := mgr.GenerateNewPrincipalSecrets(ctx, "first", 1)
	require.NoError(t, err)

	_, err = mgr.GenerateNewPrincipalSecrets(ctx, "second", 2)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestRotatePrincipalSecrets(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	secrets, err := mgr.GenerateNewPrincipalSecrets(ctx, "svc", 42)
	require.NoError(t, err)
	original := secrets.MainSecret

	rotated, err := mgr.RotatePrincipalSecrets(ctx, secrets.ClientID, 42, false)
	require.NoError(t, err)
	assert.NotEqual(t, original, rotated.MainSecret)

	stored, err := mgr.LoadPrincipalSecrets(ctx, secrets.ClientID)
	require.NoError(t, err)
	assert.True(t, stored.MatchesSecret(rotated.MainSecret))
	assert.True(t, stored.MatchesSecret(original))

	t.Run("Reset", func(t *testing.T) {
		reset, err := mgr.RotatePrincipalSecrets(ctx, secrets.ClientID, 42, true)
		require.NoError(t, err)

		stored, err := mgr.LoadPrincipalSecrets(ctx, secrets.ClientID)
		require.NoError(t, err)
		assert.Empty(t, stored.PreviousSecretHash)
		assert.True(t, stored.MatchesSecret(reset.MainSecret))
		assert.False(t, stored.MatchesSecret(rotated.MainSecret))
	})

	t.Run("PrincipalIDMismatch", func(t *testing.T) {
		before, err := mgr.LoadPrincipalSecrets(ctx, secrets.ClientID)
		require.NoError(t, err)

		_, err = mgr.RotatePrincipalSecrets(ctx, secrets.ClientID, 999, false)
		assert.ErrorIs(t, err, ErrIntegrity)

		// The failed rotation must leave stored secrets untouched
		after, err := mgr.LoadPrincipalSecrets(ctx, secrets.ClientID)
		require.NoError(t, err)
		assert.Equal(t, before.MainSecretHash, after.MainSecretHash)
	})

	t.Run("UnknownClientID", func(t *testing.T) {
		_, err := mgr.RotatePrincipalSecrets(ctx, "missing", 42, false)
		assert.ErrorIs(t, err, ErrIntegrity)
	})
}

func TestDeletePrincipalSecrets(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	secrets, err := mgr.GenerateNewPrincipalSecrets(ctx, "svc", 42)
	require.NoError(t, err)

	t.Run("PrincipalIDMismatch", func(t *testing.T) {
		err := mgr.DeletePrincipalSecrets(ctx, secrets.ClientID, 999)
		assert.ErrorIs(t, err, ErrIntegrity)
	})

	require.NoError(t, mgr.DeletePrincipalSecrets(ctx, secrets.ClientID, 42))

	stored, err := mgr.LoadPrincipalSecrets(ctx, secrets.ClientID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	t.Run("AlreadyDeleted", func(t *testing.T) {
		err := mgr.DeletePrincipalSecrets(ctx, secrets.ClientID, 42)
		assert.ErrorIs(t, err, ErrIntegrity)
	})
}

func TestSubscopedCredentials(t *testing.T) {
	mgr, cfg := newTestManager(t)
	ctx := context.Background()

	catalog := newCatalog("sales")
	require.NoError(t, SetStorageConfig(catalog, &storagecreds.StorageConfig{
		StorageType:      "file",
		AllowedLocations: []string{"file:///tmp/sales"},
		Properties:       map[string]string{"root": "file:///tmp/sales"},
	}))
	created := mustCreate(t, mgr, catalog)

	creds, err := mgr.GetSubscopedCredentials(ctx, created, "task-17",
		[]string{"file:///tmp/sales/raw"}, storagecreds.AccessModeWrite)
	require.NoError(t, err)
	assert.Equal(t, "file:///tmp/sales/raw", creds.Properties["storage.write.0"])
	assert.True(t, creds.ExpiresAt.After(time.Now()))

	t.Run("NoStorageConfig", func(t *testing.T) {
		bare := mustCreate(t, mgr, newCatalog("bare"))
		_, err := mgr.GetSubscopedCredentials(ctx, bare, "task-17",
			[]string{"file:///tmp/x"}, storagecreds.AccessModeRead)
		assert.Error(t, err)
	})

	t.Run("SkipSubscoping", func(t *testing.T) {
		cfg.Set("test", config.KeySkipCredentialSubscoping, "true")
		defer cfg.Set("test", config.KeySkipCredentialSubscoping, "false")

		creds, err := mgr.GetSubscopedCredentials(ctx, created, "task-17",
			[]string{"file:///tmp/sales/raw"}, storagecreds.AccessModeRead)
		require.NoError(t, err)
		assert.Equal(t, "file:///tmp/sales", creds.Properties["root"])
	})
}
