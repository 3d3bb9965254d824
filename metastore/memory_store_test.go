package metastore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablecat/tablecat/pkg/logger"
)

func newMemoryFixture() (*MemoryStore, *MemorySession) {
	store := NewMemoryStore()
	session := NewMemorySession(store, logger.New("memory-test", "1.0.0"))
	return store, session
}

func testEntity(id int64, name string) *Entity {
	return &Entity{
		CatalogID:           RootCatalogID,
		ID:                  id,
		ParentID:            NullID,
		TypeCode:            EntityTypeCatalog,
		Name:                name,
		EntityVersion:       InitialVersion,
		GrantRecordsVersion: InitialVersion,
	}
}

func TestMemoryStoreRequiresTransaction(t *testing.T) {
	store, _ := newMemoryFixture()

	err := store.WriteEntity(context.Background(), testEntity(1, "c"), 0)
	assert.ErrorIs(t, err, ErrIntegrity)

	_, err = store.LookupEntity(context.Background(), EntityID{CatalogID: 0, ID: 1})
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestMemorySessionRejectsNestedTransaction(t *testing.T) {
	_, session := newMemoryFixture()

	err := session.RunInTransaction(context.Background(), func(ctx context.Context) error {
		return session.RunInTransaction(ctx, func(ctx context.Context) error {
			return nil
		})
	})
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestMemoryStoreWriteEntityCompareAndSet(t *testing.T) {
	store, session := newMemoryFixture()
	ctx := context.Background()

	err := session.RunInTransaction(ctx, func(ctx context.Context) error {
		return store.WriteEntity(ctx, testEntity(1, "c"), 0)
	})
	require.NoError(t, err)

	t.Run("InsertOverExisting", func(t *testing.T) {
		err := session.RunInTransaction(ctx, func(ctx context.Context) error {
			return store.WriteEntity(ctx, testEntity(1, "c"), 0)
		})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("UpdateAtExpectedVersion", func(t *testing.T) {
		updated := testEntity(1, "c")
		updated.EntityVersion = 2
		err := session.RunInTransaction(ctx, func(ctx context.Context) error {
			return store.WriteEntity(ctx, updated, 1)
		})
		assert.NoError(t, err)
	})

	t.Run("UpdateAtStaleVersion", func(t *testing.T) {
		updated := testEntity(1, "c")
		updated.EntityVersion = 2
		err := session.RunInTransaction(ctx, func(ctx context.Context) error {
			return store.WriteEntity(ctx, updated, 1)
		})
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
	})

	t.Run("UpdateMissingEntity", func(t *testing.T) {
		err := session.RunInTransaction(ctx, func(ctx context.Context) error {
			return store.WriteEntity(ctx, testEntity(99, "x"), 1)
		})
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
	})
}

func TestMemoryStoreChangeTrackingCompareAndSet(t *testing.T) {
	store, session := newMemoryFixture()
	ctx := context.Background()

	record := &ChangeTrackingRecord{
		CatalogID: 0,
		ID:        1,
		Versions:  ChangeTrackingVersions{EntityVersion: 1, GrantRecordsVersion: 1},
	}
	err := session.RunInTransaction(ctx, func(ctx context.Context) error {
		return store.WriteChangeTracking(ctx, record, nil)
	})
	require.NoError(t, err)

	next := &ChangeTrackingRecord{
		CatalogID: 0,
		ID:        1,
		Versions:  ChangeTrackingVersions{EntityVersion: 2, GrantRecordsVersion: 1},
	}
	err = session.RunInTransaction(ctx, func(ctx context.Context) error {
		return store.WriteChangeTracking(ctx, next, &ChangeTrackingVersions{EntityVersion: 1, GrantRecordsVersion: 1})
	})
	assert.NoError(t, err)

	err = session.RunInTransaction(ctx, func(ctx context.Context) error {
		return store.WriteChangeTracking(ctx, next, &ChangeTrackingVersions{EntityVersion: 1, GrantRecordsVersion: 1})
	})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
}

func TestMemorySessionRollsBackOnError(t *testing.T) {
	store, session := newMemoryFixture()
	ctx := context.Background()

	err := session.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := store.WriteEntity(ctx, testEntity(1, "c"), 0); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	var entity *Entity
	err = session.RunInReadTransaction(ctx, func(ctx context.Context) error {
		var err error
		entity, err = store.LookupEntity(ctx, EntityID{CatalogID: 0, ID: 1})
		return err
	})
	require.NoError(t, err)
	assert.Nil(t, entity)
}

func TestMemorySessionExplicitRollback(t *testing.T) {
	store, session := newMemoryFixture()
	ctx := context.Background()

	err := session.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := store.WriteEntity(ctx, testEntity(1, "c"), 0); err != nil {
			return err
		}
		return Rollback(ctx)
	})
	// Explicit rollback is not an error
	require.NoError(t, err)

	var entity *Entity
	err = session.RunInReadTransaction(ctx, func(ctx context.Context) error {
		var err error
		entity, err = store.LookupEntity(ctx, EntityID{CatalogID: 0, ID: 1})
		return err
	})
	require.NoError(t, err)
	assert.Nil(t, entity)
}

func TestMemorySessionRollsBackOnPanic(t *testing.T) {
	store, session := newMemoryFixture()
	ctx := context.Background()

	func() {
		defer func() {
			require.NotNil(t, recover())
		}()
		_ = session.RunInTransaction(ctx, func(ctx context.Context) error {
			if err := store.WriteEntity(ctx, testEntity(1, "partial"), 0); err != nil {
				return err
			}
			panic("boom")
		})
	}()

	// The aborted transaction's writes must not be visible, and the store
	// must still accept new transactions
	var entity *Entity
	err := session.RunInReadTransaction(ctx, func(ctx context.Context) error {
		var err error
		entity, err = store.LookupEntity(ctx, EntityID{CatalogID: 0, ID: 1})
		return err
	})
	require.NoError(t, err)
	assert.Nil(t, entity)
}

func TestRollbackOutsideTransaction(t *testing.T) {
	assert.ErrorIs(t, Rollback(context.Background()), ErrIntegrity)
}

func TestMemorySessionGenerateNewID(t *testing.T) {
	_, session := newMemoryFixture()
	ctx := context.Background()

	t.Run("Unique", func(t *testing.T) {
		const goroutines = 20
		const perGoroutine = 50

		var mu sync.Mutex
		seen := make(map[int64]struct{})
		var wg sync.WaitGroup
		for g := 0; g < goroutines; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perGoroutine; i++ {
					id, err := session.GenerateNewID(ctx)
					assert.NoError(t, err)
					mu.Lock()
					seen[id] = struct{}{}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, goroutines*perGoroutine)
	})

	t.Run("NotReusedAfterRollback", func(t *testing.T) {
		var inside int64
		err := session.RunInTransaction(ctx, func(ctx context.Context) error {
			var err error
			inside, err = session.GenerateNewID(ctx)
			if err != nil {
				return err
			}
			return fmt.Errorf("boom")
		})
		require.Error(t, err)

		after, err := session.GenerateNewID(ctx)
		require.NoError(t, err)
		assert.Greater(t, after, inside)
	})
}

func TestMemoryStoreCountActiveChildren(t *testing.T) {
	store, session := newMemoryFixture()
	ctx := context.Background()

	err := session.RunInTransaction(ctx, func(ctx context.Context) error {
		for i, typeCode := range []EntityType{EntityTypeNamespace, EntityTypeNamespace, EntityTypeTableLike} {
			record := &ActiveRecord{
				CatalogID: 5,
				ID:        int64(100 + i),
				ParentID:  10,
				Name:      fmt.Sprintf("child-%d", i),
				TypeCode:  typeCode,
			}
			if err := store.WriteActiveRecord(ctx, record); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = session.RunInReadTransaction(ctx, func(ctx context.Context) error {
		all, err := store.CountActiveChildren(ctx, 5, 10, EntityTypeAny)
		require.NoError(t, err)
		assert.Equal(t, 3, all)

		namespaces, err := store.CountActiveChildren(ctx, 5, 10, EntityTypeNamespace)
		require.NoError(t, err)
		assert.Equal(t, 2, namespaces)

		tasks, err := store.CountActiveChildren(ctx, 5, 10, EntityTypeTask)
		require.NoError(t, err)
		assert.Equal(t, 0, tasks)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStorePrincipalSecretsNeverStorePlaintext(t *testing.T) {
	store, session := newMemoryFixture()
	ctx := context.Background()

	secrets, err := RandomSecretsGenerator{}.ProduceSecrets("svc", 7)
	require.NoError(t, err)
	require.NotEmpty(t, secrets.MainSecret)

	err = session.RunInTransaction(ctx, func(ctx context.Context) error {
		return store.WritePrincipalSecrets(ctx, secrets)
	})
	require.NoError(t, err)

	err = session.RunInReadTransaction(ctx, func(ctx context.Context) error {
		stored, err := store.LookupPrincipalSecrets(ctx, secrets.ClientID)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Empty(t, stored.MainSecret)
		assert.Equal(t, secrets.MainSecretHash, stored.MainSecretHash)
		return nil
	})
	require.NoError(t, err)
}
