package metastore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tablecat/tablecat/metastore/storagecreds"
	"github.com/tablecat/tablecat/pkg/config"
	"github.com/tablecat/tablecat/pkg/logger"
)

// StorageConfigPropertyKey is the internal-property key under which an
// entity carries its storage-integration configuration as JSON.
const StorageConfigPropertyKey = "storage-config"

// maxClientIDAttempts bounds the collision loop when allocating a principal
// client id. Collisions on 64 random bits are vanishingly rare; exhausting
// the cap means the id source is broken and is reported as an integrity
// fault rather than looping forever.
const maxClientIDAttempts = 10

// ManagerConfig wires a Manager's collaborators.
type ManagerConfig struct {
	Realm        string
	Session      Session
	Store        Store
	Retryer      *Retryer
	Secrets      SecretsGenerator
	Integrations storagecreds.IntegrationProvider
	Credentials  *storagecreds.Cache
	Config       *config.Store
	Logger       *logger.Logger
}

// Manager composes session, store, retry coordinator and credential cache
// into the entity-level operations callers use. All operations execute
// against the manager's realm; entity writes go through the retry
// coordinator so concurrent-write conflicts resolve here, not at callers.
type Manager struct {
	realm        string
	session      Session
	store        Store
	retryer      *Retryer
	secrets      SecretsGenerator
	integrations storagecreds.IntegrationProvider
	credentials  *storagecreds.Cache
	cfg          *config.Store
	logger       *logger.Logger
}

// NewManager creates a manager for one realm.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logger.New("metastore", "")
	}
	if cfg.Retryer == nil {
		cfg.Retryer = NewRetryer(RetryerConfig{Logger: cfg.Logger})
	}
	if cfg.Secrets == nil {
		cfg.Secrets = RandomSecretsGenerator{}
	}
	if cfg.Config == nil {
		cfg.Config = config.New()
	}
	if cfg.Credentials == nil {
		cfg.Credentials = storagecreds.NewCache(cfg.Realm, storagecreds.CacheConfig{
			Config: cfg.Config,
			Logger: cfg.Logger,
		})
	}
	return &Manager{
		realm:        cfg.Realm,
		session:      cfg.Session,
		store:        cfg.Store,
		retryer:      cfg.Retryer,
		secrets:      cfg.Secrets,
		integrations: cfg.Integrations,
		credentials:  cfg.Credentials,
		cfg:          cfg.Config,
		logger:       cfg.Logger,
	}
}

// Realm returns the realm the manager is bound to.
func (m *Manager) Realm() string {
	return m.realm
}

// CreateEntity persists a new entity together with its active-index and
// change-tracking records. The entity's (parent, name, type) must be free;
// a taken key is ErrAlreadyExists. A zero id is assigned from the realm
// sequence. The stored entity starts at InitialVersion.
func (m *Manager) CreateEntity(ctx context.Context, entity *Entity) (*Entity, error) {
	if entity.Name == "" {
		return nil, fmt.Errorf("entity name is required")
	}
	if entity.TypeCode == EntityTypeAny {
		return nil, fmt.Errorf("entity type is required")
	}

	var created *Entity
	err := m.retryer.Run(ctx, func(ctx context.Context) error {
		return m.session.RunInTransaction(ctx, func(ctx context.Context) error {
			active, err := m.store.LookupActiveRecord(ctx, entity.ActiveKey())
			if err != nil {
				return err
			}
			if active != nil {
				return fmt.Errorf("%w: %s %q under parent %d", ErrAlreadyExists,
					entity.TypeCode, entity.Name, entity.ParentID)
			}

			work := entity.Clone()
			if work.ID == NullID {
				id, err := m.session.GenerateNewID(ctx)
				if err != nil {
					return err
				}
				work.ID = id
			}
			now := nowMillis()
			work.EntityVersion = InitialVersion
			work.GrantRecordsVersion = InitialVersion
			work.CreateTimestamp = now
			work.LastUpdateTimestamp = now
			work.DropTimestamp = 0
			work.PurgeTimestamp = 0

			if err := m.store.WriteEntity(ctx, work, 0); err != nil {
				return err
			}
			if err := m.store.WriteActiveRecord(ctx, work.ToActiveRecord()); err != nil {
				return err
			}
			record := &ChangeTrackingRecord{
				CatalogID: work.CatalogID,
				ID:        work.ID,
				Versions: ChangeTrackingVersions{
					EntityVersion:       work.EntityVersion,
					GrantRecordsVersion: work.GrantRecordsVersion,
				},
			}
			if err := m.store.WriteChangeTracking(ctx, record, nil); err != nil {
				return err
			}

			created = work
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	m.logger.Debugf("created %s %q (%d/%d)", created.TypeCode, created.Name, created.CatalogID, created.ID)
	return created, nil
}

// UpdateEntity re-reads the entity, applies mutate and writes the result
// back with a version bump. A concurrent writer triggers a conflict on the
// version compare-and-set, which the retry coordinator resolves by running
// mutate again against the fresh state. Returns nil when the entity does
// not exist. Identity and version fields set by mutate are ignored.
func (m *Manager) UpdateEntity(ctx context.Context, id EntityID, mutate func(*Entity) error) (*Entity, error) {
	var updated *Entity
	err := m.retryer.Run(ctx, func(ctx context.Context) error {
		var current *Entity
		err := m.session.RunInReadTransaction(ctx, func(ctx context.Context) error {
			var err error
			current, err = m.store.LookupEntity(ctx, id)
			return err
		})
		if err != nil {
			return err
		}
		if current == nil {
			updated = nil
			return nil
		}

		work := current.Clone()
		if err := mutate(work); err != nil {
			return err
		}
		// The mutation may not move the entity's identity or versions
		work.CatalogID = current.CatalogID
		work.ID = current.ID
		work.TypeCode = current.TypeCode
		work.EntityVersion = current.EntityVersion + 1
		work.GrantRecordsVersion = current.GrantRecordsVersion
		work.CreateTimestamp = current.CreateTimestamp
		work.LastUpdateTimestamp = nowMillis()

		return m.session.RunInTransaction(ctx, func(ctx context.Context) error {
			if work.ActiveKey() != current.ActiveKey() {
				taken, err := m.store.LookupActiveRecord(ctx, work.ActiveKey())
				if err != nil {
					return err
				}
				if taken != nil {
					return fmt.Errorf("%w: %s %q under parent %d", ErrAlreadyExists,
						work.TypeCode, work.Name, work.ParentID)
				}
				if err := m.store.DeleteActiveRecord(ctx, current.ActiveKey()); err != nil {
					return err
				}
				if err := m.store.WriteActiveRecord(ctx, work.ToActiveRecord()); err != nil {
					return err
				}
			}

			if err := m.store.WriteEntity(ctx, work, current.EntityVersion); err != nil {
				return err
			}
			record := &ChangeTrackingRecord{
				CatalogID: work.CatalogID,
				ID:        work.ID,
				Versions: ChangeTrackingVersions{
					EntityVersion:       work.EntityVersion,
					GrantRecordsVersion: work.GrantRecordsVersion,
				},
			}
			expected := &ChangeTrackingVersions{
				EntityVersion:       current.EntityVersion,
				GrantRecordsVersion: current.GrantRecordsVersion,
			}
			if err := m.store.WriteChangeTracking(ctx, record, expected); err != nil {
				return err
			}

			updated = work
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DropEntity removes the entity from the active index, records it as
// dropped and bumps change tracking, all in one transaction. An entity with
// active children cannot be dropped (ErrNotEmpty). Returns nil when the
// entity does not exist.
func (m *Manager) DropEntity(ctx context.Context, id EntityID) (*Entity, error) {
	var dropped *Entity
	err := m.retryer.Run(ctx, func(ctx context.Context) error {
		return m.session.RunInTransaction(ctx, func(ctx context.Context) error {
			current, err := m.store.LookupEntity(ctx, id)
			if err != nil {
				return err
			}
			if current == nil {
				dropped = nil
				return nil
			}

			// Children of a catalog live in the catalog's own id space
			childCatalogID := current.CatalogID
			if current.TypeCode == EntityTypeCatalog {
				childCatalogID = current.ID
			}
			children, err := m.store.CountActiveChildren(ctx, childCatalogID, current.ID, EntityTypeAny)
			if err != nil {
				return err
			}
			if children > 0 {
				return fmt.Errorf("%w: %s %q has %d active children", ErrNotEmpty,
					current.TypeCode, current.Name, children)
			}

			work := current.Clone()
			work.EntityVersion = current.EntityVersion + 1
			now := nowMillis()
			work.DropTimestamp = now
			work.LastUpdateTimestamp = now

			if err := m.store.DeleteActiveRecord(ctx, current.ActiveKey()); err != nil {
				return err
			}
			if err := m.store.WriteDroppedEntity(ctx, work); err != nil {
				return err
			}
			if err := m.store.WriteEntity(ctx, work, current.EntityVersion); err != nil {
				return err
			}
			record := &ChangeTrackingRecord{
				CatalogID: work.CatalogID,
				ID:        work.ID,
				Versions: ChangeTrackingVersions{
					EntityVersion:       work.EntityVersion,
					GrantRecordsVersion: work.GrantRecordsVersion,
				},
			}
			expected := &ChangeTrackingVersions{
				EntityVersion:       current.EntityVersion,
				GrantRecordsVersion: current.GrantRecordsVersion,
			}
			if err := m.store.WriteChangeTracking(ctx, record, expected); err != nil {
				return err
			}
			// Grants on a dropped entity are dead weight either way
			if err := m.store.DeleteAllGrantRecords(ctx, work.EntityID()); err != nil {
				return err
			}

			dropped = work
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if dropped != nil {
		m.logger.Debugf("dropped %s %q (%d/%d)", dropped.TypeCode, dropped.Name, dropped.CatalogID, dropped.ID)
	}
	return dropped, nil
}

// LookupEntity returns the entity or nil when absent.
func (m *Manager) LookupEntity(ctx context.Context, id EntityID) (*Entity, error) {
	var entity *Entity
	err := m.session.RunInReadTransaction(ctx, func(ctx context.Context) error {
		var err error
		entity, err = m.store.LookupEntity(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// LookupEntities returns the entities that exist among ids.
func (m *Manager) LookupEntities(ctx context.Context, ids []EntityID) ([]*Entity, error) {
	var entities []*Entity
	err := m.session.RunInReadTransaction(ctx, func(ctx context.Context) error {
		var err error
		entities, err = m.store.LookupEntities(ctx, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entities, nil
}

// LookupEntityVersions returns the version counters for each id, aligned
// with ids; missing entities yield nil slots.
func (m *Manager) LookupEntityVersions(ctx context.Context, ids []EntityID) ([]*ChangeTrackingVersions, error) {
	var entities []*Entity
	err := m.session.RunInReadTransaction(ctx, func(ctx context.Context) error {
		var err error
		entities, err = m.store.LookupEntities(ctx, ids)
		return err
	})
	if err != nil {
		return nil, err
	}

	byID := make(map[EntityID]*Entity, len(entities))
	for _, e := range entities {
		byID[e.EntityID()] = e
	}
	versions := make([]*ChangeTrackingVersions, len(ids))
	for i, id := range ids {
		if e, ok := byID[id]; ok {
			versions[i] = &ChangeTrackingVersions{
				EntityVersion:       e.EntityVersion,
				GrantRecordsVersion: e.GrantRecordsVersion,
			}
		}
	}
	return versions, nil
}

// ListActiveEntities returns the active entities of the given type under the
// parent. The filter runs before the limit, so the result is "at most limit
// matching entities", not "matches among the first limit rows". A nil
// filter matches everything; limit <= 0 means no cap.
func (m *Manager) ListActiveEntities(ctx context.Context, catalogID, parentID int64, typeCode EntityType, limit int, filter func(*Entity) bool) ([]*Entity, error) {
	var matched []*Entity
	err := m.session.RunInReadTransaction(ctx, func(ctx context.Context) error {
		entities, err := m.store.ListActiveEntities(ctx, catalogID, parentID, typeCode)
		if err != nil {
			return err
		}
		for _, e := range entities {
			if filter != nil && !filter(e) {
				continue
			}
			matched = append(matched, e)
			if limit > 0 && len(matched) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matched, nil
}

// HasChildren reports whether the entity has active children of the given
// type (EntityTypeAny for any type).
func (m *Manager) HasChildren(ctx context.Context, catalogID, parentID int64, typeCode EntityType) (bool, error) {
	var count int
	err := m.session.RunInReadTransaction(ctx, func(ctx context.Context) error {
		var err error
		count, err = m.store.CountActiveChildren(ctx, catalogID, parentID, typeCode)
		return err
	})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GrantPrivilege records a privilege grant and bumps the securable's
// grant-records version. Granting an existing privilege is
// ErrAlreadyExists; granting on an unknown securable is an integrity fault.
func (m *Manager) GrantPrivilege(ctx context.Context, grant *GrantRecord) error {
	return m.retryer.Run(ctx, func(ctx context.Context) error {
		return m.session.RunInTransaction(ctx, func(ctx context.Context) error {
			if err := m.store.WriteGrantRecord(ctx, grant); err != nil {
				return err
			}
			return m.bumpGrantRecordsVersion(ctx, EntityID{
				CatalogID: grant.SecurableCatalogID,
				ID:        grant.SecurableID,
			})
		})
	})
}

// RevokePrivilege removes a privilege grant. Revoking an absent grant is a
// no-op; an actual removal bumps the securable's grant-records version.
func (m *Manager) RevokePrivilege(ctx context.Context, grant *GrantRecord) error {
	return m.retryer.Run(ctx, func(ctx context.Context) error {
		return m.session.RunInTransaction(ctx, func(ctx context.Context) error {
			existed, err := m.store.DeleteGrantRecord(ctx, grant)
			if err != nil {
				return err
			}
			if !existed {
				return nil
			}
			return m.bumpGrantRecordsVersion(ctx, EntityID{
				CatalogID: grant.SecurableCatalogID,
				ID:        grant.SecurableID,
			})
		})
	})
}

func (m *Manager) bumpGrantRecordsVersion(ctx context.Context, securable EntityID) error {
	entity, err := m.store.LookupEntity(ctx, securable)
	if err != nil {
		return err
	}
	if entity == nil {
		return fmt.Errorf("%w: grant change on unknown securable %d/%d",
			ErrIntegrity, securable.CatalogID, securable.ID)
	}

	work := entity.Clone()
	work.GrantRecordsVersion = entity.GrantRecordsVersion + 1
	if err := m.store.WriteEntity(ctx, work, entity.EntityVersion); err != nil {
		return err
	}

	record := &ChangeTrackingRecord{
		CatalogID: work.CatalogID,
		ID:        work.ID,
		Versions: ChangeTrackingVersions{
			EntityVersion:       work.EntityVersion,
			GrantRecordsVersion: work.GrantRecordsVersion,
		},
	}
	expected := &ChangeTrackingVersions{
		EntityVersion:       entity.EntityVersion,
		GrantRecordsVersion: entity.GrantRecordsVersion,
	}
	return m.store.WriteChangeTracking(ctx, record, expected)
}

// LoadGrantsOnSecurable returns every grant where the entity is the
// securable.
func (m *Manager) LoadGrantsOnSecurable(ctx context.Context, securable EntityID) ([]*GrantRecord, error) {
	var grants []*GrantRecord
	err := m.session.RunInReadTransaction(ctx, func(ctx context.Context) error {
		var err error
		grants, err = m.store.LoadGrantsOnSecurable(ctx, securable.CatalogID, securable.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return grants, nil
}

// LoadGrantsOnGrantee returns every grant assigned to the grantee.
func (m *Manager) LoadGrantsOnGrantee(ctx context.Context, grantee EntityID) ([]*GrantRecord, error) {
	var grants []*GrantRecord
	err := m.session.RunInReadTransaction(ctx, func(ctx context.Context) error {
		var err error
		grants, err = m.store.LoadGrantsOnGrantee(ctx, grantee.CatalogID, grantee.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return grants, nil
}

// GenerateNewPrincipalSecrets allocates a collision-free client id, persists
// the hashed secrets and returns them with the plaintext secret populated.
// The collision loop is bounded: exhausting it means the randomness source
// is broken and surfaces as an integrity fault.
func (m *Manager) GenerateNewPrincipalSecrets(ctx context.Context, principalName string, principalID int64) (*PrincipalSecrets, error) {
	var generated *PrincipalSecrets
	err := m.retryer.Run(ctx, func(ctx context.Context) error {
		return m.session.RunInTransaction(ctx, func(ctx context.Context) error {
			var secrets *PrincipalSecrets
			for attempt := 0; ; attempt++ {
				if attempt == maxClientIDAttempts {
					return fmt.Errorf("%w: no unique client id after %d attempts for principal %q",
						ErrIntegrity, maxClientIDAttempts, principalName)
				}
				candidate, err := m.secrets.ProduceSecrets(principalName, principalID)
				if err != nil {
					return err
				}
				existing, err := m.store.LookupPrincipalSecrets(ctx, candidate.ClientID)
				if err != nil {
					return err
				}
				if existing == nil {
					secrets = candidate
					break
				}
			}

			if err := m.store.WritePrincipalSecrets(ctx, secrets); err != nil {
				return err
			}
			generated = secrets
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	m.logger.Infof("generated secrets for principal %q (client id %s)", principalName, generated.ClientID)
	return generated, nil
}

// RotatePrincipalSecrets installs a new main secret, keeping the old one
// valid in the previous slot unless reset is set. A missing record or a
// principal-id mismatch is an integrity fault and leaves stored secrets
// unchanged. The returned secrets carry the new plaintext.
func (m *Manager) RotatePrincipalSecrets(ctx context.Context, clientID string, principalID int64, reset bool) (*PrincipalSecrets, error) {
	var rotated *PrincipalSecrets
	err := m.retryer.Run(ctx, func(ctx context.Context) error {
		return m.session.RunInTransaction(ctx, func(ctx context.Context) error {
			secrets, err := m.store.LookupPrincipalSecrets(ctx, clientID)
			if err != nil {
				return err
			}
			if secrets == nil {
				return fmt.Errorf("%w: no secrets for client id %s", ErrIntegrity, clientID)
			}
			if secrets.PrincipalID != principalID {
				return fmt.Errorf("%w: principal id mismatch for client id %s: expected %d, stored %d",
					ErrIntegrity, clientID, principalID, secrets.PrincipalID)
			}

			newSecret, err := NewSecret()
			if err != nil {
				return err
			}
			secrets.Rotate(newSecret)
			if reset {
				secrets.PreviousSecretHash = ""
			}

			if err := m.store.WritePrincipalSecrets(ctx, secrets); err != nil {
				return err
			}
			rotated = secrets
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	m.logger.Infof("rotated secrets for client id %s (reset=%t)", clientID, reset)
	return rotated, nil
}

// DeletePrincipalSecrets removes the secrets record. A missing record or a
// principal-id mismatch is an integrity fault.
func (m *Manager) DeletePrincipalSecrets(ctx context.Context, clientID string, principalID int64) error {
	return m.retryer.Run(ctx, func(ctx context.Context) error {
		return m.session.RunInTransaction(ctx, func(ctx context.Context) error {
			secrets, err := m.store.LookupPrincipalSecrets(ctx, clientID)
			if err != nil {
				return err
			}
			if secrets == nil {
				return fmt.Errorf("%w: no secrets for client id %s", ErrIntegrity, clientID)
			}
			if secrets.PrincipalID != principalID {
				return fmt.Errorf("%w: principal id mismatch for client id %s: expected %d, stored %d",
					ErrIntegrity, clientID, principalID, secrets.PrincipalID)
			}
			return m.store.DeletePrincipalSecrets(ctx, clientID)
		})
	})
}

// LoadPrincipalSecrets returns the stored secrets for a client id, or nil
// when absent.
func (m *Manager) LoadPrincipalSecrets(ctx context.Context, clientID string) (*PrincipalSecrets, error) {
	var secrets *PrincipalSecrets
	err := m.session.RunInReadTransaction(ctx, func(ctx context.Context) error {
		var err error
		secrets, err = m.store.LookupPrincipalSecrets(ctx, clientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return secrets, nil
}

// SetStorageConfig attaches a storage-integration configuration to the
// entity's internal properties.
func SetStorageConfig(entity *Entity, cfg *storagecreds.StorageConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode storage config: %w", err)
	}
	if entity.InternalProperties == nil {
		entity.InternalProperties = make(map[string]string)
	}
	entity.InternalProperties[StorageConfigPropertyKey] = string(raw)
	return nil
}

// LoadStorageIntegration resolves the entity's storage configuration to a
// live integration. Returns nil when the entity carries no storage config.
func (m *Manager) LoadStorageIntegration(entity *Entity) (storagecreds.StorageIntegration, error) {
	raw, ok := entity.InternalProperties[StorageConfigPropertyKey]
	if !ok || raw == "" {
		return nil, nil
	}
	var cfg storagecreds.StorageConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("%w: corrupt storage config on entity %d/%d: %v",
			ErrIntegrity, entity.CatalogID, entity.ID, err)
	}
	return m.integrations.GetStorageIntegrationForConfig(&cfg)
}

// GetSubscopedCredentials resolves the entity's storage integration and
// returns credentials scoped to the locations and mode, served from the
// credential cache.
func (m *Manager) GetSubscopedCredentials(ctx context.Context, entity *Entity, subject string, locations []string, mode storagecreds.AccessMode) (*storagecreds.Credentials, error) {
	integration, err := m.LoadStorageIntegration(entity)
	if err != nil {
		return nil, err
	}
	if integration == nil {
		return nil, fmt.Errorf("entity %d/%d has no storage integration", entity.CatalogID, entity.ID)
	}
	return m.credentials.GetOrGenerateCredentials(ctx, integration, subject, locations, mode)
}
