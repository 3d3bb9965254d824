package metastore

import "context"

// Store is the backing-store adapter: row-level CRUD over the metastore
// record types. Every method runs against the transaction carried by ctx
// (see Session); calling one outside a transaction is an integrity fault.
//
// Absence is never an error: lookups return nil (or an empty slice) for
// records that do not exist.
type Store interface {
	// WriteEntity inserts the entity when expectedVersion is zero, otherwise
	// updates it with a compare-and-set on the version column. A CAS miss is
	// an ErrConcurrencyConflict.
	WriteEntity(ctx context.Context, entity *Entity, expectedVersion int) error
	WriteActiveRecord(ctx context.Context, record *ActiveRecord) error
	WriteDroppedEntity(ctx context.Context, entity *Entity) error
	// WriteChangeTracking inserts the record when expected is nil, otherwise
	// compare-and-sets against the expected version pair.
	WriteChangeTracking(ctx context.Context, record *ChangeTrackingRecord, expected *ChangeTrackingVersions) error
	WriteGrantRecord(ctx context.Context, grant *GrantRecord) error
	WritePrincipalSecrets(ctx context.Context, secrets *PrincipalSecrets) error

	DeleteEntity(ctx context.Context, id EntityID) error
	DeleteActiveRecord(ctx context.Context, key ActiveRecordKey) error
	DeleteDroppedEntity(ctx context.Context, id EntityID) error
	DeleteChangeTracking(ctx context.Context, id EntityID) error
	// DeleteGrantRecord reports whether the grant existed.
	DeleteGrantRecord(ctx context.Context, grant *GrantRecord) (bool, error)
	// DeleteAllGrantRecords removes every grant where the entity appears as
	// securable or as grantee.
	DeleteAllGrantRecords(ctx context.Context, id EntityID) error
	DeletePrincipalSecrets(ctx context.Context, clientID string) error

	LookupEntity(ctx context.Context, id EntityID) (*Entity, error)
	LookupEntities(ctx context.Context, ids []EntityID) ([]*Entity, error)
	LookupActiveRecord(ctx context.Context, key ActiveRecordKey) (*ActiveRecord, error)
	LookupChangeTracking(ctx context.Context, id EntityID) (*ChangeTrackingRecord, error)
	// ListActiveEntities returns the full entity rows of every active entity
	// of the given type under the parent, in no particular order.
	ListActiveEntities(ctx context.Context, catalogID, parentID int64, typeCode EntityType) ([]*Entity, error)
	// CountActiveChildren counts active entities under the parent.
	// EntityTypeAny counts children of every type.
	CountActiveChildren(ctx context.Context, catalogID, parentID int64, typeCode EntityType) (int, error)

	LookupGrantRecord(ctx context.Context, grant *GrantRecord) (*GrantRecord, error)
	LoadGrantsOnSecurable(ctx context.Context, securableCatalogID, securableID int64) ([]*GrantRecord, error)
	LoadGrantsOnGrantee(ctx context.Context, granteeCatalogID, granteeID int64) ([]*GrantRecord, error)

	LookupPrincipalSecrets(ctx context.Context, clientID string) (*PrincipalSecrets, error)
}
