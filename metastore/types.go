package metastore

import "time"

// EntityType classifies catalog entities.
type EntityType int

const (
	EntityTypeAny EntityType = iota
	EntityTypeRoot
	EntityTypePrincipal
	EntityTypePrincipalRole
	EntityTypeCatalog
	EntityTypeCatalogRole
	EntityTypeNamespace
	EntityTypeTableLike
	EntityTypeTask
)

func (t EntityType) String() string {
	switch t {
	case EntityTypeAny:
		return "any"
	case EntityTypeRoot:
		return "root"
	case EntityTypePrincipal:
		return "principal"
	case EntityTypePrincipalRole:
		return "principal_role"
	case EntityTypeCatalog:
		return "catalog"
	case EntityTypeCatalogRole:
		return "catalog_role"
	case EntityTypeNamespace:
		return "namespace"
	case EntityTypeTableLike:
		return "table_like"
	case EntityTypeTask:
		return "task"
	default:
		return "unknown"
	}
}

const (
	// NullID marks an unassigned entity or parent id.
	NullID int64 = 0

	// RootCatalogID scopes top-level entities (catalogs, principals) that do
	// not live under a catalog of their own.
	RootCatalogID int64 = 0

	// InitialVersion is the entity and grant-records version assigned on
	// creation. Versions only ever move up from here.
	InitialVersion = 1
)

// EntityID identifies an entity within a realm.
type EntityID struct {
	CatalogID int64
	ID        int64
}

// ActiveRecordKey is the uniqueness key of the active-entity index: at most
// one active entity of a given type carries a name under a parent.
type ActiveRecordKey struct {
	CatalogID int64
	ParentID  int64
	Name      string
	TypeCode  EntityType
}

// ActiveRecord is the denormalized active-entity index row.
type ActiveRecord struct {
	CatalogID   int64
	ID          int64
	ParentID    int64
	Name        string
	TypeCode    EntityType
	SubTypeCode int
}

// Entity is a catalog entity record. EntityVersion increases by exactly one
// on every successful write; GrantRecordsVersion increases by one whenever a
// grant on the entity is added or revoked.
type Entity struct {
	CatalogID           int64
	ID                  int64
	ParentID            int64
	TypeCode            EntityType
	SubTypeCode         int
	Name                string
	EntityVersion       int
	GrantRecordsVersion int
	CreateTimestamp     int64
	DropTimestamp       int64
	PurgeTimestamp      int64
	LastUpdateTimestamp int64
	Properties          map[string]string
	InternalProperties  map[string]string
}

// EntityID returns the identity of the entity.
func (e *Entity) EntityID() EntityID {
	return EntityID{CatalogID: e.CatalogID, ID: e.ID}
}

// ActiveKey returns the active-index key of the entity.
func (e *Entity) ActiveKey() ActiveRecordKey {
	return ActiveRecordKey{
		CatalogID: e.CatalogID,
		ParentID:  e.ParentID,
		Name:      e.Name,
		TypeCode:  e.TypeCode,
	}
}

// ToActiveRecord builds the active-index row for the entity.
func (e *Entity) ToActiveRecord() *ActiveRecord {
	return &ActiveRecord{
		CatalogID:   e.CatalogID,
		ID:          e.ID,
		ParentID:    e.ParentID,
		Name:        e.Name,
		TypeCode:    e.TypeCode,
		SubTypeCode: e.SubTypeCode,
	}
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	out := *e
	out.Properties = cloneProperties(e.Properties)
	out.InternalProperties = cloneProperties(e.InternalProperties)
	return &out
}

func cloneProperties(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ChangeTrackingVersions carries the authoritative version counters of one
// entity, independent of the full entity payload.
type ChangeTrackingVersions struct {
	EntityVersion       int
	GrantRecordsVersion int
}

// ChangeTrackingRecord is the persisted change-tracking row.
type ChangeTrackingRecord struct {
	CatalogID int64
	ID        int64
	Versions  ChangeTrackingVersions
}

// GrantRecord represents a single privilege granted on a securable to a
// grantee. The full tuple is unique.
type GrantRecord struct {
	SecurableCatalogID int64
	SecurableID        int64
	GranteeCatalogID   int64
	GranteeID          int64
	PrivilegeCode      int
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
