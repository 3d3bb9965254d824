package metastore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tablecat/tablecat/pkg/logger"
)

// MemoryStore is an in-memory backing store with the same contract as the
// PostgreSQL adapter, including compare-and-set version checks. It backs
// tests and local/dev realms that have no database.
//
// Transactions serialize on the store mutex; rollback restores a snapshot
// taken at transaction begin. Written and returned records are always
// copies, so snapshots can share values with live state.
type MemoryStore struct {
	mu     sync.Mutex
	lastID atomic.Int64
	state  *memState
}

type memState struct {
	entities map[EntityID]*Entity
	active   map[ActiveRecordKey]*ActiveRecord
	dropped  map[EntityID]*Entity
	tracking map[EntityID]ChangeTrackingVersions
	grants   map[GrantRecord]struct{}
	secrets  map[string]*PrincipalSecrets
}

func newMemState() *memState {
	return &memState{
		entities: make(map[EntityID]*Entity),
		active:   make(map[ActiveRecordKey]*ActiveRecord),
		dropped:  make(map[EntityID]*Entity),
		tracking: make(map[EntityID]ChangeTrackingVersions),
		grants:   make(map[GrantRecord]struct{}),
		secrets:  make(map[string]*PrincipalSecrets),
	}
}

// clone copies the maps only; values are never mutated in place, so the
// snapshot can share them with live state.
func (s *memState) clone() *memState {
	out := newMemState()
	for k, v := range s.entities {
		out.entities[k] = v
	}
	for k, v := range s.active {
		out.active[k] = v
	}
	for k, v := range s.dropped {
		out.dropped[k] = v
	}
	for k, v := range s.tracking {
		out.tracking[k] = v
	}
	for k := range s.grants {
		out.grants[k] = struct{}{}
	}
	for k, v := range s.secrets {
		out.secrets[k] = v
	}
	return out
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	store := &MemoryStore{state: newMemState()}
	store.lastID.Store(999)
	return store
}

type memTx struct {
	store      *MemoryStore
	snapshot   *memState
	rolledBack bool
}

func (t *memTx) requestRollback()        { t.rolledBack = true }
func (t *memTx) rollbackRequested() bool { return t.rolledBack }

func (s *MemoryStore) txFrom(ctx context.Context) (*memTx, error) {
	t := transactionFromContext(ctx)
	if t == nil {
		return nil, fmt.Errorf("%w: store call outside of a transaction", ErrIntegrity)
	}
	tx, ok := t.(*memTx)
	if !ok || tx.store != s {
		return nil, fmt.Errorf("%w: transaction belongs to a different store", ErrIntegrity)
	}
	return tx, nil
}

// WriteEntity implements Store.
func (s *MemoryStore) WriteEntity(ctx context.Context, entity *Entity, expectedVersion int) error {
	if _, err := s.txFrom(ctx); err != nil {
		return err
	}

	key := entity.EntityID()
	existing := s.state.entities[key]
	if expectedVersion == 0 {
		if existing != nil {
			return fmt.Errorf("%w: entity %d/%d", ErrAlreadyExists, key.CatalogID, key.ID)
		}
		s.state.entities[key] = entity.Clone()
		return nil
	}
	if existing == nil || existing.EntityVersion != expectedVersion {
		return fmt.Errorf("%w: entity %d/%d changed since version %d was read",
			ErrConcurrencyConflict, key.CatalogID, key.ID, expectedVersion)
	}
	s.state.entities[key] = entity.Clone()
	return nil
}

// WriteActiveRecord implements Store.
func (s *MemoryStore) WriteActiveRecord(ctx context.Context, record *ActiveRecord) error {
	if _, err := s.txFrom(ctx); err != nil {
		return err
	}

	key := ActiveRecordKey{
		CatalogID: record.CatalogID,
		ParentID:  record.ParentID,
		Name:      record.Name,
		TypeCode:  record.TypeCode,
	}
	if _, ok := s.state.active[key]; ok {
		return fmt.Errorf("%w: active entity %q under parent %d", ErrAlreadyExists, key.Name, key.ParentID)
	}
	copied := *record
	s.state.active[key] = &copied
	return nil
}

// WriteDroppedEntity implements Store.
func (s *MemoryStore) WriteDroppedEntity(ctx context.Context, entity *Entity) error {
	if _, err := s.txFrom(ctx); err != nil {
		return err
	}
	s.state.dropped[entity.EntityID()] = entity.Clone()
	return nil
}

// WriteChangeTracking implements Store.
func (s *MemoryStore) WriteChangeTracking(ctx context.Context, record *ChangeTrackingRecord, expected *ChangeTrackingVersions) error {
	if _, err := s.txFrom(ctx); err != nil {
		return err
	}

	key := EntityID{CatalogID: record.CatalogID, ID: record.ID}
	current, ok := s.state.tracking[key]
	if expected == nil {
		if ok {
			return fmt.Errorf("%w: change tracking for %d/%d", ErrAlreadyExists, key.CatalogID, key.ID)
		}
		s.state.tracking[key] = record.Versions
		return nil
	}
	if !ok || current != *expected {
		return fmt.Errorf("%w: change tracking for %d/%d moved past versions %d/%d",
			ErrConcurrencyConflict, key.CatalogID, key.ID,
			expected.EntityVersion, expected.GrantRecordsVersion)
	}
	s.state.tracking[key] = record.Versions
	return nil
}

// WriteGrantRecord implements Store.
func (s *MemoryStore) WriteGrantRecord(ctx context.Context, grant *GrantRecord) error {
	if _, err := s.txFrom(ctx); err != nil {
		return err
	}
	if _, ok := s.state.grants[*grant]; ok {
		return fmt.Errorf("%w: grant record", ErrAlreadyExists)
	}
	s.state.grants[*grant] = struct{}{}
	return nil
}

// WritePrincipalSecrets implements Store.
func (s *MemoryStore) WritePrincipalSecrets(ctx context.Context, secrets *PrincipalSecrets) error {
	if _, err := s.txFrom(ctx); err != nil {
		return err
	}
	copied := *secrets
	copied.MainSecret = ""
	s.state.secrets[secrets.ClientID] = &copied
	return nil
}

// DeleteEntity implements Store.
func (s *MemoryStore) DeleteEntity(ctx context.Context, id EntityID) error {
	if _, err := s.txFrom(ctx); err != nil {
		return err
	}
	delete(s.state.entities, id)
	return nil
}

// DeleteActiveRecord implements Store.
func (s *MemoryStore) DeleteActiveRecord(ctx context.Context, key ActiveRecordKey) error {
	if _, err := s.txFrom(ctx); err != nil {
		return err
	}
	delete(s.state.active, key)
	return nil
}

// DeleteDroppedEntity implements Store.
func (s *MemoryStore) DeleteDroppedEntity(ctx context.Context, id EntityID) error {
	if _, err := s.txFrom(ctx); err != nil {
		return err
	}
	delete(s.state.dropped, id)
	return nil
}

// DeleteChangeTracking implements Store.
func (s *MemoryStore) DeleteChangeTracking(ctx context.Context, id EntityID) error {
	if _, err := s.txFrom(ctx); err != nil {
		return err
	}
	delete(s.state.tracking, id)
	return nil
}

// DeleteGrantRecord implements Store.
func (s *MemoryStore) DeleteGrantRecord(ctx context.Context, grant *GrantRecord) (bool, error) {
	if _, err := s.txFrom(ctx); err != nil {
		return false, err
	}
	if _, ok := s.state.grants[*grant]; !ok {
		return false, nil
	}
	delete(s.state.grants, *grant)
	return true, nil
}

// DeleteAllGrantRecords implements Store.
func (s *MemoryStore) DeleteAllGrantRecords(ctx context.Context, id EntityID) error {
	if _, err := s.txFrom(ctx); err != nil {
		return err
	}
	for grant := range s.state.grants {
		if (grant.SecurableCatalogID == id.CatalogID && grant.SecurableID == id.ID) ||
			(grant.GranteeCatalogID == id.CatalogID && grant.GranteeID == id.ID) {
			delete(s.state.grants, grant)
		}
	}
	return nil
}

// DeletePrincipalSecrets implements Store.
func (s *MemoryStore) DeletePrincipalSecrets(ctx context.Context, clientID string) error {
	if _, err := s.txFrom(ctx); err != nil {
		return err
	}
	delete(s.state.secrets, clientID)
	return nil
}

// LookupEntity implements Store.
func (s *MemoryStore) LookupEntity(ctx context.Context, id EntityID) (*Entity, error) {
	if _, err := s.txFrom(ctx); err != nil {
		return nil, err
	}
	e, ok := s.state.entities[id]
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

// LookupEntities implements Store.
func (s *MemoryStore) LookupEntities(ctx context.Context, ids []EntityID) ([]*Entity, error) {
	if _, err := s.txFrom(ctx); err != nil {
		return nil, err
	}
	var entities []*Entity
	for _, id := range ids {
		if e, ok := s.state.entities[id]; ok {
			entities = append(entities, e.Clone())
		}
	}
	return entities, nil
}

// LookupActiveRecord implements Store.
func (s *MemoryStore) LookupActiveRecord(ctx context.Context, key ActiveRecordKey) (*ActiveRecord, error) {
	if _, err := s.txFrom(ctx); err != nil {
		return nil, err
	}
	record, ok := s.state.active[key]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

// LookupChangeTracking implements Store.
func (s *MemoryStore) LookupChangeTracking(ctx context.Context, id EntityID) (*ChangeTrackingRecord, error) {
	if _, err := s.txFrom(ctx); err != nil {
		return nil, err
	}
	versions, ok := s.state.tracking[id]
	if !ok {
		return nil, nil
	}
	return &ChangeTrackingRecord{CatalogID: id.CatalogID, ID: id.ID, Versions: versions}, nil
}

// ListActiveEntities implements Store.
func (s *MemoryStore) ListActiveEntities(ctx context.Context, catalogID, parentID int64, typeCode EntityType) ([]*Entity, error) {
	if _, err := s.txFrom(ctx); err != nil {
		return nil, err
	}
	var entities []*Entity
	for key, record := range s.state.active {
		if key.CatalogID != catalogID || key.ParentID != parentID || key.TypeCode != typeCode {
			continue
		}
		if e, ok := s.state.entities[EntityID{CatalogID: record.CatalogID, ID: record.ID}]; ok {
			entities = append(entities, e.Clone())
		}
	}
	return entities, nil
}

// CountActiveChildren implements Store.
func (s *MemoryStore) CountActiveChildren(ctx context.Context, catalogID, parentID int64, typeCode EntityType) (int, error) {
	if _, err := s.txFrom(ctx); err != nil {
		return 0, err
	}
	count := 0
	for key := range s.state.active {
		if key.CatalogID != catalogID || key.ParentID != parentID {
			continue
		}
		if typeCode != EntityTypeAny && key.TypeCode != typeCode {
			continue
		}
		count++
	}
	return count, nil
}

// LookupGrantRecord implements Store.
func (s *MemoryStore) LookupGrantRecord(ctx context.Context, grant *GrantRecord) (*GrantRecord, error) {
	if _, err := s.txFrom(ctx); err != nil {
		return nil, err
	}
	if _, ok := s.state.grants[*grant]; !ok {
		return nil, nil
	}
	copied := *grant
	return &copied, nil
}

// LoadGrantsOnSecurable implements Store.
func (s *MemoryStore) LoadGrantsOnSecurable(ctx context.Context, securableCatalogID, securableID int64) ([]*GrantRecord, error) {
	if _, err := s.txFrom(ctx); err != nil {
		return nil, err
	}
	var grants []*GrantRecord
	for grant := range s.state.grants {
		if grant.SecurableCatalogID == securableCatalogID && grant.SecurableID == securableID {
			copied := grant
			grants = append(grants, &copied)
		}
	}
	return grants, nil
}

// LoadGrantsOnGrantee implements Store.
func (s *MemoryStore) LoadGrantsOnGrantee(ctx context.Context, granteeCatalogID, granteeID int64) ([]*GrantRecord, error) {
	if _, err := s.txFrom(ctx); err != nil {
		return nil, err
	}
	var grants []*GrantRecord
	for grant := range s.state.grants {
		if grant.GranteeCatalogID == granteeCatalogID && grant.GranteeID == granteeID {
			copied := grant
			grants = append(grants, &copied)
		}
	}
	return grants, nil
}

// LookupPrincipalSecrets implements Store.
func (s *MemoryStore) LookupPrincipalSecrets(ctx context.Context, clientID string) (*PrincipalSecrets, error) {
	if _, err := s.txFrom(ctx); err != nil {
		return nil, err
	}
	secrets, ok := s.state.secrets[clientID]
	if !ok {
		return nil, nil
	}
	copied := *secrets
	return &copied, nil
}

var _ Store = (*MemoryStore)(nil)

// MemorySession runs units of work against a MemoryStore. Transactions
// serialize on the store mutex and roll back by restoring a snapshot.
type MemorySession struct {
	store  *MemoryStore
	logger *logger.Logger
}

// NewMemorySession creates a session against the in-memory store.
func NewMemorySession(store *MemoryStore, logger *logger.Logger) *MemorySession {
	return &MemorySession{store: store, logger: logger}
}

// RunInTransaction implements Session.
func (s *MemorySession) RunInTransaction(ctx context.Context, work func(ctx context.Context) error) error {
	if InTransaction(ctx) {
		return fmt.Errorf("%w: cannot nest transaction", ErrIntegrity)
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	tx := &memTx{store: s.store, snapshot: s.store.state.clone()}
	// Restores the snapshot on every exit path, panics included, unless the
	// transaction committed
	committed := false
	defer func() {
		if !committed {
			s.store.state = tx.snapshot
		}
	}()

	err := work(contextWithTx(ctx, tx))
	if err != nil || tx.rollbackRequested() {
		if err != nil {
			s.logger.Debugf("transaction rolled back: %v", err)
		}
		return err
	}
	committed = true
	return nil
}

// RunInReadTransaction implements Session. The memory store has no true
// read-only mode, so this is RunInTransaction under another name.
func (s *MemorySession) RunInReadTransaction(ctx context.Context, work func(ctx context.Context) error) error {
	return s.RunInTransaction(ctx, work)
}

// GenerateNewID implements Session. Ids are never reused, including after a
// rollback.
func (s *MemorySession) GenerateNewID(ctx context.Context) (int64, error) {
	return s.store.lastID.Add(1), nil
}
