package metastore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tablecat/tablecat/pkg/database"
)

//go:embed schema.sql
var schemaSQL string

// Bootstrap applies the metastore schema to the realm's database. Safe to
// run repeatedly.
func Bootstrap(ctx context.Context, db *database.PostgreSQL) error {
	if _, err := db.Pool().Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply metastore schema: %w", err)
	}
	return nil
}

// PostgresStore is the PostgreSQL backing-store adapter. Every method runs
// against the transaction carried by ctx; the adapter owns the mapping
// between model types and physical rows.
type PostgresStore struct{}

// NewPostgresStore creates a new PostgreSQL store adapter.
func NewPostgresStore() *PostgresStore {
	return &PostgresStore{}
}

const entityColumns = `catalog_id, id, parent_id, type_code, sub_type_code, name,
	entity_version, grant_records_version, create_timestamp, drop_timestamp,
	purge_timestamp, last_update_timestamp, properties, internal_properties`

func scanEntity(row pgx.Row) (*Entity, error) {
	var e Entity
	err := row.Scan(
		&e.CatalogID, &e.ID, &e.ParentID, &e.TypeCode, &e.SubTypeCode, &e.Name,
		&e.EntityVersion, &e.GrantRecordsVersion, &e.CreateTimestamp, &e.DropTimestamp,
		&e.PurgeTimestamp, &e.LastUpdateTimestamp, &e.Properties, &e.InternalProperties,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func entityArgs(e *Entity) []any {
	props := e.Properties
	if props == nil {
		props = map[string]string{}
	}
	internal := e.InternalProperties
	if internal == nil {
		internal = map[string]string{}
	}
	return []any{
		e.CatalogID, e.ID, e.ParentID, e.TypeCode, e.SubTypeCode, e.Name,
		e.EntityVersion, e.GrantRecordsVersion, e.CreateTimestamp, e.DropTimestamp,
		e.PurgeTimestamp, e.LastUpdateTimestamp, props, internal,
	}
}

// WriteEntity implements Store.
func (s *PostgresStore) WriteEntity(ctx context.Context, entity *Entity, expectedVersion int) error {
	tx, err := pgxTx(ctx)
	if err != nil {
		return err
	}

	if expectedVersion == 0 {
		_, err := tx.Exec(ctx, `
			INSERT INTO entities (`+entityColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, entityArgs(entity)...)
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE entities
		SET parent_id = $3, type_code = $4, sub_type_code = $5, name = $6,
			entity_version = $7, grant_records_version = $8, create_timestamp = $9,
			drop_timestamp = $10, purge_timestamp = $11, last_update_timestamp = $12,
			properties = $13, internal_properties = $14
		WHERE catalog_id = $1 AND id = $2 AND entity_version = $15
	`, append(entityArgs(entity), expectedVersion)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: entity %d/%d changed since version %d was read",
			ErrConcurrencyConflict, entity.CatalogID, entity.ID, expectedVersion)
	}
	return nil
}

// WriteActiveRecord implements Store.
func (s *PostgresStore) WriteActiveRecord(ctx context.Context, record *ActiveRecord) error {
	tx, err := pgxTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO entities_active (catalog_id, parent_id, name, type_code, id, sub_type_code)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, record.CatalogID, record.ParentID, record.Name, record.TypeCode, record.ID, record.SubTypeCode)
	return err
}

// WriteDroppedEntity implements Store.
func (s *PostgresStore) WriteDroppedEntity(ctx context.Context, entity *Entity) error {
	tx, err := pgxTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO entities_dropped (`+entityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (catalog_id, id) DO UPDATE SET
			drop_timestamp = EXCLUDED.drop_timestamp,
			purge_timestamp = EXCLUDED.purge_timestamp,
			entity_version = EXCLUDED.entity_version
	`, entityArgs(entity)...)
	return err
}

// WriteChangeTracking implements Store.
func (s *PostgresStore) WriteChangeTracking(ctx context.Context, record *ChangeTrackingRecord, expected *ChangeTrackingVersions) error {
	tx, err := pgxTx(ctx)
	if err != nil {
		return err
	}

	if expected == nil {
		_, err := tx.Exec(ctx, `
			INSERT INTO entities_change_tracking (catalog_id, id, entity_version, grant_records_version)
			VALUES ($1, $2, $3, $4)
		`, record.CatalogID, record.ID, record.Versions.EntityVersion, record.Versions.GrantRecordsVersion)
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE entities_change_tracking
		SET entity_version = $3, grant_records_version = $4
		WHERE catalog_id = $1 AND id = $2 AND entity_version = $5 AND grant_records_version = $6
	`, record.CatalogID, record.ID, record.Versions.EntityVersion, record.Versions.GrantRecordsVersion,
		expected.EntityVersion, expected.GrantRecordsVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: change tracking for %d/%d moved past versions %d/%d",
			ErrConcurrencyConflict, record.CatalogID, record.ID,
			expected.EntityVersion, expected.GrantRecordsVersion)
	}
	return nil
}

// WriteGrantRecord implements Store.
func (s *PostgresStore) WriteGrantRecord(ctx context.Context, grant *GrantRecord) error {
	tx, err := pgxTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO grant_records (securable_catalog_id, securable_id, grantee_catalog_id, grantee_id, privilege_code)
		VALUES ($1, $2, $3, $4, $5)
	`, grant.SecurableCatalogID, grant.SecurableID, grant.GranteeCatalogID, grant.GranteeID, grant.PrivilegeCode)
	return err
}

// WritePrincipalSecrets implements Store.
func (s *PostgresStore) WritePrincipalSecrets(ctx context.Context, secrets *PrincipalSecrets) error {
	tx, err := pgxTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO principal_secrets (client_id, principal_id, secret_salt, main_secret_hash, previous_secret_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_id) DO UPDATE SET
			secret_salt = EXCLUDED.secret_salt,
			main_secret_hash = EXCLUDED.main_secret_hash,
			previous_secret_hash = EXCLUDED.previous_secret_hash
	`, secrets.ClientID, secrets.PrincipalID, secrets.SecretSalt, secrets.MainSecretHash, secrets.PreviousSecretHash)
	return err
}

// DeleteEntity implements Store.
func (s *PostgresStore) DeleteEntity(ctx context.Context, id EntityID) error {
	tx, err := pgxTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `DELETE FROM entities WHERE catalog_id = $1 AND id = $2`, id.CatalogID, id.ID)
	return err
}

// DeleteActiveRecord implements Store.
func (s *PostgresStore) DeleteActiveRecord(ctx context.Context, key ActiveRecordKey) error {
	tx, err := pgxTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		DELETE FROM entities_active
		WHERE catalog_id = $1 AND parent_id = $2 AND name = $3 AND type_code = $4
	`, key.CatalogID, key.ParentID, key.Name, key.TypeCode)
	return err
}

// DeleteDroppedEntity implements Store.
func (s *PostgresStore) DeleteDroppedEntity(ctx context.Context, id EntityID) error {
	tx, err := pgxTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `DELETE FROM entities_dropped WHERE catalog_id = $1 AND id = $2`, id.CatalogID, id.ID)
	return err
}

// DeleteChangeTracking implements Store.
func (s *PostgresStore) DeleteChangeTracking(ctx context.Context, id EntityID) error {
	tx, err := pgxTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `DELETE FROM entities_change_tracking WHERE catalog_id = $1 AND id = $2`, id.CatalogID, id.ID)
	return err
}

// DeleteGrantRecord implements Store.
func (s *PostgresStore) DeleteGrantRecord(ctx context.Context, grant *GrantRecord) (bool, error) {
	tx, err := pgxTx(ctx)
	if err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, `
		DELETE FROM grant_records
		WHERE securable_catalog_id = $1 AND securable_id = $2
			AND grantee_catalog_id = $3 AND grantee_id = $4 AND privilege_code = $5
	`, grant.SecurableCatalogID, grant.SecurableID, grant.GranteeCatalogID, grant.GranteeID, grant.PrivilegeCode)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteAllGrantRecords implements Store.
func (s *PostgresStore) DeleteAllGrantRecords(ctx context.Context, id EntityID) error {
	tx, err := pgxTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		DELETE FROM grant_records
		WHERE (securable_catalog_id = $1 AND securable_id = $2)
			OR (grantee_catalog_id = $1 AND grantee_id = $2)
	`, id.CatalogID, id.ID)
	return err
}

// DeletePrincipalSecrets implements Store.
func (s *PostgresStore) DeletePrincipalSecrets(ctx context.Context, clientID string) error {
	tx, err := pgxTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `DELETE FROM principal_secrets WHERE client_id = $1`, clientID)
	return err
}

// LookupEntity implements Store.
func (s *PostgresStore) LookupEntity(ctx context.Context, id EntityID) (*Entity, error) {
	tx, err := pgxTx(ctx)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRow(ctx, `
		SELECT `+entityColumns+` FROM entities WHERE catalog_id = $1 AND id = $2
	`, id.CatalogID, id.ID)
	return scanEntity(row)
}

// LookupEntities implements Store.
func (s *PostgresStore) LookupEntities(ctx context.Context, ids []EntityID) ([]*Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	tx, err := pgxTx(ctx)
	if err != nil {
		return nil, err
	}

	catalogIDs := make([]int64, len(ids))
	entityIDs := make([]int64, len(ids))
	for i, id := range ids {
		catalogIDs[i] = id.CatalogID
		entityIDs[i] = id.ID
	}

	rows, err := tx.Query(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE (catalog_id, id) IN (SELECT * FROM unnest($1::bigint[], $2::bigint[]))
	`, catalogIDs, entityIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// LookupActiveRecord implements Store.
func (s *PostgresStore) LookupActiveRecord(ctx context.Context, key ActiveRecordKey) (*ActiveRecord, error) {
	tx, err := pgxTx(ctx)
	if err != nil {
		return nil, err
	}

	var record ActiveRecord
	err = tx.QueryRow(ctx, `
		SELECT catalog_id, parent_id, name, type_code, id, sub_type_code
		FROM entities_active
		WHERE catalog_id = $1 AND parent_id = $2 AND name = $3 AND type_code = $4
	`, key.CatalogID, key.ParentID, key.Name, key.TypeCode).Scan(
		&record.CatalogID, &record.ParentID, &record.Name, &record.TypeCode, &record.ID, &record.SubTypeCode,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// LookupChangeTracking implements Store.
func (s *PostgresStore) LookupChangeTracking(ctx context.Context, id EntityID) (*ChangeTrackingRecord, error) {
	tx, err := pgxTx(ctx)
	if err != nil {
		return nil, err
	}

	var record ChangeTrackingRecord
	err = tx.QueryRow(ctx, `
		SELECT catalog_id, id, entity_version, grant_records_version
		FROM entities_change_tracking
		WHERE catalog_id = $1 AND id = $2
	`, id.CatalogID, id.ID).Scan(
		&record.CatalogID, &record.ID, &record.Versions.EntityVersion, &record.Versions.GrantRecordsVersion,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// ListActiveEntities implements Store.
func (s *PostgresStore) ListActiveEntities(ctx context.Context, catalogID, parentID int64, typeCode EntityType) ([]*Entity, error) {
	tx, err := pgxTx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT `+prefixedEntityColumns("e")+`
		FROM entities e
		JOIN entities_active a
			ON a.catalog_id = e.catalog_id AND a.id = e.id
		WHERE a.catalog_id = $1 AND a.parent_id = $2 AND a.type_code = $3
	`, catalogID, parentID, typeCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// CountActiveChildren implements Store.
func (s *PostgresStore) CountActiveChildren(ctx context.Context, catalogID, parentID int64, typeCode EntityType) (int, error) {
	tx, err := pgxTx(ctx)
	if err != nil {
		return 0, err
	}

	var count int
	if typeCode == EntityTypeAny {
		err = tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM entities_active WHERE catalog_id = $1 AND parent_id = $2
		`, catalogID, parentID).Scan(&count)
	} else {
		err = tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM entities_active
			WHERE catalog_id = $1 AND parent_id = $2 AND type_code = $3
		`, catalogID, parentID, typeCode).Scan(&count)
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// LookupGrantRecord implements Store.
func (s *PostgresStore) LookupGrantRecord(ctx context.Context, grant *GrantRecord) (*GrantRecord, error) {
	tx, err := pgxTx(ctx)
	if err != nil {
		return nil, err
	}

	var record GrantRecord
	err = tx.QueryRow(ctx, `
		SELECT securable_catalog_id, securable_id, grantee_catalog_id, grantee_id, privilege_code
		FROM grant_records
		WHERE securable_catalog_id = $1 AND securable_id = $2
			AND grantee_catalog_id = $3 AND grantee_id = $4 AND privilege_code = $5
	`, grant.SecurableCatalogID, grant.SecurableID, grant.GranteeCatalogID, grant.GranteeID, grant.PrivilegeCode).Scan(
		&record.SecurableCatalogID, &record.SecurableID, &record.GranteeCatalogID, &record.GranteeID, &record.PrivilegeCode,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (s *PostgresStore) loadGrants(ctx context.Context, query string, catalogID, id int64) ([]*GrantRecord, error) {
	tx, err := pgxTx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, query, catalogID, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []*GrantRecord
	for rows.Next() {
		var g GrantRecord
		if err := rows.Scan(&g.SecurableCatalogID, &g.SecurableID, &g.GranteeCatalogID, &g.GranteeID, &g.PrivilegeCode); err != nil {
			return nil, err
		}
		grants = append(grants, &g)
	}
	return grants, rows.Err()
}

// LoadGrantsOnSecurable implements Store.
func (s *PostgresStore) LoadGrantsOnSecurable(ctx context.Context, securableCatalogID, securableID int64) ([]*GrantRecord, error) {
	return s.loadGrants(ctx, `
		SELECT securable_catalog_id, securable_id, grantee_catalog_id, grantee_id, privilege_code
		FROM grant_records WHERE securable_catalog_id = $1 AND securable_id = $2
	`, securableCatalogID, securableID)
}

// LoadGrantsOnGrantee implements Store.
func (s *PostgresStore) LoadGrantsOnGrantee(ctx context.Context, granteeCatalogID, granteeID int64) ([]*GrantRecord, error) {
	return s.loadGrants(ctx, `
		SELECT securable_catalog_id, securable_id, grantee_catalog_id, grantee_id, privilege_code
		FROM grant_records WHERE grantee_catalog_id = $1 AND grantee_id = $2
	`, granteeCatalogID, granteeID)
}

// LookupPrincipalSecrets implements Store.
func (s *PostgresStore) LookupPrincipalSecrets(ctx context.Context, clientID string) (*PrincipalSecrets, error) {
	tx, err := pgxTx(ctx)
	if err != nil {
		return nil, err
	}

	var secrets PrincipalSecrets
	err = tx.QueryRow(ctx, `
		SELECT client_id, principal_id, secret_salt, main_secret_hash, previous_secret_hash
		FROM principal_secrets WHERE client_id = $1
	`, clientID).Scan(
		&secrets.ClientID, &secrets.PrincipalID, &secrets.SecretSalt, &secrets.MainSecretHash, &secrets.PreviousSecretHash,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &secrets, nil
}

func prefixedEntityColumns(alias string) string {
	return alias + `.catalog_id, ` + alias + `.id, ` + alias + `.parent_id, ` +
		alias + `.type_code, ` + alias + `.sub_type_code, ` + alias + `.name, ` +
		alias + `.entity_version, ` + alias + `.grant_records_version, ` +
		alias + `.create_timestamp, ` + alias + `.drop_timestamp, ` +
		alias + `.purge_timestamp, ` + alias + `.last_update_timestamp, ` +
		alias + `.properties, ` + alias + `.internal_properties`
}

var _ Store = (*PostgresStore)(nil)
