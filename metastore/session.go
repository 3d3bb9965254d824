package metastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tablecat/tablecat/pkg/database"
	"github.com/tablecat/tablecat/pkg/logger"
)

// Session owns one unit of work per operation against a single realm's
// backing store. Exactly one transaction may be active per call chain; the
// active transaction travels in the context so that nesting is detectable
// and store calls never rely on hidden global state.
type Session interface {
	// RunInTransaction begins a unit of work, executes work and commits
	// unless work failed or rolled back explicitly via Rollback. Storage
	// uniqueness violations surface as ErrAlreadyExists and write-write
	// conflicts as ErrConcurrencyConflict; other errors propagate unchanged
	// after rollback.
	RunInTransaction(ctx context.Context, work func(ctx context.Context) error) error

	// RunInReadTransaction is RunInTransaction in read-only access mode.
	RunInReadTransaction(ctx context.Context, work func(ctx context.Context) error) error

	// GenerateNewID draws the next value from the realm-scoped id sequence,
	// using the active transaction when one is present.
	GenerateNewID(ctx context.Context) (int64, error)
}

// transaction is the backend-specific handle carried by the context.
type transaction interface {
	requestRollback()
	rollbackRequested() bool
}

type txContextKey struct{}

func contextWithTx(ctx context.Context, t transaction) context.Context {
	return context.WithValue(ctx, txContextKey{}, t)
}

func transactionFromContext(ctx context.Context) transaction {
	t, _ := ctx.Value(txContextKey{}).(transaction)
	return t
}

// InTransaction reports whether ctx carries an active unit of work.
func InTransaction(ctx context.Context) bool {
	return transactionFromContext(ctx) != nil
}

// Rollback marks the current unit of work as rolled back. The enclosing
// RunInTransaction skips the commit and returns nil. Calling it outside a
// transaction is an integrity fault.
func Rollback(ctx context.Context) error {
	t := transactionFromContext(ctx)
	if t == nil {
		return fmt.Errorf("%w: rollback outside of a transaction", ErrIntegrity)
	}
	t.requestRollback()
	return nil
}

// PostgreSQL error codes the session maps to the metastore taxonomy.
const (
	pgCodeUniqueViolation      = "23505"
	pgCodeSerializationFailure = "40001"
	pgCodeDeadlockDetected     = "40P01"
)

// mapPostgresError converts low-level pgx errors into the metastore error
// taxonomy; anything unrecognized passes through unchanged.
func mapPostgresError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgCodeUniqueViolation:
			return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
		case pgCodeSerializationFailure, pgCodeDeadlockDetected:
			return fmt.Errorf("%w: %s", ErrConcurrencyConflict, pgErr.Message)
		}
	}
	return err
}

type pgxTxState struct {
	tx         pgx.Tx
	rolledBack bool
}

func (s *pgxTxState) requestRollback()        { s.rolledBack = true }
func (s *pgxTxState) rollbackRequested() bool { return s.rolledBack }

// pgxTx extracts the pgx transaction carried by ctx. Store calls outside a
// transaction, or against a transaction from a different backend, are
// integrity faults.
func pgxTx(ctx context.Context) (pgx.Tx, error) {
	t := transactionFromContext(ctx)
	if t == nil {
		return nil, fmt.Errorf("%w: store call outside of a transaction", ErrIntegrity)
	}
	state, ok := t.(*pgxTxState)
	if !ok {
		return nil, fmt.Errorf("%w: transaction belongs to a different store", ErrIntegrity)
	}
	return state.tx, nil
}

// PostgresSession is the PostgreSQL-backed Session for one realm.
type PostgresSession struct {
	db     *database.PostgreSQL
	realm  string
	logger *logger.Logger
}

// NewPostgresSession creates a session against the realm's database.
func NewPostgresSession(db *database.PostgreSQL, realm string, logger *logger.Logger) *PostgresSession {
	return &PostgresSession{db: db, realm: realm, logger: logger}
}

// RunInTransaction implements Session.
func (s *PostgresSession) RunInTransaction(ctx context.Context, work func(ctx context.Context) error) error {
	return s.run(ctx, pgx.TxOptions{}, work)
}

// RunInReadTransaction implements Session.
func (s *PostgresSession) RunInReadTransaction(ctx context.Context, work func(ctx context.Context) error) error {
	return s.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, work)
}

func (s *PostgresSession) run(ctx context.Context, opts pgx.TxOptions, work func(ctx context.Context) error) error {
	if InTransaction(ctx) {
		return fmt.Errorf("%w: cannot nest transaction", ErrIntegrity)
	}

	tx, err := s.db.Pool().BeginTx(ctx, opts)
	if err != nil {
		return mapPostgresError(err)
	}
	// Releases the connection on every exit path, panics included; a no-op
	// once the transaction committed
	defer func() { _ = tx.Rollback(ctx) }()

	state := &pgxTxState{tx: tx}
	if err := work(contextWithTx(ctx, state)); err != nil {
		s.logger.Debugf("transaction rolled back: %v", err)
		return mapPostgresError(err)
	}

	// Commit unless the work rolled back explicitly
	if state.rollbackRequested() {
		if err := tx.Rollback(ctx); err != nil {
			return mapPostgresError(err)
		}
		s.logger.Debug("transaction rolled back by caller")
		return nil
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPostgresError(err)
	}
	return nil
}

// GenerateNewID implements Session. Outside of a transaction the sequence is
// drawn with a single statement; sequence allocation is atomic at the store
// level either way.
func (s *PostgresSession) GenerateNewID(ctx context.Context) (int64, error) {
	const query = "SELECT nextval('catalog_id_seq')"

	var id int64
	if t := transactionFromContext(ctx); t != nil {
		state, ok := t.(*pgxTxState)
		if !ok {
			return 0, fmt.Errorf("%w: transaction belongs to a different store", ErrIntegrity)
		}
		if err := state.tx.QueryRow(ctx, query).Scan(&id); err != nil {
			return 0, mapPostgresError(err)
		}
		return id, nil
	}

	if err := s.db.Pool().QueryRow(ctx, query).Scan(&id); err != nil {
		return 0, mapPostgresError(err)
	}
	return id, nil
}
