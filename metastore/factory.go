package metastore

import (
	"context"
	"fmt"
	"sync"

	"github.com/tablecat/tablecat/metastore/storagecreds"
	"github.com/tablecat/tablecat/pkg/config"
	"github.com/tablecat/tablecat/pkg/database"
	"github.com/tablecat/tablecat/pkg/logger"
)

// Backend selects the persistence backend of a factory.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendMemory   Backend = "memory"
)

// FactoryConfig configures a Factory.
type FactoryConfig struct {
	Backend Backend

	// Database is the base connection config for the postgres backend; the
	// factory derives each realm's database from it.
	Database database.PostgreSQLConfig

	// Bootstrap applies the schema to a realm's database the first time the
	// realm is seen. Meant for dev and test setups; production realms are
	// provisioned out of band.
	Bootstrap bool

	Config       *config.Store
	Logger       *logger.Logger
	Integrations storagecreds.IntegrationProvider
	Secrets      SecretsGenerator
}

// Factory hands out one Manager per realm. Managers are built on first use
// and cached for the lifetime of the factory; realms are never evicted.
// Each postgres realm gets its own connection pool against its own
// database, which is what keeps realms isolated from each other.
type Factory struct {
	backend      Backend
	dbConfig     database.PostgreSQLConfig
	bootstrap    bool
	cfg          *config.Store
	logger       *logger.Logger
	integrations storagecreds.IntegrationProvider
	secrets      SecretsGenerator

	mu       sync.Mutex
	managers map[string]*Manager
	pools    map[string]*database.PostgreSQL
}

// NewFactory creates a manager factory.
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.Backend == "" {
		cfg.Backend = BackendPostgres
	}
	if cfg.Config == nil {
		cfg.Config = config.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("metastore", "")
	}
	if cfg.Integrations == nil {
		cfg.Integrations = &storagecreds.LocalProvider{}
	}
	if cfg.Secrets == nil {
		cfg.Secrets = RandomSecretsGenerator{}
	}
	return &Factory{
		backend:      cfg.Backend,
		dbConfig:     cfg.Database,
		bootstrap:    cfg.Bootstrap,
		cfg:          cfg.Config,
		logger:       cfg.Logger,
		integrations: cfg.Integrations,
		secrets:      cfg.Secrets,
		managers:     make(map[string]*Manager),
		pools:        make(map[string]*database.PostgreSQL),
	}
}

// GetOrCreateManager returns the realm's manager, building it on first use.
// Concurrent calls for the same realm return the same manager.
func (f *Factory) GetOrCreateManager(ctx context.Context, realm string) (*Manager, error) {
	if realm == "" {
		return nil, fmt.Errorf("realm is required")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if mgr, ok := f.managers[realm]; ok {
		return mgr, nil
	}

	mgr, err := f.buildManager(ctx, realm)
	if err != nil {
		return nil, err
	}
	f.managers[realm] = mgr
	f.logger.Infof("initialized realm %q (%s backend)", realm, f.backend)
	return mgr, nil
}

func (f *Factory) buildManager(ctx context.Context, realm string) (*Manager, error) {
	var session Session
	var store Store

	switch f.backend {
	case BackendMemory:
		mem := NewMemoryStore()
		session = NewMemorySession(mem, f.logger)
		store = mem

	case BackendPostgres:
		db, err := database.New(ctx, f.dbConfig.ForRealm(realm))
		if err != nil {
			return nil, fmt.Errorf("failed to connect realm %q: %w", realm, err)
		}
		if f.bootstrap {
			if err := Bootstrap(ctx, db); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to bootstrap realm %q: %w", realm, err)
			}
		}
		f.pools[realm] = db
		session = NewPostgresSession(db, realm, f.logger)
		store = NewPostgresStore()

	default:
		return nil, fmt.Errorf("unknown metastore backend %q", f.backend)
	}

	retryer := NewRetryer(RetryerConfig{
		MaxAttempts: f.cfg.GetInt(realm, config.KeyMaxRetries, DefaultMaxAttempts),
		Logger:      f.logger,
	})

	return NewManager(ManagerConfig{
		Realm:        realm,
		Session:      session,
		Store:        store,
		Retryer:      retryer,
		Secrets:      f.secrets,
		Integrations: f.integrations,
		Config:       f.cfg,
		Logger:       f.logger,
	}), nil
}

// Close releases every realm's connection pool. The factory must not be
// used afterwards.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for realm, db := range f.pools {
		db.Close()
		delete(f.pools, realm)
	}
	f.managers = make(map[string]*Manager)
}
