package storagecreds

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tablecat/tablecat/pkg/config"
	"github.com/tablecat/tablecat/pkg/logger"
)

// DefaultExpiryMargin is how long before upstream expiry a cached credential
// stops being served. The margin keeps callers from receiving a credential
// that dies mid-use.
const DefaultExpiryMargin = 30 * time.Second

// CacheConfig configures a credential cache.
type CacheConfig struct {
	ExpiryMargin time.Duration
	Config       *config.Store
	Logger       *logger.Logger
}

// Cache holds subscoped credentials per (realm, subject, location set,
// access mode). Generation is single-flight per key: concurrent requests for
// the same key share one upstream call. Entries are regenerated lazily on
// access, never refreshed in the background, and failures are never cached.
type Cache struct {
	realm  string
	margin time.Duration
	cfg    *config.Store
	logger *logger.Logger

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]*Credentials
}

// NewCache creates a credential cache for one realm.
func NewCache(realm string, cfg CacheConfig) *Cache {
	if cfg.ExpiryMargin <= 0 {
		cfg.ExpiryMargin = DefaultExpiryMargin
	}
	if cfg.Config == nil {
		cfg.Config = config.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("storagecreds", "")
	}
	return &Cache{
		realm:   realm,
		margin:  cfg.ExpiryMargin,
		cfg:     cfg.Config,
		logger:  cfg.Logger,
		entries: make(map[string]*Credentials),
	}
}

// GetOrGenerateCredentials returns a credential scoped to the locations and
// access mode, minting one through the integration if the cache has no fresh
// entry. When subscoping indirection is disabled for the realm, the raw
// integration credential is returned and the cache is bypassed entirely.
func (c *Cache) GetOrGenerateCredentials(ctx context.Context, integration StorageIntegration, subject string, locations []string, mode AccessMode) (*Credentials, error) {
	if c.cfg.GetBool(c.realm, config.KeySkipCredentialSubscoping, false) {
		return integration.RawCredentials(ctx)
	}

	key := c.cacheKey(subject, locations, mode)
	if creds := c.lookupFresh(key); creds != nil {
		return creds, nil
	}

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another waiter may have repopulated the entry already
		if creds := c.lookupFresh(key); creds != nil {
			return creds, nil
		}

		readLocations := locations
		var writeLocations []string
		if mode == AccessModeWrite {
			writeLocations = locations
		}

		creds, err := integration.SubscopeCredentials(ctx, readLocations, writeLocations)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = creds.clone()
		c.mu.Unlock()

		c.logger.Debugf("minted subscoped credentials for %s (%d locations, %s), valid until %s",
			subject, len(locations), mode, creds.ExpiresAt.Format(time.RFC3339))
		return creds, nil
	})
	if err != nil {
		return nil, err
	}
	// The flight result is shared by every coalesced waiter; each caller
	// gets its own copy
	return result.(*Credentials).clone(), nil
}

// lookupFresh returns a copy of the cached entry if it is still comfortably
// inside its validity window.
func (c *Cache) lookupFresh(key string) *Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()

	creds, ok := c.entries[key]
	if !ok {
		return nil
	}
	if !time.Now().Before(creds.ExpiresAt.Add(-c.margin)) {
		return nil
	}
	return creds.clone()
}

func (c *Cache) cacheKey(subject string, locations []string, mode AccessMode) string {
	sorted := make([]string, len(locations))
	copy(sorted, locations)
	sort.Strings(sorted)

	var b strings.Builder
	b.WriteString(c.realm)
	b.WriteByte('\x00')
	b.WriteString(subject)
	b.WriteByte('\x00')
	b.WriteString(string(mode))
	for _, loc := range sorted {
		b.WriteByte('\x00')
		b.WriteString(loc)
	}
	return b.String()
}
