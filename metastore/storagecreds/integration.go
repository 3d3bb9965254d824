// Package storagecreds derives short-lived, narrowly-scoped storage
// credentials from a realm's storage integrations and caches them until
// near expiry. Object-storage I/O itself happens elsewhere; this package
// only mints the credentials others use.
package storagecreds

import (
	"context"
	"time"
)

// AccessMode selects the scope of a subscoped credential.
type AccessMode string

const (
	AccessModeRead  AccessMode = "read"
	AccessModeWrite AccessMode = "write"
)

// Credentials is a time-bounded credential bundle. Properties carry the
// backend-specific key material (session tokens, signed headers, etc.).
type Credentials struct {
	Properties map[string]string
	ExpiresAt  time.Time
}

func (c *Credentials) clone() *Credentials {
	props := make(map[string]string, len(c.Properties))
	for k, v := range c.Properties {
		props[k] = v
	}
	return &Credentials{Properties: props, ExpiresAt: c.ExpiresAt}
}

// StorageConfig describes one storage integration: the backend type and the
// locations it may touch. It round-trips as JSON inside the owning entity's
// internal properties.
type StorageConfig struct {
	StorageType      string            `json:"storageType"`
	AllowedLocations []string          `json:"allowedLocations"`
	Properties       map[string]string `json:"properties,omitempty"`
}

// StorageIntegration mints credentials against one storage backend.
type StorageIntegration interface {
	// SubscopeCredentials derives a short-lived credential limited to the
	// given read and write locations.
	SubscopeCredentials(ctx context.Context, allowedReadLocations, allowedWriteLocations []string) (*Credentials, error)

	// RawCredentials returns the unscoped underlying credential. Only handed
	// out when subscoping indirection is disabled for the realm.
	RawCredentials(ctx context.Context) (*Credentials, error)
}

// IntegrationProvider resolves a storage configuration to a live
// integration.
type IntegrationProvider interface {
	GetStorageIntegrationForConfig(config *StorageConfig) (StorageIntegration, error)
}
