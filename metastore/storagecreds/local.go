package storagecreds

import (
	"context"
	"fmt"
	"time"
)

// LocalIntegration serves file/dev storage backends that have no real
// credential service. Subscoped credentials simply restate the granted
// locations with a short validity window.
type LocalIntegration struct {
	config   *StorageConfig
	validity time.Duration
}

// NewLocalIntegration creates an integration for a local storage config.
func NewLocalIntegration(config *StorageConfig, validity time.Duration) *LocalIntegration {
	if validity <= 0 {
		validity = 15 * time.Minute
	}
	return &LocalIntegration{config: config, validity: validity}
}

// SubscopeCredentials implements StorageIntegration.
func (i *LocalIntegration) SubscopeCredentials(ctx context.Context, allowedReadLocations, allowedWriteLocations []string) (*Credentials, error) {
	props := map[string]string{
		"storage.type": i.config.StorageType,
	}
	for idx, loc := range allowedReadLocations {
		props[fmt.Sprintf("storage.read.%d", idx)] = loc
	}
	for idx, loc := range allowedWriteLocations {
		props[fmt.Sprintf("storage.write.%d", idx)] = loc
	}
	return &Credentials{Properties: props, ExpiresAt: time.Now().Add(i.validity)}, nil
}

// RawCredentials implements StorageIntegration.
func (i *LocalIntegration) RawCredentials(ctx context.Context) (*Credentials, error) {
	props := map[string]string{
		"storage.type": i.config.StorageType,
	}
	for k, v := range i.config.Properties {
		props[k] = v
	}
	return &Credentials{Properties: props, ExpiresAt: time.Now().Add(i.validity)}, nil
}

// LocalProvider resolves every storage config to a LocalIntegration. Meant
// for dev realms and tests; production realms plug in a provider backed by
// their object store's token service.
type LocalProvider struct {
	Validity time.Duration
}

// GetStorageIntegrationForConfig implements IntegrationProvider.
func (p *LocalProvider) GetStorageIntegrationForConfig(config *StorageConfig) (StorageIntegration, error) {
	if config == nil {
		return nil, fmt.Errorf("storage config is required")
	}
	return NewLocalIntegration(config, p.Validity), nil
}
