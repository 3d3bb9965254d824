package config

import (
	"strconv"
	"sync"
)

// Well-known configuration keys.
const (
	// KeySkipCredentialSubscoping bypasses the storage-credential cache and
	// hands callers the raw integration credentials. Only meant for realms
	// whose callers are trusted with the full underlying credential, such as
	// local or dev storage backends.
	KeySkipCredentialSubscoping = "skip_credential_subscoping_indirection"

	// KeyMaxRetries bounds how often a conflicted metastore transaction is
	// re-attempted before the conflict is surfaced to the caller.
	KeyMaxRetries = "metastore.max_retries"
)

// Store manages per-realm configuration values with global defaults. Realm
// overrides win over defaults; missing keys fall back to the caller-supplied
// default value.
type Store struct {
	mu       sync.RWMutex
	defaults map[string]string
	realms   map[string]map[string]string
}

// New creates a new configuration store
func New() *Store {
	return &Store{
		defaults: make(map[string]string),
		realms:   make(map[string]map[string]string),
	}
}

// SetDefault sets a global default for a configuration key
func (s *Store) SetDefault(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults[key] = value
}

// Set sets a configuration value for one realm
func (s *Store) Set(realm, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, ok := s.realms[realm]
	if !ok {
		values = make(map[string]string)
		s.realms[realm] = values
	}
	values[key] = value
}

// Update applies a batch of configuration values for one realm
func (s *Store) Update(realm string, values map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.realms[realm]
	if !ok {
		existing = make(map[string]string)
		s.realms[realm] = existing
	}
	for k, v := range values {
		existing[k] = v
	}
}

// Get retrieves a configuration value for a realm, falling back to the
// global default and then to fallback.
func (s *Store) Get(realm, key, fallback string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if values, ok := s.realms[realm]; ok {
		if v, ok := values[key]; ok {
			return v
		}
	}
	if v, ok := s.defaults[key]; ok {
		return v
	}
	return fallback
}

// GetBool retrieves a boolean configuration value for a realm
func (s *Store) GetBool(realm, key string, fallback bool) bool {
	v := s.Get(realm, key, "")
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

// GetInt retrieves an integer configuration value for a realm
func (s *Store) GetInt(realm, key string, fallback int) int {
	v := s.Get(realm, key, "")
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}
