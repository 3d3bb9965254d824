package metastore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// PrincipalSecrets holds the API credentials of one principal. At most two
// hashes are valid at a time: the main one and, during a rotation grace
// window, the previous one. MainSecret carries the plaintext only on the
// call that generated or rotated it and is never persisted.
type PrincipalSecrets struct {
	PrincipalID        int64
	ClientID           string
	MainSecret         string
	SecretSalt         string
	MainSecretHash     string
	PreviousSecretHash string
}

// MatchesSecret reports whether the plaintext secret matches the main or the
// previous hash.
func (s *PrincipalSecrets) MatchesSecret(secret string) bool {
	hash := HashSecret(s.SecretSalt, secret)
	return hash == s.MainSecretHash || (s.PreviousSecretHash != "" && hash == s.PreviousSecretHash)
}

// Rotate installs a new main secret, keeping the old main hash valid in the
// previous slot for the rotation grace window.
func (s *PrincipalSecrets) Rotate(newSecret string) {
	s.PreviousSecretHash = s.MainSecretHash
	s.MainSecretHash = HashSecret(s.SecretSalt, newSecret)
	s.MainSecret = newSecret
}

// HashSecret produces the stored hash for a plaintext secret. Secrets are
// high-entropy random strings, so a salted SHA-256 digest is sufficient.
func HashSecret(salt, secret string) string {
	digest := sha256.Sum256([]byte(salt + ":" + secret))
	return hex.EncodeToString(digest[:])
}

// SecretsGenerator produces fresh credentials for a principal. Pluggable so
// tests can force client-id collisions.
type SecretsGenerator interface {
	ProduceSecrets(principalName string, principalID int64) (*PrincipalSecrets, error)
}

// RandomSecretsGenerator generates uuid-derived client ids and random
// secrets.
type RandomSecretsGenerator struct{}

// ProduceSecrets implements SecretsGenerator.
func (RandomSecretsGenerator) ProduceSecrets(principalName string, principalID int64) (*PrincipalSecrets, error) {
	id := uuid.New()
	clientID := hex.EncodeToString(id[:8])

	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate secret salt: %w", err)
	}

	secrets := &PrincipalSecrets{
		PrincipalID: principalID,
		ClientID:    clientID,
		MainSecret:  secret,
		SecretSalt:  hex.EncodeToString(salt),
	}
	secrets.MainSecretHash = HashSecret(secrets.SecretSalt, secret)
	return secrets, nil
}

// NewSecret returns a fresh high-entropy client secret.
func NewSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
