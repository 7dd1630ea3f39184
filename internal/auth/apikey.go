package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// keyPrefixLen is the number of key characters stored in clear for lookup;
// the rest is only kept as a bcrypt hash.
const keyPrefixLen = 11 // "nx_" + 8 hex chars

// APIKey is the stored form of one issued key.
type APIKey struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name"`
	Prefix    string    `json:"prefix"`
	Hash      []byte    `json:"-"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

func (k *APIKey) expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}

// APIKeyStore issues and validates API keys. The raw key is returned once at
// creation and never stored.
type APIKeyStore struct {
	mu   sync.RWMutex
	keys map[string][]*APIKey // prefix -> candidates
}

// NewAPIKeyStore creates an empty store.
func NewAPIKeyStore() *APIKeyStore {
	return &APIKeyStore{keys: make(map[string][]*APIKey)}
}

// Create issues a new key for the tenant. The returned string is the only
// copy of the raw key.
func (s *APIKeyStore) Create(_ context.Context, tenantID, name string, roles []string, ttl time.Duration) (string, *APIKey, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", nil, fmt.Errorf("api key entropy: %w", err)
	}
	raw := "nx_" + hex.EncodeToString(b)
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("api key hash: %w", err)
	}
	key := &APIKey{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Name:      name,
		Prefix:    raw[:keyPrefixLen],
		Hash:      hash,
		Roles:     roles,
		CreatedAt: time.Now().UTC(),
	}
	if ttl > 0 {
		key.ExpiresAt = key.CreatedAt.Add(ttl)
	}
	s.mu.Lock()
	s.keys[key.Prefix] = append(s.keys[key.Prefix], key)
	s.mu.Unlock()
	return raw, key, nil
}

// Validate resolves a presented key to its principal.
func (s *APIKeyStore) Validate(_ context.Context, raw string) (*Principal, error) {
	if len(raw) < keyPrefixLen {
		return nil, fmt.Errorf("invalid api key")
	}
	s.mu.RLock()
	candidates := s.keys[raw[:keyPrefixLen]]
	s.mu.RUnlock()
	now := time.Now()
	for _, key := range candidates {
		if key.expired(now) {
			continue
		}
		if bcrypt.CompareHashAndPassword(key.Hash, []byte(raw)) == nil {
			return &Principal{
				TenantID:    key.TenantID,
				UserID:      "apikey:" + key.ID,
				Roles:       key.Roles,
				Permissions: PermissionsForRoles(key.Roles),
				APIKey:      true,
			}, nil
		}
	}
	return nil, fmt.Errorf("invalid api key")
}

// Revoke removes a key by id.
func (s *APIKeyStore) Revoke(_ context.Context, tenantID, keyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for prefix, candidates := range s.keys {
		for i, key := range candidates {
			if key.ID == keyID && key.TenantID == tenantID {
				s.keys[prefix] = append(candidates[:i], candidates[i+1:]...)
				if len(s.keys[prefix]) == 0 {
					delete(s.keys, prefix)
				}
				return true
			}
		}
	}
	return false
}

// List returns the tenant's keys without hashes exposed beyond the struct.
func (s *APIKeyStore) List(_ context.Context, tenantID string) []*APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*APIKey
	for _, candidates := range s.keys {
		for _, key := range candidates {
			if key.TenantID == tenantID {
				copy := *key
				copy.Hash = nil
				out = append(out, &copy)
			}
		}
	}
	return out
}
