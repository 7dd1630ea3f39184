package store

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/notifyx/platform/internal/workflow"
)

// EncryptedCredentialStore keeps credentials encrypted with an AEAD; only
// Get decrypts, and only for the duration of the call.
type EncryptedCredentialStore struct {
	mu    sync.RWMutex
	aead  cipher.AEAD
	creds map[string]workflow.Credential
}

// NewEncryptedCredentialStore creates the store. key must be 32 bytes.
func NewEncryptedCredentialStore(key []byte) (*EncryptedCredentialStore, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("credential cipher: %w", err)
	}
	return &EncryptedCredentialStore{
		aead:  aead,
		creds: make(map[string]workflow.Credential),
	}, nil
}

func (s *EncryptedCredentialStore) Put(_ context.Context, cred workflow.Credential) error {
	if cred.TenantID == "" || cred.ID == "" {
		return fmt.Errorf("credential needs tenant and id: %w", ErrConflict)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("credential nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, cred.Secret, []byte(cred.TenantID))

	stored := cred
	stored.Secret = sealed
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[notifKey(cred.TenantID, cred.ID)] = stored
	return nil
}

func (s *EncryptedCredentialStore) Get(_ context.Context, tenantID, id string) (*workflow.Credential, error) {
	s.mu.RLock()
	stored, ok := s.creds[notifKey(tenantID, id)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	nonceSize := chacha20poly1305.NonceSizeX
	if len(stored.Secret) < nonceSize {
		return nil, fmt.Errorf("credential %s corrupt", id)
	}
	plain, err := s.aead.Open(nil, stored.Secret[:nonceSize], stored.Secret[nonceSize:], []byte(tenantID))
	if err != nil {
		return nil, fmt.Errorf("credential %s: %w", id, err)
	}
	out := stored
	out.Secret = plain
	return &out, nil
}

func (s *EncryptedCredentialStore) Delete(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := notifKey(tenantID, id)
	if _, ok := s.creds[key]; !ok {
		return ErrNotFound
	}
	delete(s.creds, key)
	return nil
}
