// Package apikey issues and validates tenant-scoped API keys. A key carries
// a tenant tag (the only isolation boundary routecore provides) plus an
// optional monthly budget ceiling enforced at submission time.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/routecore/routecore/internal/store"
)

const (
	keyPrefix    = "routecore_"
	keyRandBytes = 32
	bcryptCost   = 10
	cacheTTL     = 5 * time.Minute
)

// hashForBcrypt pre-hashes a key with SHA-256 to stay within bcrypt's
// 72-byte limit.
func hashForBcrypt(key string) []byte {
	h := sha256.Sum256([]byte(key))
	return []byte(hex.EncodeToString(h[:]))
}

type cachedKey struct {
	record    *store.TenantKeyRecord
	expiresAt time.Time
}

// Manager handles tenant key generation, validation, and revocation.
type Manager struct {
	store store.Store

	mu    sync.RWMutex
	cache map[string]cachedKey // SHA-256 of key -> cached record
}

func NewManager(s store.Store) *Manager {
	return &Manager{store: s, cache: make(map[string]cachedKey)}
}

// Generate creates a new key for tenant, stores its bcrypt hash, and returns
// the plaintext key exactly once.
func (m *Manager) Generate(ctx context.Context, tenant, scopes string, monthlyBudgetUSD float64, expiresAt *time.Time) (string, *store.TenantKeyRecord, error) {
	raw := make([]byte, keyRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate random: %w", err)
	}
	plaintext := keyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword(hashForBcrypt(plaintext), bcryptCost)
	if err != nil {
		return "", nil, fmt.Errorf("bcrypt hash: %w", err)
	}

	rec := store.TenantKeyRecord{
		ID:               hex.EncodeToString(raw[:8]),
		KeyHash:          string(hash),
		KeyPrefix:        plaintext[:len(keyPrefix)+8],
		Tenant:           tenant,
		Scopes:           scopes,
		CreatedAt:        time.Now().UTC(),
		ExpiresAt:        expiresAt,
		MonthlyBudgetUSD: monthlyBudgetUSD,
		Enabled:          true,
	}

	if err := m.store.CreateTenantKey(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("store tenant key: %w", err)
	}
	return plaintext, &rec, nil
}

// Validate checks a plaintext key and returns its record. A short TTL cache
// avoids bcrypt on every request; the cache is keyed by SHA-256, never by
// plaintext.
func (m *Manager) Validate(ctx context.Context, keyString string) (*store.TenantKeyRecord, error) {
	cacheKey := string(hashForBcrypt(keyString))
	m.mu.RLock()
	if cached, ok := m.cache[cacheKey]; ok && time.Now().Before(cached.expiresAt) {
		m.mu.RUnlock()
		return cached.record, nil
	}
	m.mu.RUnlock()

	if len(keyString) < len(keyPrefix)+8 {
		return nil, errors.New("invalid api key")
	}
	prefix := keyString[:len(keyPrefix)+8]

	keys, err := m.store.GetTenantKeysByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("lookup keys: %w", err)
	}

	for i := range keys {
		k := &keys[i]
		if !k.Enabled {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(k.KeyHash), hashForBcrypt(keyString)); err != nil {
			continue
		}
		if k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt) {
			return nil, errors.New("api key expired")
		}
		now := time.Now().UTC()
		k.LastUsedAt = &now
		_ = m.store.UpdateTenantKey(ctx, *k)

		rec := *k
		m.mu.Lock()
		m.cache[cacheKey] = cachedKey{record: &rec, expiresAt: time.Now().Add(cacheTTL)}
		m.mu.Unlock()
		return &rec, nil
	}
	return nil, errors.New("invalid api key")
}

// Revoke disables a key by id and drops any cached validation for it.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	keys, err := m.store.ListTenantKeys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == id {
			k.Enabled = false
			if err := m.store.UpdateTenantKey(ctx, k); err != nil {
				return err
			}
			m.mu.Lock()
			for ck, cv := range m.cache {
				if cv.record.ID == id {
					delete(m.cache, ck)
				}
			}
			m.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("tenant key %q not found", id)
}
