// Package apikeys provides the short-TTL bearer token store for the
// first-party API. Keys are server-generated random tokens mapped to
// account-provider account ids; they are held in memory and expire within
// the configured TTL, so a restart simply forces clients back through the
// SSO exchange.
package apikeys

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"billingsync/internal/dedup"
	"billingsync/internal/types"
)

// keyNumBytes is the entropy of a generated API key (56 hex characters).
const keyNumBytes = 28

// Store issues and validates bearer API keys. Safe for concurrent use.
type Store struct {
	keys *dedup.ExpireMap[string, string]
}

// NewStore creates a Store whose keys live for at least ttlSeconds.
// A nil clock defaults to real time.
func NewStore(ttlSeconds int64, clock types.Clock) *Store {
	return &Store{keys: dedup.NewExpireMap[string, string](ttlSeconds, clock)}
}

// Generate creates a fresh API key bound to the given account id.
func (s *Store) Generate(accountID string) (string, error) {
	buf := make([]byte, keyNumBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	key := hex.EncodeToString(buf)

	s.keys.Insert(key, accountID)
	return key, nil
}

// AccountID resolves an API key to its account id. Expired, revoked, and
// never-issued keys are indistinguishable: all return ("", false).
func (s *Store) AccountID(apiKey string) (string, bool) {
	return s.keys.Get(apiKey)
}

// Invalidate revokes an API key before its TTL elapses.
func (s *Store) Invalidate(apiKey string) {
	s.keys.Remove(apiKey)
}
