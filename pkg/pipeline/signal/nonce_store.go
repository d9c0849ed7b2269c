package signal

import (
	"context"
	"sync"
	"time"
)

// NonceStore deduplicates nonces per account over the replay window.
// Register is atomic: exactly one caller wins for a given (account, nonce)
// within the window; losers get the winner's signal ID back. Seen is the
// read path: it reports a registered nonce without consuming it, so checks
// that run before registration cannot burn the nonce on a rejection.
type NonceStore interface {
	Register(ctx context.Context, accountID, nonce, signalID string, window time.Duration) (existingSignalID string, created bool, err error)
	Seen(ctx context.Context, accountID, nonce string) (signalID string, seen bool, err error)
}

type nonceEntry struct {
	signalID  string
	expiresAt time.Time
}

type InMemoryNonceStore struct {
	mu      sync.Mutex
	entries map[string]nonceEntry
}

func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{entries: make(map[string]nonceEntry)}
}

func (s *InMemoryNonceStore) Register(ctx context.Context, accountID, nonce, signalID string, window time.Duration) (string, bool, error) {
	key := accountID + ":" + nonce
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok && entry.expiresAt.After(now) {
		return entry.signalID, false, nil
	}
	s.entries[key] = nonceEntry{signalID: signalID, expiresAt: now.Add(window)}
	return signalID, true, nil
}

func (s *InMemoryNonceStore) Seen(ctx context.Context, accountID, nonce string) (string, bool, error) {
	key := accountID + ":" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok && entry.expiresAt.After(time.Now()) {
		return entry.signalID, true, nil
	}
	return "", false, nil
}
