package risk

import (
	"sync"
	"sync/atomic"
)

// GlobalScope engages the kill switch for every account at once.
const GlobalScope = "global"

// KillSwitchRegistry holds the halt flags on their own synchronization,
// independent of the per-account work queues. A risk evaluation reads the
// flag on a fast path that can never be blocked by pipeline backlog.
type KillSwitchRegistry struct {
	global atomic.Bool

	mu       sync.RWMutex
	accounts map[string]*atomic.Bool
}

func NewKillSwitchRegistry() *KillSwitchRegistry {
	return &KillSwitchRegistry{accounts: make(map[string]*atomic.Bool)}
}

func (r *KillSwitchRegistry) flag(accountID string) *atomic.Bool {
	r.mu.RLock()
	f, ok := r.accounts[accountID]
	r.mu.RUnlock()
	if ok {
		return f
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok = r.accounts[accountID]; !ok {
		f = &atomic.Bool{}
		r.accounts[accountID] = f
	}
	return f
}

// Engaged reports whether the account or the whole system is halted.
func (r *KillSwitchRegistry) Engaged(accountID string) bool {
	if r.global.Load() {
		return true
	}
	return r.flag(accountID).Load()
}

func (r *KillSwitchRegistry) Engage(accountID string) {
	if accountID == GlobalScope {
		r.global.Store(true)
		return
	}
	r.flag(accountID).Store(true)
}

func (r *KillSwitchRegistry) Rearm(accountID string) {
	if accountID == GlobalScope {
		r.global.Store(false)
		return
	}
	r.flag(accountID).Store(false)
}
