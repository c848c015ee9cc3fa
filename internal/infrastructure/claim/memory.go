package claim

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"

	"ProposalWatcher/internal/ports"
)

// MemoryClaimer holds claims in process; used when no Redis is configured.
type MemoryClaimer struct {
	clock clock.Clock

	mu     sync.Mutex
	claims map[string]time.Time
}

var _ ports.Claimer = (*MemoryClaimer)(nil)

// NewMemoryClaimer builds an in-process claimer.
func NewMemoryClaimer(clk clock.Clock) *MemoryClaimer {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryClaimer{clock: clk, claims: make(map[string]time.Time)}
}

// Claim returns true when the key was free or its previous claim expired.
func (m *MemoryClaimer) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if until, ok := m.claims[key]; ok && now.Before(until) {
		return false, nil
	}
	m.claims[key] = now.Add(ttl)
	return true, nil
}

// Release drops the claim.
func (m *MemoryClaimer) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.claims, key)
	m.mu.Unlock()
	return nil
}
