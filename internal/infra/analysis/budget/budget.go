// Package budget tracks analysis spend per provider against a daily limit.
package budget

import (
	"sync"
	"time"
)

// UsageStats holds spend statistics for one provider.
type UsageStats struct {
	Calls           int       `json:"calls"`
	Spent           float64   `json:"spent"`
	DailyLimit      float64   `json:"daily_limit"`
	Remaining       float64   `json:"remaining"`
	UsagePercentage float64   `json:"usage_percentage"`
	NextResetAt     time.Time `json:"next_reset_at"`
}

type providerBudget struct {
	calls      int
	spent      float64
	dailyLimit float64
}

// CostBudget tracks spend per provider. A limit of zero means unlimited.
// Counters reset at local midnight.
type CostBudget struct {
	mu        sync.RWMutex
	providers map[string]*providerBudget
	resetTime time.Time
	now       func() time.Time
}

// NewCostBudget creates a tracker with the given per-provider daily limits.
func NewCostBudget(limits map[string]float64) *CostBudget {
	b := &CostBudget{
		providers: make(map[string]*providerBudget),
		now:       time.Now,
	}
	b.resetTime = nextMidnight(b.now())
	for id, limit := range limits {
		b.providers[id] = &providerBudget{dailyLimit: limit}
	}
	return b
}

// SetLimit replaces the daily limit of a provider without clearing its spend.
func (b *CostBudget) SetLimit(providerID string, limit float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entry(providerID).dailyLimit = limit
}

// RecordSpend records a call and its cost.
func (b *CostBudget) RecordSpend(providerID string, cost float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeResetUnsafe()
	p := b.entry(providerID)
	p.calls++
	p.spent += cost
}

// CanUse reports whether the provider still has budget left today.
func (b *CostBudget) CanUse(providerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeResetUnsafe()
	p, ok := b.providers[providerID]
	if !ok || p.dailyLimit <= 0 {
		return true
	}
	return p.spent < p.dailyLimit
}

// GetUsage returns spend statistics for a provider.
func (b *CostBudget) GetUsage(providerID string) UsageStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := UsageStats{NextResetAt: b.resetTime}
	p, ok := b.providers[providerID]
	if !ok {
		return stats
	}

	stats.Calls = p.calls
	stats.Spent = p.spent
	stats.DailyLimit = p.dailyLimit
	if p.dailyLimit > 0 {
		stats.Remaining = p.dailyLimit - p.spent
		if stats.Remaining < 0 {
			stats.Remaining = 0
		}
		stats.UsagePercentage = p.spent / p.dailyLimit * 100
	}
	return stats
}

// Reset clears all spend counters.
func (b *CostBudget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetUnsafe()
}

func (b *CostBudget) entry(providerID string) *providerBudget {
	p, ok := b.providers[providerID]
	if !ok {
		p = &providerBudget{}
		b.providers[providerID] = p
	}
	return p
}

func (b *CostBudget) maybeResetUnsafe() {
	if !b.now().Before(b.resetTime) {
		b.resetUnsafe()
	}
}

func (b *CostBudget) resetUnsafe() {
	for _, p := range b.providers {
		p.calls = 0
		p.spent = 0
	}
	b.resetTime = nextMidnight(b.now())
}

func nextMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
}
