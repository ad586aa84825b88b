// Package tier moves memories between the hot, warm and cold strata.
// Promotion is access-frequency driven and happens inline on the read path;
// demotion is idle-driven and happens in background sweeps. Tier moves are
// compare-and-swap on the document store, so two movers racing on the same
// memory resolve to one winner and the loser treats the outcome as already
// done.
package tier

import (
	"sync"
	"time"

	"mnemo/internal/config"
	"mnemo/internal/hotcache"
	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Manager owns tier transitions.
type Manager struct {
	store *store.Store
	hot   *hotcache.Cache
	opts  config.Options
	freq  *freqTracker

	now func() time.Time
}

// New creates a tier manager.
func New(st *store.Store, hot *hotcache.Cache, opts config.Options) *Manager {
	return &Manager{
		store: st,
		hot:   hot,
		opts:  opts,
		freq:  newFreqTracker(time.Hour),
		now:   time.Now,
	}
}

// OnAccess records a read of a memory and promotes it to hot when its
// access rate crosses the configured threshold. Safe to call concurrently.
func (m *Manager) OnAccess(mem *types.Memory) {
	now := m.now()
	count := m.freq.record(mem.ID, now)
	if mem.Tier == types.TierHot || count < m.opts.HotThresholdPerHour {
		return
	}
	m.promote(mem, now)
}

func (m *Manager) promote(mem *types.Memory, now time.Time) {
	moved, err := m.store.CASMemoryTier(mem.ID, mem.Tier, types.TierHot)
	if err != nil {
		logging.Get(logging.CategoryTier).Error("promote %s: %v", mem.ID, err)
		return
	}
	if !moved {
		// Another mover won; promotion is idempotent.
		return
	}
	mem.Tier = types.TierHot
	evicted, err := m.hot.Put(mem)
	if err != nil {
		logging.Get(logging.CategoryTier).Error("cache %s: %v", mem.ID, err)
		return
	}
	// Capacity evictions demote straight back to warm.
	for _, id := range evicted {
		if _, err := m.store.CASMemoryTier(id, types.TierHot, types.TierWarm); err != nil {
			logging.Get(logging.CategoryTier).Error("demote evicted %s: %v", id, err)
		}
	}
	logging.Get(logging.CategoryTier).Info("promoted %s to hot (evicted %d)", mem.ID, len(evicted))
}

// DemoteIdleHot moves hot memories idle past the hot TTL back to warm.
// Returns the number demoted.
func (m *Manager) DemoteIdleHot(limit int) (int, error) {
	now := m.now()
	cutoff := now.Add(-m.opts.HotTTL())
	ids, err := m.store.TierCandidates(types.TierHot, cutoff, limit)
	if err != nil {
		return 0, err
	}

	demoted := 0
	for _, id := range ids {
		moved, err := m.store.CASMemoryTier(id, types.TierHot, types.TierWarm)
		if err != nil {
			return demoted, err
		}
		if !moved {
			continue
		}
		mem, err := m.store.GetMemory(id)
		if err == nil {
			if rerr := m.hot.Remove(mem.UserID, id); rerr != nil {
				logging.Get(logging.CategoryTier).Warn("remove %s from hot cache: %v", id, rerr)
			}
		}
		demoted++
	}
	if demoted > 0 {
		logging.Get(logging.CategoryTier).Info("demoted %d hot memories to warm", demoted)
	}
	return demoted, nil
}

// DemoteIdleWarm moves warm memories idle past the warm TTL to cold.
func (m *Manager) DemoteIdleWarm(limit int) (int, error) {
	cutoff := m.now().Add(-m.opts.WarmTTL())
	ids, err := m.store.TierCandidates(types.TierWarm, cutoff, limit)
	if err != nil {
		return 0, err
	}

	demoted := 0
	for _, id := range ids {
		moved, err := m.store.CASMemoryTier(id, types.TierWarm, types.TierCold)
		if err != nil {
			return demoted, err
		}
		if moved {
			demoted++
		}
	}
	if demoted > 0 {
		logging.Get(logging.CategoryTier).Info("demoted %d warm memories to cold", demoted)
	}
	return demoted, nil
}

// Revive is called when a cold memory is read: it moves back to warm and
// the frequency tracker starts counting toward a possible hot promotion.
func (m *Manager) Revive(mem *types.Memory) {
	moved, err := m.store.CASMemoryTier(mem.ID, types.TierCold, types.TierWarm)
	if err != nil {
		logging.Get(logging.CategoryTier).Error("revive %s: %v", mem.ID, err)
		return
	}
	if moved {
		mem.Tier = types.TierWarm
	}
	m.OnAccess(mem)
}

// freqTracker counts per-memory accesses over a sliding window, sharded to
// keep lock contention off the read path.
type freqTracker struct {
	window time.Duration
	shards [16]freqShard
}

type freqShard struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

func newFreqTracker(window time.Duration) *freqTracker {
	t := &freqTracker{window: window}
	for i := range t.shards {
		t.shards[i].entries = make(map[string][]time.Time)
	}
	return t
}

func (t *freqTracker) record(id string, now time.Time) int {
	sh := &t.shards[fnv32(id)%uint32(len(t.shards))]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cutoff := now.Add(-t.window)
	kept := sh.entries[id][:0]
	for _, at := range sh.entries[id] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	sh.entries[id] = kept
	return len(kept)
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
