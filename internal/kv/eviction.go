package kv

import (
	arc "github.com/hashicorp/golang-lru/arc/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/tuannm99/novastore/internal/config"
)

// arcTrackerSize bounds the ARC working-set tracker. Keys the tracker
// has adapted away from (neither recent nor frequent) are the preferred
// victims.
const arcTrackerSize = 4096

// evictor picks victims for the memory ceiling. The LRU variants keep
// an exact recency list; ARC keeps an adaptive recency/frequency set;
// the LFU and random variants work straight off the per-entry access
// stats the store already tracks.
//
// Eviction is cache shedding, not a CRDT delete: victims leave no
// tombstone.
type evictor struct {
	policy config.EvictionPolicy
	lru    *simplelru.LRU[string, struct{}]
	arc    *arc.ARCCache[string, struct{}]
}

func newEvictor(policy config.EvictionPolicy) (*evictor, error) {
	e := &evictor{policy: policy}
	switch policy {
	case config.EvictLRU, config.EvictVolatileLRU:
		l, err := simplelru.NewLRU[string, struct{}](1<<30, nil)
		if err != nil {
			return nil, err
		}
		e.lru = l
	case config.EvictARC:
		a, err := arc.NewARC[string, struct{}](arcTrackerSize)
		if err != nil {
			return nil, err
		}
		e.arc = a
	}
	return e, nil
}

func (e *evictor) touch(key string) {
	if e.lru != nil {
		e.lru.Add(key, struct{}{})
	}
	if e.arc != nil {
		e.arc.Add(key, struct{}{})
	}
}

func (e *evictor) remove(key string) {
	if e.lru != nil {
		e.lru.Remove(key)
	}
	if e.arc != nil {
		e.arc.Remove(key)
	}
}

// victim picks the next key to shed. The caller holds the store lock;
// meta is the live entry table. Returns false when no candidate exists
// (e.g. a volatile policy with no TTL'd keys).
func (e *evictor) victim(meta map[string]*entryMeta) (string, bool) {
	switch e.policy {
	case config.EvictLRU:
		for _, key := range e.lru.Keys() { // oldest first
			if _, ok := meta[key]; ok {
				return key, true
			}
			e.lru.Remove(key)
		}
		return "", false

	case config.EvictVolatileLRU:
		for _, key := range e.lru.Keys() {
			m, ok := meta[key]
			if !ok {
				e.lru.Remove(key)
				continue
			}
			if m.hasTTL() {
				return key, true
			}
		}
		return "", false

	case config.EvictLFU, config.EvictVolatileLFU:
		volatileOnly := e.policy == config.EvictVolatileLFU
		var best string
		var bestCount uint64
		found := false
		for key, m := range meta {
			if volatileOnly && !m.hasTTL() {
				continue
			}
			if !found || m.accessCount < bestCount {
				best, bestCount, found = key, m.accessCount, true
			}
		}
		return best, found

	case config.EvictARC:
		// Prefer keys the ARC tracker has let go of: not recent, not
		// frequent. Fall back to any key.
		var fallback string
		for key := range meta {
			if !e.arc.Contains(key) {
				return key, true
			}
			fallback = key
		}
		return fallback, fallback != ""

	default: // config.EvictRandom
		for key := range meta {
			return key, true
		}
		return "", false
	}
}
