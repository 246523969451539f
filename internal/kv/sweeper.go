package kv

import (
	"log/slog"
	"time"

	"github.com/tuannm99/novastore/internal/config"
)

const evictionCheckInterval = 250 * time.Millisecond

// startActors launches the long-lived background loops: the active TTL
// sweeper, the durability flusher (every_second policy), and the memory
// eviction loop. All of them stop on the store's cancellation token.
func (s *Store) startActors() {
	s.actorWG.Add(1)
	go s.ttlSweeper()

	if config.FsyncPolicy(s.cfg.Durability.FsyncPolicy) == config.FsyncEverySecond {
		s.actorWG.Add(1)
		go s.flusher()
	}

	if s.cfg.KV.MaxMemoryBytes > 0 {
		s.actorWG.Add(1)
		go s.evictionLoop()
	}
}

// ttlSweeper actively expires keys: each tick it examines at most
// max_keys_per_ttl_check TTL'd keys, so a huge keyspace cannot stall
// the store. Passive checks on Get cover whatever the sweeper has not
// reached yet.
func (s *Store) ttlSweeper() {
	defer s.actorWG.Done()

	interval := s.cfg.TTLCheckInterval()
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.actorCtx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Store) sweepOnce() {
	budget := s.cfg.KV.MaxKeysPerTTLCheck
	if budget <= 0 {
		budget = 20
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	checked := 0
	for key, m := range s.meta {
		if checked >= budget {
			break
		}
		if !m.hasTTL() {
			continue
		}
		checked++
		if now.Before(m.expireAt) {
			continue
		}
		if err := s.expireLocked(s.actorCtx, key); err != nil {
			slog.Warn("kv: active expiry failed", "key", key, "err", err)
			return
		}
		slog.Debug("kv: actively expired", "key", key)
	}
}

// flusher batches durability for the every_second policy: once a
// second it pushes the WAL, writes back dirty pages and issues one
// barrier for the whole batch.
func (s *Store) flusher() {
	defer s.actorWG.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.actorCtx.Done():
			return
		case <-ticker.C:
			if s.bp.DirtyCount() == 0 && s.wal.LastLSN() == 0 {
				continue
			}
			s.mu.Lock()
			if !s.closed {
				if err := s.flushLocked(); err != nil {
					slog.Warn("kv: periodic flush failed", "err", err)
				}
			}
			s.mu.Unlock()
		}
	}
}

// evictionLoop enforces the memory ceiling in the background, catching
// growth that slipped past the inline check (e.g. merges).
func (s *Store) evictionLoop() {
	defer s.actorWG.Done()

	ticker := time.NewTicker(evictionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.actorCtx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.closed {
				s.evictToFitLocked()
			}
			s.mu.Unlock()
		}
	}
}
