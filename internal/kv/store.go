package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tuannm99/novastore/internal/btree"
	"github.com/tuannm99/novastore/internal/bufferpool"
	"github.com/tuannm99/novastore/internal/catalog"
	"github.com/tuannm99/novastore/internal/config"
	"github.com/tuannm99/novastore/internal/hlc"
	"github.com/tuannm99/novastore/internal/storage"
	"github.com/tuannm99/novastore/internal/wal"
)

var (
	ErrKeyNotFound = errors.New("kv: key not found")
	ErrStoreClosed = errors.New("kv: store is closed")
	ErrCancelled   = errors.New("kv: operation cancelled")
)

const (
	storeFileName = "novastore.db"
	registerIndex = "_kv_registers"

	// entryOverhead approximates the bookkeeping cost per key counted
	// against max_memory, on top of key and value bytes.
	entryOverhead = 64
)

// entryMeta is the in-memory per-key bookkeeping: the winning write's
// timestamp, TTL state, and the access stats the eviction policies read.
type entryMeta struct {
	ts          hlc.Timestamp
	expireAt    time.Time // zero = no TTL
	lastAccess  time.Time
	accessCount uint64
	size        int64
}

func (m *entryMeta) hasTTL() bool { return !m.expireAt.IsZero() }

// Store is the CRDT register map: last-writer-wins registers with
// tombstones, persisted through the B+ tree, stamped by the HLC.
type Store struct {
	cfg       *config.NovaStoreConfig
	pf        *storage.PageFile
	bp        *bufferpool.Pool
	wal       *wal.Manager
	cat       *catalog.Catalog
	idx       *btree.Tree
	clock     *hlc.Clock
	replicaID uuid.UUID
	pubsub    *PubSub

	mu         sync.Mutex
	meta       map[string]*entryMeta
	tombstones map[string]hlc.Timestamp
	memUsed    int64
	evict      *evictor
	closed     bool

	actorCtx    context.Context
	actorCancel context.CancelFunc
	actorWG     sync.WaitGroup
}

// Open builds the whole stack under dir: page file (with WAL redo
// replay), buffer pool, catalog, register index, clock, actors.
func Open(dir string, cfg *config.NovaStoreConfig) (*Store, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	w, err := wal.Open(dir, cfg.Storage.PageSize)
	if err != nil {
		return nil, err
	}

	pf, err := storage.OpenPageFile(filepath.Join(dir, storeFileName), cfg.Storage.PageSize)
	if err != nil {
		_ = w.Close()
		return nil, err
	}

	// Redo structural page images the last run logged but may not have
	// flushed.
	if err := w.Recover(redoWriter{pf}); err != nil {
		_ = pf.Close()
		_ = w.Close()
		return nil, fmt.Errorf("kv: wal recovery: %w", err)
	}

	bp := bufferpool.NewPool(pf, cfg.Buffer.Frames, bufferpool.Weights{
		Frequency: cfg.Buffer.FrequencyWeight,
		Recency:   cfg.Buffer.RecencyWeight,
	})

	cat, err := catalog.Open(pf)
	if err != nil {
		_ = pf.Close()
		_ = w.Close()
		return nil, err
	}

	ovf := storage.NewOverflowManager(pf)
	opts := btree.Options{
		Order:          cfg.BTree.Order,
		Unique:         true,
		ComponentCount: 1,
	}

	var idx *btree.Tree
	if im, err := cat.LookupIndex(registerIndex); err == nil {
		idx, err = btree.Open(bp, ovf, w, cfg.Storage.PageSize, opts, im.Root, im.Height)
		if err != nil {
			_ = pf.Close()
			_ = w.Close()
			return nil, err
		}
	} else if errors.Is(err, catalog.ErrIndexNotFound) {
		idx, err = btree.Create(bp, ovf, w, cfg.Storage.PageSize, opts)
		if err != nil {
			_ = pf.Close()
			_ = w.Close()
			return nil, err
		}
		if _, err := cat.RegisterIndex(catalog.IndexMeta{
			Name:           registerIndex,
			Table:          "_kv",
			Columns:        []string{"key"},
			Unique:         true,
			ComponentCount: 1,
			Order:          opts.Order,
			Root:           idx.Root(),
			Height:         idx.Height(),
		}); err != nil {
			_ = pf.Close()
			_ = w.Close()
			return nil, err
		}
	} else {
		_ = pf.Close()
		_ = w.Close()
		return nil, err
	}

	idx.OnMetaChange(func(root storage.PageID, height int) {
		if err := cat.SaveRoot(registerIndex, root, height); err != nil {
			slog.Warn("kv: persist index meta failed", "err", err)
		}
	})

	ev, err := newEvictor(config.EvictionPolicy(cfg.KV.EvictionPolicy))
	if err != nil {
		_ = pf.Close()
		_ = w.Close()
		return nil, err
	}

	s := &Store{
		cfg:        cfg,
		pf:         pf,
		bp:         bp,
		wal:        w,
		cat:        cat,
		idx:        idx,
		clock:      hlc.New(),
		replicaID:  uuid.New(),
		pubsub:     NewPubSub(),
		meta:       make(map[string]*entryMeta),
		tombstones: make(map[string]hlc.Timestamp),
		evict:      ev,
	}

	if err := s.loadExisting(); err != nil {
		_ = pf.Close()
		_ = w.Close()
		return nil, err
	}

	s.actorCtx, s.actorCancel = context.WithCancel(context.Background())
	s.startActors()

	slog.Debug("kv: store opened",
		"dir", dir,
		"replica", s.replicaID,
		"keys", len(s.meta))
	return s, nil
}

// loadExisting rebuilds the in-memory entry table from the persisted
// register index. TTL and tombstone state are process-local and start
// empty.
func (s *Store) loadExisting() error {
	cur := s.idx.Range(context.Background(), btree.Key{}, btree.Key{}, true, true)
	for {
		pair, ok := cur.Next()
		if !ok {
			break
		}
		reg, err := DecodeRegister(pair.Value)
		if err != nil {
			return err
		}
		key := string(pair.Key.Comps[0].B)
		m := &entryMeta{
			ts:   reg.TS,
			size: int64(len(key)+len(reg.Value)) + entryOverhead,
		}
		s.meta[key] = m
		s.memUsed += m.size
		s.evict.touch(key)
	}
	return cur.Err()
}

// ReplicaID identifies this store instance in replication traffic.
func (s *Store) ReplicaID() uuid.UUID { return s.replicaID }

// Clock exposes the store's HLC for replication plumbing.
func (s *Store) Clock() *hlc.Clock { return s.clock }

// Subscribe registers a pub/sub listener for a channel; the store
// publishes keyspace events on the channel named after the key.
func (s *Store) Subscribe(channel string) *Subscription {
	return s.pubsub.Subscribe(channel)
}

// Publish fans a message out to a channel's subscribers.
func (s *Store) Publish(channel string, payload []byte) int {
	return s.pubsub.Publish(channel, payload)
}

func ctxErr(ctx context.Context) error {
	if ctx != nil && ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

// Set writes a register stamped with a fresh local timestamp. When the
// stored entry is newer (a concurrent remote merge won), the write is
// silently dropped per last-writer-wins.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	ts := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if m, ok := s.meta[key]; ok && hlc.Compare(m.ts, ts) > 0 {
		slog.Debug("kv: set dropped, stored entry is newer", "key", key, "storedTS", m.ts, "ts", ts)
		return nil
	}
	if tts, ok := s.tombstones[key]; ok && hlc.Compare(tts, ts) > 0 {
		return nil
	}

	if err := s.putLocked(ctx, key, value, ts, ttl, true); err != nil {
		return err
	}
	s.publishEventLocked(key, "set", value)
	return s.maybeSyncLocked()
}

// putLocked writes through to the index and refreshes bookkeeping.
// When setTTL is false an existing TTL is preserved (merge path).
func (s *Store) putLocked(ctx context.Context, key string, value []byte, ts hlc.Timestamp, ttl time.Duration, setTTL bool) error {
	reg := Register{Value: value, TS: ts}
	if _, err := s.idx.Upsert(ctx, btree.StringKey(key), reg.Encode()); err != nil {
		return err
	}

	m, ok := s.meta[key]
	if !ok {
		m = &entryMeta{}
		s.meta[key] = m
	} else {
		s.memUsed -= m.size
	}
	m.ts = ts
	m.size = int64(len(key)+len(value)) + entryOverhead
	m.lastAccess = time.Now()
	m.accessCount++
	if setTTL {
		if ttl > 0 {
			m.expireAt = time.Now().Add(ttl)
		} else {
			m.expireAt = time.Time{}
		}
	}
	s.memUsed += m.size
	delete(s.tombstones, key)
	s.evict.touch(key)

	s.evictToFitLocked()
	return nil
}

// Get returns the live value; ErrKeyNotFound covers absent, tombstoned
// and expired keys. Expiry is checked passively on every call.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	m, ok := s.meta[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	if m.hasTTL() && !time.Now().Before(m.expireAt) {
		if err := s.expireLocked(ctx, key); err != nil {
			return nil, err
		}
		return nil, ErrKeyNotFound
	}

	raw, err := s.idx.Search(ctx, btree.StringKey(key))
	if err != nil {
		if errors.Is(err, btree.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	reg, err := DecodeRegister(raw)
	if err != nil {
		return nil, err
	}

	m.lastAccess = time.Now()
	m.accessCount++
	s.evict.touch(key)
	return reg.Value, nil
}

// Delete writes a tombstone so future merges see the removal.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	ts := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	existed, err := s.removeLocked(ctx, key)
	if err != nil {
		return false, err
	}
	s.tombstones[key] = ts
	if existed {
		s.publishEventLocked(key, "del", nil)
	}
	if err := s.maybeSyncLocked(); err != nil {
		return existed, err
	}
	return existed, nil
}

// removeLocked drops the key from index and bookkeeping without
// touching tombstones.
func (s *Store) removeLocked(ctx context.Context, key string) (bool, error) {
	m, ok := s.meta[key]
	if !ok {
		return false, nil
	}
	if _, err := s.idx.Delete(ctx, btree.StringKey(key)); err != nil {
		return false, err
	}
	s.memUsed -= m.size
	delete(s.meta, key)
	s.evict.remove(key)
	return true, nil
}

// expireLocked removes an expired key. Expiry acts as a delete: it
// leaves a tombstone so replicas converge on the removal.
func (s *Store) expireLocked(ctx context.Context, key string) error {
	ts := s.clock.Now()
	if _, err := s.removeLocked(ctx, key); err != nil {
		return err
	}
	s.tombstones[key] = ts
	s.publishEventLocked(key, "expired", nil)
	return nil
}

// MergeRemote folds one remote write (or tombstone, when value is nil)
// into the store. The greatest of (remote, local, tombstone) wins, ties
// broken byte-lex on the value; the local clock advances past the
// remote timestamp either way. Returns whether local state changed.
func (s *Store) MergeRemote(ctx context.Context, key string, remoteValue []byte, remoteTS hlc.Timestamp) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	if _, err := s.clock.Update(remoteTS); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	localTS := hlc.Timestamp{}
	var localValue []byte
	if m, ok := s.meta[key]; ok {
		localTS = m.ts
		raw, err := s.idx.Search(ctx, btree.StringKey(key))
		if err != nil {
			return false, err
		}
		reg, err := DecodeRegister(raw)
		if err != nil {
			return false, err
		}
		localValue = reg.Value
	}
	tombTS := s.tombstones[key]

	if remoteValue == nil {
		// Remote delete: it wins against a strictly older live value.
		if hlc.Compare(remoteTS, localTS) > 0 && hlc.Compare(remoteTS, tombTS) > 0 {
			if _, err := s.removeLocked(ctx, key); err != nil {
				return false, err
			}
			s.tombstones[key] = remoteTS
			s.publishEventLocked(key, "del", nil)
			return true, s.maybeSyncLocked()
		}
		return false, nil
	}

	// Remote write must beat both the tombstone and the local register.
	if hlc.Compare(remoteTS, tombTS) <= 0 {
		return false, nil
	}
	local := Register{Value: localValue, TS: localTS}
	if !local.wins(remoteTS, remoteValue) {
		// Local register is the winner, or this is the exact same write
		// delivered again (merge is idempotent).
		return false, nil
	}

	if err := s.putLocked(ctx, key, remoteValue, remoteTS, 0, false); err != nil {
		return false, err
	}
	s.publishEventLocked(key, "set", remoteValue)
	return true, s.maybeSyncLocked()
}

// ScanResult is one page of a cursor walk.
type ScanResult struct {
	Keys []string
	// Next resumes after the last key the walk examined, whether it was
	// returned or filtered out; empty when exhausted.
	Next string
}

// Scan walks keys in order from the cursor (exclusive), filtered by a
// glob pattern, returning at most limit keys.
func (s *Store) Scan(ctx context.Context, cursor, pattern string, limit int) (ScanResult, error) {
	if err := ctxErr(ctx); err != nil {
		return ScanResult{}, err
	}
	if limit <= 0 {
		limit = 10
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ScanResult{}, ErrStoreClosed
	}
	s.mu.Unlock()

	start := btree.Key{}
	inclusive := true
	if cursor != "" {
		start = btree.StringKey(cursor)
		inclusive = false
	}
	cur := s.idx.Range(ctx, start, btree.Key{}, inclusive, true)

	var res ScanResult
	for len(res.Keys) < limit {
		pair, ok := cur.Next()
		if !ok {
			if err := cur.Err(); err != nil {
				return ScanResult{}, err
			}
			res.Next = ""
			return res, nil
		}
		key := string(pair.Key.Comps[0].B)
		res.Next = key

		s.mu.Lock()
		m, live := s.meta[key]
		expired := live && m.hasTTL() && !time.Now().Before(m.expireAt)
		s.mu.Unlock()
		if !live || expired {
			continue
		}
		if matchPattern(pattern, key) {
			res.Keys = append(res.Keys, key)
		}
	}

	// More may remain; hand back the last seen key as the cursor.
	return res, nil
}

// TTL reports the remaining lifetime: (0, false) when the key has no
// TTL, ErrKeyNotFound when absent or already expired.
func (s *Store) TTL(key string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false, ErrStoreClosed
	}
	m, ok := s.meta[key]
	if !ok {
		return 0, false, ErrKeyNotFound
	}
	if !m.hasTTL() {
		return 0, false, nil
	}
	rem := time.Until(m.expireAt)
	if rem <= 0 {
		return 0, false, ErrKeyNotFound
	}
	return rem, true, nil
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(key string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	m, ok := s.meta[key]
	if !ok {
		return ErrKeyNotFound
	}
	m.expireAt = time.Now().Add(d)
	return nil
}

// Persist clears a key's TTL.
func (s *Store) Persist(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	m, ok := s.meta[key]
	if !ok {
		return ErrKeyNotFound
	}
	m.expireAt = time.Time{}
	return nil
}

// CleanupTombstones drops tombstones older than the watermark. The
// caller guarantees the watermark is below any in-flight message's
// timestamp, so a collected tombstone can never be needed again.
func (s *Store) CleanupTombstones(watermark hlc.Timestamp) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, ts := range s.tombstones {
		if hlc.Compare(ts, watermark) < 0 {
			delete(s.tombstones, key)
			n++
		}
	}
	return n
}

// MemoryUsed reports the accounted key/value bytes.
func (s *Store) MemoryUsed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memUsed
}

// Len reports the number of live keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.meta)
}

// evictToFitLocked sheds keys until memory fits the ceiling. Evicted
// keys leave no tombstone: this is cache eviction, not deletion.
func (s *Store) evictToFitLocked() {
	max := s.cfg.KV.MaxMemoryBytes
	if max <= 0 {
		return
	}
	for s.memUsed > max {
		key, ok := s.evict.victim(s.meta)
		if !ok {
			slog.Warn("kv: over memory ceiling but no eviction candidate",
				"used", s.memUsed, "max", max)
			return
		}
		if _, err := s.removeLocked(context.Background(), key); err != nil {
			slog.Warn("kv: eviction failed", "key", key, "err", err)
			return
		}
		slog.Debug("kv: evicted", "key", key, "used", s.memUsed, "max", max)
	}
}

func (s *Store) publishEventLocked(key, event string, value []byte) {
	payload := []byte(event)
	if value != nil {
		payload = append(append(payload, ' '), value...)
	}
	s.pubsub.Publish(key, payload)
}

// maybeSyncLocked applies the fsync policy to the write that just
// finished: "always" pushes dirty pages and a barrier inline, the other
// policies leave durability to the flusher actor.
func (s *Store) maybeSyncLocked() error {
	if config.FsyncPolicy(s.cfg.Durability.FsyncPolicy) != config.FsyncAlways {
		return nil
	}
	if err := s.wal.Flush(s.wal.LastLSN()); err != nil {
		return err
	}
	if err := s.bp.FlushAll(); err != nil {
		return err
	}
	return s.pf.Sync()
}

// Flush forces dirty state to disk regardless of policy.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if err := s.wal.Flush(s.wal.LastLSN()); err != nil {
		return err
	}
	if err := s.bp.FlushAll(); err != nil {
		return err
	}
	if err := s.pf.Sync(); err != nil {
		return err
	}
	// Everything the log protected is on disk; a fresh log keeps
	// recovery short.
	return s.wal.Truncate()
}

// Close stops the actors, flushes, and closes the files.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.actorCancel()
	s.actorWG.Wait()
	s.pubsub.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.flushLocked()
	if cerr := s.idx.Close(); err == nil {
		err = cerr
	}
	if cerr := s.wal.Close(); err == nil {
		err = cerr
	}
	if cerr := s.pf.Close(); err == nil {
		err = cerr
	}
	return err
}

// redoWriter adapts the page file to the WAL's recovery interface.
type redoWriter struct {
	pf *storage.PageFile
}

func (r redoWriter) WritePage(pageID uint64, pageBytes []byte) error {
	return r.pf.ApplyRedo(storage.PageID(pageID), pageBytes)
}
