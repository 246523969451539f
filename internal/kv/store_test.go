package kv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novastore/internal/config"
	"github.com/tuannm99/novastore/internal/hlc"
)

func testConfig() *config.NovaStoreConfig {
	cfg := config.Default()
	cfg.Storage.PageSize = 4096
	cfg.BTree.Order = 16
	cfg.Durability.FsyncPolicy = string(config.FsyncNever)
	cfg.KV.TTLCheckIntervalMS = 10
	cfg.KV.MaxKeysPerTTLCheck = 100
	return cfg
}

func newTestStore(t *testing.T, cfg *config.NovaStoreConfig) *Store {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	s, err := Open(t.TempDir(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SetGetDelete(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "alice", []byte("30"), 0))
	require.NoError(t, s.Set(ctx, "bob", []byte("25"), 0))

	v, err := s.Get(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, []byte("25"), v)

	existed, err := s.Delete(ctx, "bob")
	require.NoError(t, err)
	require.True(t, existed)

	_, err = s.Get(ctx, "bob")
	require.ErrorIs(t, err, ErrKeyNotFound)

	// Overwrite keeps the latest value.
	require.NoError(t, s.Set(ctx, "alice", []byte("31"), 0))
	v, err = s.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []byte("31"), v)
}

func TestStore_SetDroppedWhenStoredEntryNewer(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "x", []byte("old"), 0))

	// Pretend a remote merge installed a far-future timestamp.
	s.mu.Lock()
	s.meta["x"].ts = hlc.Timestamp{Physical: 1 << 62, Logical: 0}
	s.mu.Unlock()

	require.NoError(t, s.Set(ctx, "x", []byte("local"), 0))
	v, err := s.Get(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, []byte("old"), v, "older local write must be silently dropped")
}

func TestStore_MergeRemoteConvergence(t *testing.T) {
	// Scenario: two replicas write "x" concurrently, then exchange.
	a := newTestStore(t, nil)
	b := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "x", []byte("v1"), 0))
	require.NoError(t, b.Set(ctx, "x", []byte("v2"), 0))

	tsA := a.meta["x"].ts
	tsB := b.meta["x"].ts

	_, err := a.MergeRemote(ctx, "x", []byte("v2"), tsB)
	require.NoError(t, err)
	_, err = b.MergeRemote(ctx, "x", []byte("v1"), tsA)
	require.NoError(t, err)

	va, err := a.Get(ctx, "x")
	require.NoError(t, err)
	vb, err := b.Get(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, va, vb, "replicas must converge")

	// The winner is the greater (ts, value) pair.
	want := []byte("v1")
	if hlc.Compare(tsB, tsA) > 0 || (hlc.Compare(tsB, tsA) == 0 && string("v2") > string("v1")) {
		want = []byte("v2")
	}
	require.Equal(t, want, va)
}

func TestStore_MergeIsCommutativeAssociativeIdempotent(t *testing.T) {
	ctx := context.Background()

	type op struct {
		value []byte // nil = tombstone
		ts    hlc.Timestamp
	}
	ops := []op{
		{value: []byte("a"), ts: hlc.Timestamp{Physical: 100, Logical: 1}},
		{value: []byte("b"), ts: hlc.Timestamp{Physical: 100, Logical: 1}}, // ts tie with "a"
		{value: nil, ts: hlc.Timestamp{Physical: 90, Logical: 7}},
		{value: []byte("c"), ts: hlc.Timestamp{Physical: 120, Logical: 0}},
	}

	state := func(perm []int) ([]byte, bool) {
		s := newTestStore(t, nil)
		for _, i := range perm {
			_, err := s.MergeRemote(ctx, "k", ops[i].value, ops[i].ts)
			require.NoError(t, err)
		}
		// Idempotence: re-delivering everything changes nothing.
		for _, i := range perm {
			changed, err := s.MergeRemote(ctx, "k", ops[i].value, ops[i].ts)
			require.NoError(t, err)
			require.False(t, changed, "re-delivery must be a no-op")
		}
		v, err := s.Get(ctx, "k")
		if err != nil {
			require.ErrorIs(t, err, ErrKeyNotFound)
			return nil, false
		}
		return v, true
	}

	perms := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{1, 3, 0, 2},
		{2, 0, 3, 1},
	}
	wantV, wantOK := state(perms[0])
	for _, p := range perms[1:] {
		v, ok := state(p)
		require.Equal(t, wantOK, ok, "perm %v", p)
		require.Equal(t, wantV, v, "perm %v", p)
	}
	// ts 120 is the greatest op: "c" must be the winner everywhere.
	require.True(t, wantOK)
	require.Equal(t, []byte("c"), wantV)
}

func TestStore_TombstoneBeatsOlderRemoteWrite(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	_, err := s.Delete(ctx, "k")
	require.NoError(t, err)
	tombTS := s.tombstones["k"]

	// A remote write older than the tombstone must not resurrect the key.
	older := hlc.Timestamp{Physical: tombTS.Physical - 1, Logical: 0}
	changed, err := s.MergeRemote(ctx, "k", []byte("zombie"), older)
	require.NoError(t, err)
	require.False(t, changed)
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrKeyNotFound)

	// A strictly newer write does reintroduce it.
	newer, err := s.clock.Update(tombTS)
	require.NoError(t, err)
	changed, err = s.MergeRemote(ctx, "k", []byte("fresh"), newer)
	require.NoError(t, err)
	require.True(t, changed)
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("fresh"), v)
}

func TestStore_RemoteDelete(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	localTS := s.meta["k"].ts

	// Older remote tombstone loses.
	changed, err := s.MergeRemote(ctx, "k", nil, hlc.Timestamp{Physical: 1, Logical: 0})
	require.NoError(t, err)
	require.False(t, changed)

	// Newer remote tombstone removes the key.
	newer, err := s.clock.Update(localTS)
	require.NoError(t, err)
	changed, err = s.MergeRemote(ctx, "k", nil, newer)
	require.NoError(t, err)
	require.True(t, changed)
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestStore_TombstoneGC(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	_, err := s.Delete(ctx, "k")
	require.NoError(t, err)
	ts1 := s.tombstones["k"]

	// Watermark above the tombstone collects it.
	watermark := s.clock.Now()
	require.Equal(t, 1, s.CleanupTombstones(watermark))
	require.Empty(t, s.tombstones)

	// The key stays invisible after GC.
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrKeyNotFound)

	// Only a write newer than the old tombstone reintroduces it.
	ts2, err := s.clock.Update(ts1)
	require.NoError(t, err)
	changed, err := s.MergeRemote(ctx, "k", []byte("back"), ts2)
	require.NoError(t, err)
	require.True(t, changed)
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("back"), v)

	// Watermark below a tombstone leaves it alone.
	_, err = s.Delete(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, 0, s.CleanupTombstones(hlc.Timestamp{Physical: 1}))
	require.Len(t, s.tombstones, 1)
}

func TestStore_TTLPassiveExpiry(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "tmp", []byte("v"), 30*time.Millisecond))

	v, err := s.Get(ctx, "tmp")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	rem, has, err := s.TTL("tmp")
	require.NoError(t, err)
	require.True(t, has)
	require.Greater(t, rem, time.Duration(0))

	time.Sleep(60 * time.Millisecond)
	_, err = s.Get(ctx, "tmp")
	require.ErrorIs(t, err, ErrKeyNotFound)

	// Expiry acts as a delete: a tombstone remains.
	s.mu.Lock()
	_, tombed := s.tombstones["tmp"]
	s.mu.Unlock()
	require.True(t, tombed)
}

func TestStore_TTLActiveSweep(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), 20*time.Millisecond))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), 20*time.Millisecond))
	require.NoError(t, s.Set(ctx, "keep", []byte("3"), 0))

	// The sweeper removes expired keys without any Get touching them.
	require.Eventually(t, func() bool {
		return s.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	v, err := s.Get(ctx, "keep")
	require.NoError(t, err)
	require.Equal(t, []byte("3"), v)
}

func TestStore_ExpireAndPersist(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	_, has, err := s.TTL("k")
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, s.Expire("k", time.Hour))
	rem, has, err := s.TTL("k")
	require.NoError(t, err)
	require.True(t, has)
	require.Greater(t, rem, 59*time.Minute)

	require.NoError(t, s.Persist("k"))
	_, has, err = s.TTL("k")
	require.NoError(t, err)
	require.False(t, has)

	require.ErrorIs(t, s.Expire("missing", time.Second), ErrKeyNotFound)
	require.ErrorIs(t, s.Persist("missing"), ErrKeyNotFound)
}

func TestStore_ScanPatternAndCursor(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Set(ctx, fmt.Sprintf("user:%d", i), []byte("u"), 0))
	}
	require.NoError(t, s.Set(ctx, "other", []byte("o"), 0))

	// Paginate with limit 2 until the cursor is exhausted.
	var got []string
	cursor := ""
	for {
		res, err := s.Scan(ctx, cursor, "user:*", 2)
		require.NoError(t, err)
		got = append(got, res.Keys...)
		if res.Next == "" {
			break
		}
		cursor = res.Next
	}
	require.Equal(t, []string{"user:0", "user:1", "user:2", "user:3", "user:4"}, got)

	res, err := s.Scan(ctx, "", "*", 100)
	require.NoError(t, err)
	require.Len(t, res.Keys, 6)
	require.Empty(t, res.Next)
}

func TestStore_EvictionLRU(t *testing.T) {
	cfg := testConfig()
	cfg.KV.EvictionPolicy = string(config.EvictLRU)
	cfg.KV.MaxMemoryBytes = 3 * (64 + 2 + 100) // room for ~3 entries
	s := newTestStore(t, cfg)
	ctx := context.Background()

	val := make([]byte, 100)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Set(ctx, fmt.Sprintf("k%d", i), val, 0))
	}

	require.LessOrEqual(t, s.MemoryUsed(), cfg.KV.MaxMemoryBytes)
	require.Less(t, s.Len(), 5, "some keys must have been evicted")

	// The most recent write always survives.
	_, err := s.Get(ctx, "k4")
	require.NoError(t, err)

	// Eviction leaves no tombstone.
	s.mu.Lock()
	tombs := len(s.tombstones)
	s.mu.Unlock()
	require.Zero(t, tombs)
}

func TestStore_EvictionVolatileOnlyTouchesTTLKeys(t *testing.T) {
	cfg := testConfig()
	cfg.KV.EvictionPolicy = string(config.EvictVolatileLRU)
	cfg.KV.MaxMemoryBytes = 3 * (64 + 2 + 100)
	s := newTestStore(t, cfg)
	ctx := context.Background()

	val := make([]byte, 100)
	require.NoError(t, s.Set(ctx, "p0", val, 0))
	require.NoError(t, s.Set(ctx, "p1", val, 0))
	require.NoError(t, s.Set(ctx, "v0", val, time.Hour))
	require.NoError(t, s.Set(ctx, "v1", val, time.Hour))
	require.NoError(t, s.Set(ctx, "v2", val, time.Hour))

	// Persistent keys survive; only TTL'd keys are candidates.
	_, err := s.Get(ctx, "p0")
	require.NoError(t, err)
	_, err = s.Get(ctx, "p1")
	require.NoError(t, err)
}

func TestStore_EvictionPoliciesConstruct(t *testing.T) {
	for _, pol := range []config.EvictionPolicy{
		config.EvictLRU, config.EvictLFU, config.EvictARC,
		config.EvictRandom, config.EvictVolatileLRU, config.EvictVolatileLFU,
	} {
		cfg := testConfig()
		cfg.KV.EvictionPolicy = string(pol)
		cfg.KV.MaxMemoryBytes = 2 * (64 + 2 + 100)
		s := newTestStore(t, cfg)
		ctx := context.Background()

		val := make([]byte, 100)
		for i := 0; i < 6; i++ {
			require.NoError(t, s.Set(ctx, fmt.Sprintf("k%d", i), val, time.Hour))
		}
		require.LessOrEqual(t, s.MemoryUsed(), cfg.KV.MaxMemoryBytes, "policy %s", pol)
	}
}

func TestStore_PubSub(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	sub := s.Subscribe("watched")
	defer sub.Cancel()

	require.NoError(t, s.Set(ctx, "watched", []byte("v1"), 0))

	select {
	case msg := <-sub.C:
		require.Equal(t, "watched", msg.Channel)
		require.Equal(t, []byte("set v1"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("no pub/sub delivery")
	}

	_, err := s.Delete(ctx, "watched")
	require.NoError(t, err)
	select {
	case msg := <-sub.C:
		require.Equal(t, []byte("del"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("no delete notification")
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	s, err := Open(dir, cfg)
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Set(ctx, fmt.Sprintf("k%d", i), []byte(fmt.Sprintf("v%d", i)), 0))
	}
	require.NoError(t, s.Close())

	s2, err := Open(dir, cfg)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	require.Equal(t, 50, s2.Len())
	for i := 0; i < 50; i += 7 {
		v, err := s2.Get(ctx, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("v%d", i)), v)
	}
}

func TestStore_Cancellation(t *testing.T) {
	s := newTestStore(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, s.Set(ctx, "k", []byte("v"), 0), ErrCancelled)
	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrCancelled)
	_, err = s.Scan(ctx, "", "*", 10)
	require.ErrorIs(t, err, ErrCancelled)
}

func TestRegister_WireFormat(t *testing.T) {
	r := Register{
		Value: []byte("hello"),
		TS:    hlc.Timestamp{Physical: 7, Logical: 3},
	}
	enc := r.Encode()
	require.Len(t, enc, 4+5+hlc.TimestampSize)
	require.Equal(t, []byte{0, 0, 0, 5}, enc[:4], "big-endian value length")

	got, err := DecodeRegister(enc)
	require.NoError(t, err)
	require.Equal(t, r, got)

	_, err = DecodeRegister(enc[:8])
	require.ErrorIs(t, err, ErrBadRegister)
}
