package btree

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKey_EncodeDecodeRoundTrip(t *testing.T) {
	keys := []Key{
		Int64Key(0),
		Int64Key(-1),
		Int64Key(1 << 40),
		StringKey(""),
		StringKey("hello"),
		BytesKey([]byte{0x00, 0xFF, 0x00}),
		Compound(Int64Comp(1), Int64Comp(75000)),
		Compound(Int64Comp(-5), StringComp("dept")),
	}
	for _, k := range keys {
		got, err := DecodeKey(k.Encode())
		require.NoError(t, err)
		require.Equal(t, 0, k.Compare(got), "round trip of %s", k)
	}
}

func TestKey_EncodingPreservesOrder(t *testing.T) {
	keys := []Key{
		Int64Key(-1 << 50),
		Int64Key(-1),
		Int64Key(0),
		Int64Key(1),
		Int64Key(75000),
		Int64Key(1 << 50),
	}
	for i := 1; i < len(keys); i++ {
		require.Negative(t, keys[i-1].Compare(keys[i]))
		require.Negative(t, bytes.Compare(keys[i-1].Encode(), keys[i].Encode()),
			"encoded order of %s vs %s", keys[i-1], keys[i])
	}
}

func TestKey_BytesWithEmbeddedZeros(t *testing.T) {
	// "a" < "a\x00" < "a\x00b" < "ab" both logically and encoded.
	keys := []Key{
		BytesKey([]byte("a")),
		BytesKey([]byte("a\x00")),
		BytesKey([]byte("a\x00b")),
		BytesKey([]byte("ab")),
	}
	for i := 1; i < len(keys); i++ {
		require.Negative(t, bytes.Compare(keys[i-1].Encode(), keys[i].Encode()))
	}
}

func TestKey_CompoundComparesComponentwise(t *testing.T) {
	a := Compound(Int64Comp(1), Int64Comp(80000))
	b := Compound(Int64Comp(2), Int64Comp(60000))
	require.Negative(t, a.Compare(b), "first component decides")
	require.Negative(t, bytes.Compare(a.Encode(), b.Encode()))

	c := Compound(Int64Comp(1), Int64Comp(75000))
	require.Positive(t, a.Compare(c), "tie broken by second component")
}

func TestKey_PrefixIsByteAndLogicalPrefix(t *testing.T) {
	full := Compound(Int64Comp(1), Int64Comp(75000))
	prefix := Compound(Int64Comp(1))
	require.True(t, hasEncodedPrefix(full.Encode(), prefix.Encode()))
	require.Negative(t, prefix.Compare(full), "strict prefix sorts first")

	other := Compound(Int64Comp(2), Int64Comp(75000))
	require.False(t, hasEncodedPrefix(other.Encode(), prefix.Encode()))
}

func TestKey_SortedEncodingsMatchSortedKeys(t *testing.T) {
	keys := []Key{
		StringKey("charlie"), StringKey("alice"), StringKey("bob"),
		StringKey(""), StringKey("zed"), StringKey("alicf"),
	}
	byKey := append([]Key(nil), keys...)
	sort.Slice(byKey, func(i, j int) bool { return byKey[i].Compare(byKey[j]) < 0 })

	byEnc := append([]Key(nil), keys...)
	sort.Slice(byEnc, func(i, j int) bool {
		return bytes.Compare(byEnc[i].Encode(), byEnc[j].Encode()) < 0
	})

	for i := range byKey {
		require.Equal(t, 0, byKey[i].Compare(byEnc[i]))
	}
}
