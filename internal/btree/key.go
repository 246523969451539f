package btree

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tuannm99/novastore/internal/alias/bx"
)

var ErrInvalidKey = errors.New("btree: key does not match index schema")

// ComponentKind tags one component of a compound key.
type ComponentKind uint8

const (
	CompInt64 ComponentKind = 1
	CompBytes ComponentKind = 2
)

// Component is one element of a compound key.
type Component struct {
	Kind ComponentKind
	I    int64
	B    []byte
}

func Int64Comp(v int64) Component   { return Component{Kind: CompInt64, I: v} }
func BytesComp(b []byte) Component  { return Component{Kind: CompBytes, B: b} }
func StringComp(s string) Component { return Component{Kind: CompBytes, B: []byte(s)} }

// Key is an ordered tuple of components. Comparison is component-wise,
// left to right; the component count is fixed per index.
type Key struct {
	Comps []Component
}

func Int64Key(v int64) Key            { return Key{Comps: []Component{Int64Comp(v)}} }
func BytesKey(b []byte) Key           { return Key{Comps: []Component{BytesComp(b)}} }
func StringKey(s string) Key          { return Key{Comps: []Component{StringComp(s)}} }
func Compound(comps ...Component) Key { return Key{Comps: comps} }

// Encode produces an order-preserving byte encoding: comparing encodings
// with bytes.Compare equals comparing keys component-wise. Layout per
// component: kind byte, then for int64 eight bytes of the sign-flipped
// value; for bytes the content with 0x00 escaped as 0x00 0xFF and a
// single 0x00 terminator.
func (k Key) Encode() []byte {
	var out []byte
	for _, c := range k.Comps {
		out = append(out, byte(c.Kind))
		switch c.Kind {
		case CompInt64:
			var b [8]byte
			bx.PutU64(b[:], uint64(c.I)^(1<<63))
			out = append(out, b[:]...)
		case CompBytes:
			for _, bb := range c.B {
				if bb == 0x00 {
					out = append(out, 0x00, 0xFF)
				} else {
					out = append(out, bb)
				}
			}
			out = append(out, 0x00)
		}
	}
	return out
}

// DecodeKey inverts Encode.
func DecodeKey(enc []byte) (Key, error) {
	var k Key
	i := 0
	for i < len(enc) {
		kind := ComponentKind(enc[i])
		i++
		switch kind {
		case CompInt64:
			if i+8 > len(enc) {
				return Key{}, fmt.Errorf("%w: truncated int64 component", ErrInvalidKey)
			}
			v := bx.U64(enc[i:i+8]) ^ (1 << 63)
			k.Comps = append(k.Comps, Int64Comp(int64(v)))
			i += 8
		case CompBytes:
			var b []byte
			for {
				if i >= len(enc) {
					return Key{}, fmt.Errorf("%w: unterminated bytes component", ErrInvalidKey)
				}
				c := enc[i]
				i++
				if c == 0x00 {
					if i < len(enc) && enc[i] == 0xFF {
						b = append(b, 0x00)
						i++
						continue
					}
					break
				}
				b = append(b, c)
			}
			k.Comps = append(k.Comps, BytesComp(b))
		default:
			return Key{}, fmt.Errorf("%w: unknown component kind %d", ErrInvalidKey, kind)
		}
	}
	return k, nil
}

// Compare orders keys component-wise. A key that is a strict prefix of
// another sorts first.
func (k Key) Compare(o Key) int {
	n := len(k.Comps)
	if len(o.Comps) < n {
		n = len(o.Comps)
	}
	for i := 0; i < n; i++ {
		a, b := k.Comps[i], o.Comps[i]
		if a.Kind != b.Kind {
			if a.Kind < b.Kind {
				return -1
			}
			return 1
		}
		switch a.Kind {
		case CompInt64:
			if a.I != b.I {
				if a.I < b.I {
					return -1
				}
				return 1
			}
		case CompBytes:
			if c := bytes.Compare(a.B, b.B); c != 0 {
				return c
			}
		}
	}
	switch {
	case len(k.Comps) < len(o.Comps):
		return -1
	case len(k.Comps) > len(o.Comps):
		return 1
	}
	return 0
}

func (k Key) String() string {
	parts := make([]string, 0, len(k.Comps))
	for _, c := range k.Comps {
		switch c.Kind {
		case CompInt64:
			parts = append(parts, strconv.FormatInt(c.I, 10))
		case CompBytes:
			parts = append(parts, strconv.Quote(string(c.B)))
		}
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// hasEncodedPrefix reports whether the encoded key starts with the
// encoded prefix. Component encodings are self-delimiting, so a prefix
// of components encodes to a byte prefix.
func hasEncodedPrefix(encKey, encPrefix []byte) bool {
	return bytes.HasPrefix(encKey, encPrefix)
}
