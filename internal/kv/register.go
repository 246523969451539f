package kv

import (
	"bytes"
	"errors"

	"github.com/tuannm99/novastore/internal/alias/bx"
	"github.com/tuannm99/novastore/internal/hlc"
)

var ErrBadRegister = errors.New("kv: malformed register")

// Register is a last-writer-wins CRDT register: a value plus the HLC
// timestamp of the write that produced it.
type Register struct {
	Value []byte
	TS    hlc.Timestamp
}

// Encode writes the wire form: value_length (4B BE) | value_bytes | ts (16B).
func (r Register) Encode() []byte {
	out := make([]byte, 4+len(r.Value)+hlc.TimestampSize)
	bx.PutU32(out, uint32(len(r.Value)))
	copy(out[4:], r.Value)
	copy(out[4+len(r.Value):], r.TS.Encode())
	return out
}

func DecodeRegister(b []byte) (Register, error) {
	if len(b) < 4 {
		return Register{}, ErrBadRegister
	}
	n := int(bx.U32(b))
	if len(b) != 4+n+hlc.TimestampSize {
		return Register{}, ErrBadRegister
	}
	value := make([]byte, n)
	copy(value, b[4:4+n])
	ts, err := hlc.DecodeTimestamp(b[4+n:])
	if err != nil {
		return Register{}, err
	}
	return Register{Value: value, TS: ts}, nil
}

// wins decides whether the (ts, value) pair beats the register: greater
// timestamp wins, equal timestamps fall back to a byte-lex compare of
// the values so every replica picks the same winner.
func (r Register) wins(ts hlc.Timestamp, value []byte) bool {
	switch hlc.Compare(ts, r.TS) {
	case 1:
		return true
	case -1:
		return false
	}
	return bytes.Compare(value, r.Value) > 0
}
