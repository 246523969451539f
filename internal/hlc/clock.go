package hlc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tuannm99/novastore/internal/alias/bx"
)

var (
	// ErrClockDrift is returned by Update when the remote physical time
	// is implausibly far ahead of the local wall clock.
	ErrClockDrift = errors.New("hlc: remote timestamp exceeds drift threshold")

	ErrShortTimestamp = errors.New("hlc: timestamp needs 16 bytes")
)

// TimestampSize is the wire size: 8-byte big-endian physical, then
// 8-byte big-endian logical.
const TimestampSize = 16

// Timestamp is a hybrid logical clock reading. Physical is microseconds
// since the Unix epoch; ordering is lexicographic on (physical, logical).
type Timestamp struct {
	Physical uint64
	Logical  uint64
}

// Compare orders two timestamps: -1, 0 or 1.
func Compare(a, b Timestamp) int {
	switch {
	case a.Physical < b.Physical:
		return -1
	case a.Physical > b.Physical:
		return 1
	case a.Logical < b.Logical:
		return -1
	case a.Logical > b.Logical:
		return 1
	}
	return 0
}

func (t Timestamp) Less(o Timestamp) bool { return Compare(t, o) < 0 }

func (t Timestamp) IsZero() bool { return t.Physical == 0 && t.Logical == 0 }

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d", t.Physical, t.Logical)
}

// Encode writes the 16-byte wire form.
func (t Timestamp) Encode() []byte {
	out := make([]byte, TimestampSize)
	bx.PutU64(out, t.Physical)
	bx.PutU64At(out, 8, t.Logical)
	return out
}

func DecodeTimestamp(b []byte) (Timestamp, error) {
	if len(b) < TimestampSize {
		return Timestamp{}, ErrShortTimestamp
	}
	return Timestamp{Physical: bx.U64(b), Logical: bx.U64At(b, 8)}, nil
}

// Clock produces strictly increasing, causally consistent timestamps.
// Every Now or Update result exceeds every timestamp the clock has
// previously emitted and every remote fed into Update; a wall clock
// stepping backwards (NTP) cannot break this, it only inflates the
// logical counter until physical time catches up.
//
// The clock takes no other lock while holding its own.
type Clock struct {
	mu   sync.Mutex
	last Timestamp

	// MaxDrift, when non-zero, bounds how far a remote physical time may
	// run ahead of the local wall clock before Update refuses it.
	maxDrift time.Duration

	wall func() uint64 // test hook, microseconds
}

// New returns a clock with no drift guard.
func New() *Clock {
	return &Clock{wall: wallMicros}
}

// NewWithMaxDrift returns a clock that rejects remote timestamps more
// than maxDrift ahead of the local wall clock.
func NewWithMaxDrift(maxDrift time.Duration) *Clock {
	return &Clock{wall: wallMicros, maxDrift: maxDrift}
}

func wallMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}

// Now returns a fresh timestamp. When the wall clock has advanced past
// the last physical component the logical counter resets to zero;
// otherwise physical holds and logical increments.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.wall()
	if w > c.last.Physical {
		c.last = Timestamp{Physical: w, Logical: 0}
	} else {
		c.last.Logical++
	}
	return c.last
}

// Update merges a remote timestamp into the clock and returns a fresh
// local timestamp greater than both the previous local one and remote.
func (c *Clock) Update(remote Timestamp) (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.wall()
	if c.maxDrift > 0 && remote.Physical > w+uint64(c.maxDrift.Microseconds()) {
		return Timestamp{}, fmt.Errorf("%w: remote %s, wall %d", ErrClockDrift, remote, w)
	}

	switch {
	case w > c.last.Physical && w > remote.Physical:
		c.last = Timestamp{Physical: w, Logical: 0}
	case c.last.Physical == remote.Physical:
		l := c.last.Logical
		if remote.Logical > l {
			l = remote.Logical
		}
		c.last = Timestamp{Physical: c.last.Physical, Logical: l + 1}
	case c.last.Physical > remote.Physical:
		c.last.Logical++
	default: // remote.Physical > c.last.Physical
		c.last = Timestamp{Physical: remote.Physical, Logical: remote.Logical + 1}
	}
	return c.last, nil
}

// Last returns the most recently emitted timestamp without advancing.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
