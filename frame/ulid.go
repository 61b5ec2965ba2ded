package frame

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// ULIDGen generates monotonic ULIDs (16 bytes each). The widget uses them for
// frame ids and for the ids of locally created (optimistic) messages.
// Thread-safe via mutex. Entropy from crypto/rand.
type ULIDGen struct {
	mu   sync.Mutex
	last [16]byte
	now  func() time.Time
}

// NewULIDGen creates a new ULID generator.
func NewULIDGen() *ULIDGen {
	return &ULIDGen{now: time.Now}
}

// Next returns a new monotonic ULID as a 16-byte array.
//
// Layout (Crockford ULID spec):
//
//	[0-5]   48-bit Unix millisecond timestamp (big-endian)
//	[6-15]  80-bit random, monotonically incrementing within same ms
func (g *ULIDGen) Next() [16]byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := uint64(g.now().UnixMilli())
	if last := ulidMillis(g.last); ms < last {
		// Clock went backwards; stay on the last millisecond to keep ordering.
		ms = last
	}

	var id [16]byte
	id[0] = byte(ms >> 40)
	id[1] = byte(ms >> 32)
	id[2] = byte(ms >> 24)
	id[3] = byte(ms >> 16)
	id[4] = byte(ms >> 8)
	id[5] = byte(ms)

	if ms == ulidMillis(g.last) && g.last != ([16]byte{}) {
		copy(id[6:], g.last[6:])
		for i := 15; i >= 6; i-- {
			id[i]++
			if id[i] != 0 {
				break
			}
		}
	} else {
		rand.Read(id[6:])
	}

	g.last = id
	return id
}

// NextString returns a new ULID in its 26-character Crockford base32 form.
func (g *ULIDGen) NextString() string {
	return EncodeULID(g.Next())
}

const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// EncodeULID renders a ULID as 26 Crockford base32 characters. The encoding
// sorts lexicographically in the same order as the raw bytes.
func EncodeULID(id [16]byte) string {
	var out [26]byte
	// 128 bits → 26 chars of 5 bits; the first char carries the top 3 bits.
	hi := binary.BigEndian.Uint64(id[:8])
	lo := binary.BigEndian.Uint64(id[8:])
	for i := 25; i >= 0; i-- {
		out[i] = crockford[lo&0x1f]
		lo = lo>>5 | hi<<59
		hi >>= 5
	}
	return string(out[:])
}

// Timestamp extracts the millisecond timestamp from a ULID.
func Timestamp(id [16]byte) time.Time {
	return time.UnixMilli(int64(ulidMillis(id)))
}

func ulidMillis(id [16]byte) uint64 {
	return uint64(id[0])<<40 | uint64(id[1])<<32 | uint64(id[2])<<24 |
		uint64(id[3])<<16 | uint64(id[4])<<8 | uint64(id[5])
}

// ULIDToUint64 extracts a uint64 from the first 8 bytes for comparison/sorting.
func ULIDToUint64(id [16]byte) uint64 {
	return binary.BigEndian.Uint64(id[:8])
}
