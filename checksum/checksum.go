// Package checksum computes the memory checksums replay uses to
// detect divergence from the recorded execution: if a region's
// checksum at a given event doesn't match what was recorded, replay
// has gone non-deterministic somewhere and emergency debugging kicks
// in. Hashing is delegated to github.com/minio/highwayhash rather
// than a hand-rolled accumulator, since the whole point of a
// checksum here is that it is cheap and collision-resistant, which is
// exactly the tradeoff a dedicated library is best at.
package checksum

import (
	"encoding/binary"
	"fmt"

	"github.com/minio/highwayhash"
)

// key's size is fixed by highwayhash: it's a HighwayHash256 key, not a
// secret, just a fixed salt so every replay run hashes the same way.
var key = [highwayhash.Size]byte{}

// Sum is a memory-region checksum, recorded at RECORD time and
// compared against on REPLAY.
type Sum [highwayhash.Size]byte

// Of hashes one memory region's bytes.
func Of(mem []byte) Sum {
	h, err := highwayhash.New(key[:])
	if err != nil {
		// key is a fixed-size array matching highwayhash.Size; this
		// can only fail if that invariant breaks.
		panic(fmt.Sprintf("checksum: bad highwayhash key: %v", err))
	}
	h.Write(mem)
	var sum Sum
	copy(sum[:], h.Sum(nil))
	return sum
}

// Verifier checks one replayed memory region against the checksums the
// trace recorded for it. It keeps no state between checks: each Check
// hashes the region's current bytes afresh.
type Verifier struct {
	region []byte
}

// NewVerifier binds a Verifier to the live memory it will be asked to
// check; region is expected to alias the replayed tracee's mapped
// memory, not a copy.
func NewVerifier(region []byte) *Verifier {
	return &Verifier{region: region}
}

// Check compares the region's current checksum against want, the
// value recorded at this point in the original execution.
func (v *Verifier) Check(want Sum) (ok bool, got Sum) {
	got = Of(v.region)
	return got == want, got
}

// EncodeSum and DecodeSum let a Sum travel through the trace package's
// flat binary records without trace needing to import checksum.
func EncodeSum(s Sum) []byte {
	return s[:]
}

func DecodeSum(b []byte) (Sum, error) {
	var s Sum
	if len(b) != len(s) {
		return s, fmt.Errorf("checksum: bad encoded length %d, want %d", len(b), len(s))
	}
	copy(s[:], b)
	return s, nil
}

// GlobalTimeKey mixes a frame's global time into a checksum key so
// checksums taken "at a given event" (config.ChecksumAtTime) can't
// collide with a different event over the same bytes. Kept separate
// from Of so most call sites that checksum full-region memory don't
// pay for this.
func GlobalTimeKey(globalTime uint64) [highwayhash.Size]byte {
	var k [highwayhash.Size]byte
	binary.LittleEndian.PutUint64(k[:8], globalTime)
	return k
}
