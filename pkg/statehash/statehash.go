// Package statehash implements the concurrent, fixed-capacity,
// open-addressing hash described in spec.md §4.1: a per-frame
// deduplication structure over packed (fsa, graph-state) keys, storing a
// value (an arc index, later rewritten to a next-frame state index) in the
// unused bits of a single 64-bit entry.
package statehash

import (
	"math/bits"
	"sync/atomic"

	"github.com/pkg/errors"
)

// KeyBits is the width, in bits, of the key portion of a packed entry. The
// source template-specializes on 32/36/40; here it is one of three
// constants chosen once per Hash at construction time, dispatched through
// ordinary field values rather than monomorphized code paths.
type KeyBits int

const (
	KeyBits32 KeyBits = 32
	KeyBits36 KeyBits = 36
	KeyBits40 KeyBits = 40
)

// ChooseKeyBits returns the smallest of {32, 36, 40} such that maxKey fits
// below the all-ones empty sentinel (maxKey < 2^K-1), or an error if maxKey
// is too large even for 40 bits
// (spec.md §7: CapacityExceeded, "graph key count exceeding 2^40").
func ChooseKeyBits(maxKey uint64) (KeyBits, error) {
	for _, k := range []KeyBits{KeyBits32, KeyBits36, KeyBits40} {
		if maxKey < (uint64(1)<<uint(k))-1 {
			return k, nil
		}
	}
	return 0, errors.Errorf("statehash: key count %d exceeds the maximum supported 2^40", maxKey)
}

// emptyKeyFor returns the reserved all-ones key bit pattern meaning "slot is
// empty", for the given key width.
func emptyKeyFor(keyBits KeyBits) uint64 {
	return (uint64(1) << uint(keyBits)) - 1
}

// Hash is a fixed-capacity concurrent open-addressing hash table mapping
// keys (up to keyBits wide) to values (64-keyBits wide). All operations may
// be called concurrently from multiple goroutines; operations on distinct
// keys are independent (except that a Delete can hide other keys from later
// lookups; see Delete), and per-key operations are linearizable.
//
// A Hash is only ever populated within a single frame's forward-pass step
// and fully drained (Clear, or one Delete per key inserted) before the next
// frame reuses it; see internal/engine.ForwardPass.
type Hash struct {
	keyBits   KeyBits
	valueBits uint
	emptyKey  uint64
	buckets   []atomic.Uint64
}

// New returns a Hash with the given capacity (rounded up to the next power
// of two, minimum 128) and key width.
func New(capacity int, keyBits KeyBits) *Hash {
	capacity = max(capacity, 128)
	capacity = 1 << bits.Len(uint(capacity-1))
	h := &Hash{
		keyBits:   keyBits,
		valueBits: uint(64 - int(keyBits)),
		emptyKey:  emptyKeyFor(keyBits),
		buckets:   make([]atomic.Uint64, capacity),
	}
	h.clearLocked()
	return h
}

func (h *Hash) clearLocked() {
	empty := h.emptyKey << h.valueBits
	for i := range h.buckets {
		h.buckets[i].Store(empty)
	}
}

// Capacity returns the current number of buckets.
func (h *Hash) Capacity() int {
	return len(h.buckets)
}

// Resize grows (or shrinks) the table to newCapacity (rounded up to a power
// of two, minimum 128). The caller must guarantee the table is empty when
// calling Resize (ForwardPass does this between frames).
func (h *Hash) Resize(newCapacity int) {
	newCapacity = max(newCapacity, 128)
	newCapacity = 1 << bits.Len(uint(newCapacity-1))
	if newCapacity == len(h.buckets) {
		return
	}
	h.buckets = make([]atomic.Uint64, newCapacity)
	h.clearLocked()
}

func (h *Hash) pack(key, value uint64) uint64 {
	return key<<h.valueBits | (value & (1<<h.valueBits - 1))
}

func (h *Hash) unpack(entry uint64) (key, value uint64) {
	return entry >> h.valueBits, entry & (1<<h.valueBits - 1)
}

func (h *Hash) mix(key uint64) uint64 {
	// A cheap avalanche mix (splitmix64 finalizer) so keys that differ only
	// in their low bits still spread across buckets.
	key ^= key >> 33
	key *= 0xff51afd7ed558ccd
	key ^= key >> 33
	key *= 0xc4ceb9fe1a85ec53
	key ^= key >> 33
	return key
}

func (h *Hash) startSlot(key uint64) int {
	return int(h.mix(key)) & (len(h.buckets) - 1)
}

// Insert attempts to add key with the given value. It returns true if the
// key was newly inserted, false if it was already present (in which case
// its value is left unchanged).
func (h *Hash) Insert(key, value uint64) bool {
	if key >= uint64(1)<<uint(h.keyBits) {
		panic(errors.Errorf("statehash: key %d does not fit in %d bits", key, h.keyBits))
	}
	if key == h.emptyKey {
		panic(errors.Errorf("statehash: key %d collides with the reserved empty sentinel", key))
	}
	mask := len(h.buckets) - 1
	start := h.startSlot(key)
	for i := 0; i < len(h.buckets); i++ {
		pos := (start + i) & mask
		bucket := &h.buckets[pos]
		for {
			old := bucket.Load()
			oldKey, _ := h.unpack(old)
			if oldKey == key {
				return false
			}
			if oldKey != h.emptyKey {
				break // occupied by another key, keep probing
			}
			if bucket.CompareAndSwap(old, h.pack(key, value)) {
				return true
			}
			// Someone else raced us for this slot; re-examine it.
		}
	}
	panic(errors.Errorf("statehash: table full at capacity %d", len(h.buckets)))
}

// Find returns the value stored for key, and whether it was present.
func (h *Hash) Find(key uint64) (uint64, bool) {
	mask := len(h.buckets) - 1
	start := h.startSlot(key)
	for i := 0; i < len(h.buckets); i++ {
		pos := (start + i) & mask
		entry := h.buckets[pos].Load()
		entryKey, value := h.unpack(entry)
		if entryKey == key {
			return value, true
		}
		if entryKey == h.emptyKey {
			return 0, false
		}
	}
	return 0, false
}

// SetValueAt overwrites the value stored for key, leaving the key itself
// untouched. It is used by ForwardPass to rewrite a winning arc index into
// a next-frame state index after allocation. It panics (an
// InternalInvariantViolated condition at the caller) if key is not present.
func (h *Hash) SetValueAt(key, value uint64) {
	mask := len(h.buckets) - 1
	start := h.startSlot(key)
	for i := 0; i < len(h.buckets); i++ {
		pos := (start + i) & mask
		bucket := &h.buckets[pos]
		for {
			old := bucket.Load()
			oldKey, _ := h.unpack(old)
			if oldKey == h.emptyKey {
				panic(errors.Errorf("statehash: SetValueAt on missing key %d", key))
			}
			if oldKey != key {
				break
			}
			if bucket.CompareAndSwap(old, h.pack(key, value)) {
				return
			}
		}
	}
	panic(errors.Errorf("statehash: SetValueAt on missing key %d", key))
}

// Delete removes key from the table, if present. Deleting a key that is not
// present is a no-op. Delete probes past empty slots, so the keys inserted
// in one frame can be deleted in any order. The slot it frees is left
// empty, which ends the probe of a later Find, SetValueAt or Insert of
// another key: those are reliable only before the first Delete since the
// table was last empty.
func (h *Hash) Delete(key uint64) {
	mask := len(h.buckets) - 1
	start := h.startSlot(key)
	empty := h.pack(h.emptyKey, 0)
	for i := 0; i < len(h.buckets); i++ {
		pos := (start + i) & mask
		bucket := &h.buckets[pos]
		for {
			old := bucket.Load()
			oldKey, _ := h.unpack(old)
			// An empty slot does not end the search: an earlier Delete may
			// have emptied a slot on key's probe path.
			if oldKey != key {
				break
			}
			if bucket.CompareAndSwap(old, empty) {
				return
			}
		}
	}
}

// Clear empties every bucket. Equivalent to, but cheaper than, calling
// Delete once per inserted key.
func (h *Hash) Clear() {
	h.clearLocked()
}

// IsEmpty reports whether the table currently has zero live entries. Used
// by tests to check the "hash is empty outside of a single frame's
// propagation step" invariant (spec.md §8).
func (h *Hash) IsEmpty() bool {
	for i := range h.buckets {
		key, _ := h.unpack(h.buckets[i].Load())
		if key != h.emptyKey {
			return false
		}
	}
	return true
}

// PackKey packs an (fsaIdx, graphStateIdx) pair into the hash key space, per
// spec.md §4.1: key = fsaIdx*graphStateCount + graphStateIdx + 1 (the +1
// keeps key 0 unused; ChooseKeyBits picks a width whose all-ones empty
// sentinel, emptyKeyFor, lies above every key).
func PackKey(fsaIdx, graphStateIdx, graphStateCount int32) uint64 {
	return uint64(fsaIdx)*uint64(graphStateCount) + uint64(graphStateIdx) + 1
}
