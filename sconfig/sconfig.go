// Package sconfig implements the shared configuration dictionary
// (spec.md §4.6): a fixed-capacity open-addressed hash table with
// linear probing living directly inside shared memory, backed by a
// bump allocator that never frees. Inserts follow a single-writer
// discipline (the target process); lookups are multi-reader safe.
package sconfig

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"unsafe"

	"github.com/mlos-go/mlos/mlosterr"
)

// entryHeaderSize is the 8-byte ConfigEntry header from spec.md §6:
// offset 0 u32 config_id (atomic), offset 4 u32 codegen_type_index.
const entryHeaderSize = 8

// Key is implemented by callers' codegen-produced key types; HashKey
// picks the slot, TypeIndex+CompareKey disambiguate hash collisions
// against whatever entry currently occupies that slot.
type Key interface {
	HashKey() uint64
	TypeIndex() uint32
	CompareKey(h Handle) bool
}

// Value is implemented by callers' codegen-produced config value types:
// the serialized form of a config struct, fixed part first.
type Value interface {
	TypeIndex() uint32
	FixedSize() uint32
	Variable() []VariableField
	WriteFixed(buf []byte)
}

// VariableField pairs a value's variable-length data with the byte
// offset (within the entry's fixed part) of the VarFieldRef slot that
// should point at it, the same shape as frame.VariableField — kept as
// its own type so sconfig doesn't need to import package frame just
// for this one struct.
type VariableField struct {
	FieldOffset uint32
	Data        []byte
}

// Handle is a materialized view over one entry in the dictionary's
// allocator region. The zero Handle is invalid (Valid() == false).
type Handle struct {
	base []byte // entryHeaderSize + fixed + variable, from region_base-relative allocator offset
	slot uint32 // the dictionary slot this handle would occupy on insert
}

// Valid reports whether the handle refers to a real entry.
func (h Handle) Valid() bool { return h.base != nil }

// Slot returns the dictionary slot index the probe sequence stopped at
// (the occupied slot on a hit, the empty one on a miss), valid on both (spec.md §4.6 step 3: "a handle whose
// valid() is false and whose slot index is slot, to support insertion").
func (h Handle) Slot() uint32 { return h.slot }

// ConfigID returns the entry's generation counter, bumped on every
// Update call; pollable by the other process to detect changes.
func (h Handle) ConfigID() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&h.base[0])))
}

// TypeIndex returns the entry's codegen type index.
func (h Handle) TypeIndex() uint32 {
	return binary.LittleEndian.Uint32(h.base[4:8])
}

// Fixed returns the entry's fixed-size payload bytes (after the
// 8-byte header), for the caller's codegen accessor to interpret.
func (h Handle) Fixed(size uint32) []byte {
	return h.base[entryHeaderSize : entryHeaderSize+size]
}

// Payload returns the entry's full payload (fixed + variable tail).
func (h Handle) Payload() []byte {
	return h.base[entryHeaderSize:]
}

// allocatorHeader holds next_free_offset, the bump allocator's cursor,
// stored just after the slot table in the dictionary region (spec.md
// §3's "allocator... with a next_free_offset (atomic u32)").
type allocatorHeader struct {
	nextFreeOffset atomic.Uint32
}

// Dictionary is the open-addressed hash table plus its bump allocator,
// both carved out of a single shared memory region view.
type Dictionary struct {
	slots     []uint32 // capacity entries, each a byte offset into allocBase or 0
	allocHdr  *allocatorHeader
	allocBase []byte // the bump-allocated arena, offsets in slots[] are relative to this
	capacity  uint32
}

// Open carves a Dictionary out of region, whose first
// 4*capacity bytes hold the slot table, immediately followed by the
// allocator header and then the bump-allocated arena.
func Open(region []byte, capacity uint32) (*Dictionary, error) {
	slotsBytes := int(capacity) * 4
	hdrSize := int(unsafe.Sizeof(allocatorHeader{}))
	if len(region) < slotsBytes+hdrSize {
		return nil, fmt.Errorf("sconfig: region too small for capacity %d", capacity)
	}
	slots := unsafe.Slice((*uint32)(unsafe.Pointer(&region[0])), capacity)
	hdr := (*allocatorHeader)(unsafe.Pointer(&region[slotsBytes]))
	arena := region[slotsBytes+hdrSize:]

	return &Dictionary{slots: slots, allocHdr: hdr, allocBase: arena, capacity: capacity}, nil
}

// FNV1a64 is the default key hash function named in spec.md §4.6.
func FNV1a64(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

// Lookup implements the probe sequence of spec.md §4.6: starting at
// hash mod capacity, linear-probe until an empty slot (miss) or a slot
// whose occupant matches key's type index and CompareKey (hit).
func (d *Dictionary) Lookup(key Key) (Handle, bool) {
	hash := key.HashKey()
	for probe := uint64(0); probe < uint64(d.capacity); probe++ {
		slot := uint32((hash + probe) % uint64(d.capacity))
		off := atomic.LoadUint32(&d.slots[slot])
		if off == 0 {
			return Handle{slot: slot}, false
		}
		h := d.handleAt(off, slot)
		if h.TypeIndex() == key.TypeIndex() && key.CompareKey(h) {
			return h, true
		}
	}
	return Handle{}, false
}

func (d *Dictionary) handleAt(offset, slot uint32) Handle {
	return Handle{base: d.allocBase[offset:], slot: slot}
}

// Insert allocates and serializes value for key, publishing it into the
// slot Lookup would report a miss at. Insert is single-writer: only the
// target process may call it (spec.md §9 open question resolution);
// concurrent Lookup calls from any process are always safe.
func (d *Dictionary) Insert(key Key, value Value) (Handle, error) {
	miss, found := d.Lookup(key)
	if found {
		return Handle{}, fmt.Errorf("sconfig: %w", mlosterr.ErrAlreadyPresent)
	}

	varFields := value.Variable()
	varSize := uint32(0)
	for _, f := range varFields {
		varSize += uint32(len(f.Data))
	}
	total := entryHeaderSize + value.FixedSize() + varSize

	// Slot value 0 marks an empty slot, so arena offset 0 is never
	// handed out: the first entry starts at entryHeaderSize.
	d.allocHdr.nextFreeOffset.CompareAndSwap(0, entryHeaderSize)
	offset := d.allocHdr.nextFreeOffset.Add(total) - total
	entry := d.allocBase[offset : offset+total]

	binary.LittleEndian.PutUint32(entry[0:4], 1) // config_id starts at 1
	binary.LittleEndian.PutUint32(entry[4:8], value.TypeIndex())
	fixed := entry[entryHeaderSize : entryHeaderSize+value.FixedSize()]
	value.WriteFixed(fixed)

	cursor := entryHeaderSize + value.FixedSize()
	for _, f := range varFields {
		binary.LittleEndian.PutUint64(fixed[f.FieldOffset:], uint64(cursor))
		binary.LittleEndian.PutUint64(fixed[f.FieldOffset+8:], uint64(len(f.Data)))
		copy(entry[cursor:], f.Data)
		cursor += uint32(len(f.Data))
	}

	atomic.StoreUint32(&d.slots[miss.slot], offset) // release publish of the new entry
	return d.handleAt(offset, miss.slot), nil
}

// Update bumps an existing entry's config_id generation counter and
// runs mutate against its handle so the caller can overwrite
// schema-defined fields in place (spec.md §4.6: "Updates to individual
// config fields use the field-level atomics defined by the schema").
func (d *Dictionary) Update(h Handle, mutate func(Handle)) error {
	if !h.Valid() {
		return fmt.Errorf("sconfig: %w", mlosterr.ErrKeyNotFound)
	}
	mutate(h)
	atomic.AddUint32((*uint32)(unsafe.Pointer(&h.base[0])), 1)
	return nil
}
