// Package frame implements the variable-length tail codec layered on
// top of package channel's raw frame exchange (spec.md §4.5). A
// message's fixed-size part is serialized directly into the frame
// payload; any variable-length data (strings, arrays of strings) is
// appended after it and referenced from the fixed part by
// (offset, byte_length) pairs in the style of a flat buffer. The offset
// is counted from the start of the payload, not from the field that
// holds the reference.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/mlos-go/mlos/mlosterr"
)

// VarFieldRef is one (offset, byte_length) pair as laid out on the
// wire: 8+8 bytes, little-endian, read directly out of the fixed part
// of a payload. Offset is counted from the start of the payload, not
// from the field the ref is stored in.
type VarFieldRef struct {
	Offset uint64
	Length uint64
}

// varFieldRefSize is the wire size of one VarFieldRef.
const varFieldRefSize = 16

// PutVarFieldRef writes ref at byte offset fieldOffset within payload.
func PutVarFieldRef(payload []byte, fieldOffset uint32, ref VarFieldRef) {
	binary.LittleEndian.PutUint64(payload[fieldOffset:], ref.Offset)
	binary.LittleEndian.PutUint64(payload[fieldOffset+8:], ref.Length)
}

// GetVarFieldRef reads the VarFieldRef stored at byte offset
// fieldOffset within payload.
func GetVarFieldRef(payload []byte, fieldOffset uint32) VarFieldRef {
	return VarFieldRef{
		Offset: binary.LittleEndian.Uint64(payload[fieldOffset:]),
		Length: binary.LittleEndian.Uint64(payload[fieldOffset+8:]),
	}
}

// VariableField pairs a string (or arbitrary byte) value with the
// offset, relative to the start of the payload, of the VarFieldRef slot
// in the fixed part that should point at it.
type VariableField struct {
	FieldOffset uint32
	Data        []byte
}

// EncodeVariableTail appends each field's Data after fixedSize bytes of
// already-serialized fixed payload, writing the corresponding
// VarFieldRef into the fixed part as it goes, and returns the total
// payload (fixed + variable tail).
//
// payload must already be fixedSize bytes with the fixed fields
// populated and must have capacity for the full variable tail.
func EncodeVariableTail(payload []byte, fixedSize uint32, fields []VariableField) []byte {
	out := payload[:fixedSize]
	cursor := fixedSize
	for _, f := range fields {
		ref := VarFieldRef{Offset: uint64(cursor), Length: uint64(len(f.Data))}
		PutVarFieldRef(out, f.FieldOffset, ref)
		out = append(out, f.Data...)
		cursor += uint32(len(f.Data))
	}
	return out
}

// VerifyVariableData checks that every ref in refs describes a byte
// range that lies wholly within the variable-tail region of a payload
// of length payloadLen (i.e. within [fixedSize, payloadLen)), that no
// two ranges overlap, and that every length is representable without
// overflow (spec.md §4.5). It is called before any callback runs; a
// failing frame is still reclaimed by the caller, just never dispatched.
func VerifyVariableData(payloadLen, fixedSize uint32, refs []VarFieldRef) error {
	type span struct{ lo, hi uint64 }
	spans := make([]span, 0, len(refs))

	for i, r := range refs {
		if r.Offset < uint64(fixedSize) {
			return fmt.Errorf("frame: field %d offset %d precedes fixed section (%d): %w", i, r.Offset, fixedSize, mlosterr.ErrInvalidFrame)
		}
		end := r.Offset + r.Length
		if end < r.Offset {
			return fmt.Errorf("frame: field %d length %d overflows: %w", i, r.Length, mlosterr.ErrInvalidFrame)
		}
		if end > uint64(payloadLen) {
			return fmt.Errorf("frame: field %d range [%d,%d) exceeds payload length %d: %w", i, r.Offset, end, payloadLen, mlosterr.ErrInvalidFrame)
		}
		spans = append(spans, span{r.Offset, end})
	}

	for i := 0; i < len(spans); i++ {
		for j := i + 1; j < len(spans); j++ {
			if spans[i].lo < spans[j].hi && spans[j].lo < spans[i].hi {
				return fmt.Errorf("frame: fields %d and %d overlap: %w", i, j, mlosterr.ErrInvalidFrame)
			}
		}
	}
	return nil
}

// IsLinkFrame reports whether typeIndex identifies a link (padding)
// frame, which the codec must zero-fill and never dispatch (spec.md
// §4.5).
func IsLinkFrame(typeIndex uint32) bool {
	return typeIndex == 0
}
