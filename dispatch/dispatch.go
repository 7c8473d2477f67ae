// Package dispatch implements the type-index-range dispatch table that
// routes a decoded frame to the callback its schema registered (spec.md
// §4.8): a state machine that starts empty, is seeded with the
// intrinsic control-message registry, and is extended at runtime as
// registries announce themselves over the control channel.
package dispatch

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mlos-go/mlos/frame"
	"github.com/mlos-go/mlos/mlosterr"
)

// Entry binds one message type's hash to the callback that handles it.
// TypeHash is checked against the frame's header before Callback runs,
// guarding against a stale or mismatched codegen build (spec.md §4.8
// "type hash mismatch").
type Entry struct {
	TypeHash uint64
	Callback func(payload []byte) error
}

// SchemaRegistry is implemented by each codegen-produced schema
// package; BaseIndex is the first type index this registry owns, and
// Entries()[i] handles type index BaseIndex+i.
type SchemaRegistry interface {
	BaseIndex() uint32
	Entries() []Entry
}

// tableState names the three states spec.md §4.8 describes.
type tableState int

const (
	stateEmpty tableState = iota
	stateSeeded
	stateExtended
)

// registerSettingsAssemblyTypeIndex is the intrinsic control message
// (seeded into every Table) that lets a registry announce itself
// in-band over the control channel after startup, letting the table
// move from seeded to extended without a process restart (spec.md
// §4.8's "possibly announced dynamically").
const registerSettingsAssemblyTypeIndex = 1

// InvalidFramePolicy decides what happens when Dispatch receives a
// frame whose type index, hash, or variable-tail layout fails
// validation. Spec.md §7 leaves this a "process-wide setting"; it is
// modeled here as a pluggable function rather than a fixed enum so a
// host can wire its own shutdown path into the fail-fast case.
type InvalidFramePolicy func(typeIndex uint32, reason error)

// LogAndContinue is the default InvalidFramePolicy: log via the given
// logger and keep the table running.
func LogAndContinue(log *zap.Logger) InvalidFramePolicy {
	if log == nil {
		log = zap.NewNop()
	}
	return func(typeIndex uint32, reason error) {
		log.Warn("received invalid frame", zap.Uint32("type_index", typeIndex), zap.Error(reason))
	}
}

// FailFast builds an InvalidFramePolicy that calls shutdown once and
// then behaves like LogAndContinue for any further invalid frame
// (shutdown is expected to be idempotent, e.g. mlosctx.Context.Detach).
func FailFast(log *zap.Logger, shutdown func()) InvalidFramePolicy {
	fallback := LogAndContinue(log)
	var once sync.Once
	return func(typeIndex uint32, reason error) {
		fallback(typeIndex, reason)
		once.Do(shutdown)
	}
}

type registryRange struct {
	base    uint32
	entries []Entry
}

// Table is the dispatch table: a sorted-by-base-index list of
// registered ranges, plus the intrinsic registration entry always
// present at type index 1.
type Table struct {
	state    tableState
	ranges   []registryRange
	policy   InvalidFramePolicy
	onExtend func(assemblyName string)
}

// NewTable builds an empty table and immediately seeds it with the
// intrinsic register_settings_assembly entry at type index 1,
// transitioning empty -> seeded (spec.md §4.8). onExtend is invoked
// with the assembly name whenever that control message arrives; it is
// the host's job (typically mlosctx.Context) to resolve the name to a
// SchemaRegistry, load it (e.g. via the plugin package), and call
// AddRegistry. onExtend may be nil if the host never expects in-band
// registration.
func NewTable(policy InvalidFramePolicy, onExtend func(assemblyName string)) *Table {
	if policy == nil {
		policy = LogAndContinue(nil)
	}
	t := &Table{state: stateEmpty, policy: policy, onExtend: onExtend}
	t.ranges = append(t.ranges, registryRange{
		base: registerSettingsAssemblyTypeIndex,
		entries: []Entry{{
			TypeHash: 0, // the intrinsic message's hash is fixed, not schema-generated
			Callback: func(payload []byte) error { return nil },
		}},
	})
	t.state = stateSeeded
	return t
}

// AddRegistry extends the table with r's entries. r.BaseIndex() must be
// exactly one past the current table's highest occupied index (spec.md
// §4.8: contiguous, non-overlapping ranges); any other value fails with
// ErrInvalidBaseIndex and leaves the table unchanged.
func (t *Table) AddRegistry(r SchemaRegistry) error {
	want := t.nextBaseIndex()
	if r.BaseIndex() != want {
		return fmt.Errorf("dispatch: registry base index %d, want %d: %w", r.BaseIndex(), want, mlosterr.ErrInvalidBaseIndex)
	}
	t.ranges = append(t.ranges, registryRange{base: r.BaseIndex(), entries: r.Entries()})
	t.state = stateExtended
	return nil
}

func (t *Table) nextBaseIndex() uint32 {
	last := t.ranges[len(t.ranges)-1]
	return last.base + uint32(len(last.entries))
}

// lookup resolves typeIndex to its Entry, or ok==false if no registered
// range covers it.
func (t *Table) lookup(typeIndex uint32) (Entry, bool) {
	for _, r := range t.ranges {
		if typeIndex >= r.base && typeIndex < r.base+uint32(len(r.entries)) {
			return r.entries[typeIndex-r.base], true
		}
	}
	return Entry{}, false
}

// Dispatch decodes and validates one frame (header already parsed by
// the caller, typically channel.AcquireRead's return values) and, if it
// passes validation, invokes the matching callback. Link frames
// (typeIndex == 0) are silently skipped: spec.md §4.5 requires the
// codec to never dispatch them. Any failure runs the table's
// InvalidFramePolicy instead of invoking a callback.
func (t *Table) Dispatch(typeIndex uint32, typeHash uint64, fixedSize uint32, payload []byte, refs []frame.VarFieldRef) {
	if frame.IsLinkFrame(typeIndex) {
		return
	}

	entry, ok := t.lookup(typeIndex)
	if !ok {
		t.policy(typeIndex, fmt.Errorf("dispatch: %w: no registry covers type index %d", mlosterr.ErrInvalidFrame, typeIndex))
		return
	}
	if entry.TypeHash != typeHash {
		t.policy(typeIndex, fmt.Errorf("dispatch: %w: type hash mismatch for index %d", mlosterr.ErrInvalidFrame, typeIndex))
		return
	}
	if err := frame.VerifyVariableData(uint32(len(payload)), fixedSize, refs); err != nil {
		t.policy(typeIndex, err)
		return
	}

	if typeIndex == registerSettingsAssemblyTypeIndex {
		t.handleRegisterSettingsAssembly(payload)
		return
	}

	if err := entry.Callback(payload); err != nil {
		t.policy(typeIndex, fmt.Errorf("dispatch: callback for type index %d: %w", typeIndex, err))
	}
}

// handleRegisterSettingsAssembly is the intrinsic callback behind type
// index 1: codegen registries that load after startup announce
// themselves in-band by sending this control message (a UTF-8 assembly
// name as the whole payload) instead of being passed to AddRegistry
// directly by the host process. Resolving the name to a SchemaRegistry
// (e.g. via the plugin package) and calling AddRegistry is the host's
// job, wired in through onExtend.
func (t *Table) handleRegisterSettingsAssembly(payload []byte) {
	if t.onExtend == nil {
		return
	}
	t.onExtend(string(payload))
}
