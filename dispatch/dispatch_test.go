package dispatch

import (
	"errors"
	"testing"

	"github.com/mlos-go/mlos/frame"
	"github.com/mlos-go/mlos/mlosterr"
)

type staticRegistry struct {
	base    uint32
	entries []Entry
}

func (r staticRegistry) BaseIndex() uint32 { return r.base }
func (r staticRegistry) Entries() []Entry  { return r.entries }

func TestDispatchRoutesToRegisteredCallback(t *testing.T) {
	var got []byte
	table := NewTable(nil, nil)

	reg := staticRegistry{
		base: 2,
		entries: []Entry{
			{TypeHash: 0xABCD, Callback: func(p []byte) error { got = p; return nil }},
		},
	}
	if err := table.AddRegistry(reg); err != nil {
		t.Fatal(err)
	}

	payload := []byte("hello")
	table.Dispatch(2, 0xABCD, 0, payload, nil)
	if string(got) != "hello" {
		t.Fatalf("callback payload = %q", got)
	}
}

func TestAddRegistryRejectsNonContiguousBase(t *testing.T) {
	table := NewTable(nil, nil)
	reg := staticRegistry{base: 5, entries: []Entry{{}}}
	if err := table.AddRegistry(reg); !errors.Is(err, mlosterr.ErrInvalidBaseIndex) {
		t.Fatalf("err = %v, want ErrInvalidBaseIndex", err)
	}
}

func TestDispatchSkipsLinkFrame(t *testing.T) {
	called := false
	table := NewTable(func(typeIndex uint32, reason error) { called = true }, nil)
	table.Dispatch(0, 0, 0, nil, nil)
	if called {
		t.Fatal("policy invoked for a link frame")
	}
}

func TestDispatchRunsPolicyOnHashMismatch(t *testing.T) {
	var reason error
	table := NewTable(func(typeIndex uint32, r error) { reason = r }, nil)
	reg := staticRegistry{base: 2, entries: []Entry{{TypeHash: 0x1111, Callback: func([]byte) error { return nil }}}}
	if err := table.AddRegistry(reg); err != nil {
		t.Fatal(err)
	}

	table.Dispatch(2, 0x2222, 0, nil, nil)
	if !errors.Is(reason, mlosterr.ErrInvalidFrame) {
		t.Fatalf("policy reason = %v, want ErrInvalidFrame", reason)
	}
}

func TestDispatchRunsPolicyOnVariableDataFailure(t *testing.T) {
	var reason error
	table := NewTable(func(typeIndex uint32, r error) { reason = r }, nil)
	reg := staticRegistry{base: 2, entries: []Entry{{Callback: func([]byte) error { return nil }}}}
	if err := table.AddRegistry(reg); err != nil {
		t.Fatal(err)
	}

	badRefs := []frame.VarFieldRef{{Offset: 4, Length: 100}}
	table.Dispatch(2, 0, 16, make([]byte, 16), badRefs)
	if !errors.Is(reason, mlosterr.ErrInvalidFrame) {
		t.Fatalf("policy reason = %v, want ErrInvalidFrame", reason)
	}
}

func TestRegisterSettingsAssemblyInvokesResolver(t *testing.T) {
	var resolvedName string
	table := NewTable(nil, func(name string) { resolvedName = name })

	table.Dispatch(registerSettingsAssemblyTypeIndex, 0, 0, []byte("my_assembly"), nil)
	if resolvedName != "my_assembly" {
		t.Fatalf("resolvedName = %q", resolvedName)
	}
}
