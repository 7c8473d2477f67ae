// Command mlos-demo is a small two-role harness exercising the target
// and agent sides of an mlosshm session end to end: the target sends a
// greeting over the control channel and a config value into the shared
// dictionary, the agent dispatches the greeting and reads the config
// back out. Run two copies, one with -role=target and one with
// -role=agent, sharing -name.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/mlos-go/mlos/dispatch"
	"github.com/mlos-go/mlos/mlosctx"
	"github.com/mlos-go/mlos/mlosterr"
	"github.com/mlos-go/mlos/sconfig"
)

const greetingTypeIndex = 2

func main() {
	role := flag.String("role", "", "target or agent")
	name := flag.String("name", "mlos-demo", "shared session name")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	var log *zap.Logger
	var err error
	if *debug {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	switch *role {
	case "target":
		os.Exit(runTarget(*name, log))
	case "agent":
		os.Exit(runAgent(*name, log))
	default:
		fmt.Fprintln(os.Stderr, "Usage:\n  mlos-demo -role=target|agent -name=<shared name>")
		os.Exit(1)
	}
}

func runTarget(name string, log *zap.Logger) int {
	ctx, err := mlosctx.NewTarget(mlosctx.WithName(name), mlosctx.WithLogger(log))
	if err != nil {
		return exitCodeFor(err)
	}
	defer ctx.Detach()

	if err := ctx.Attach(); err != nil {
		return exitCodeFor(err)
	}

	key := demoKey{name: "greeting_count"}
	val := demoValue{name: "greeting_count", count: 1}
	if _, err := ctx.ConfigDictionary().Insert(key, val); err != nil && !errors.Is(err, mlosterr.ErrAlreadyPresent) {
		log.Error("config insert failed", zap.Error(err))
		return exitCodeFor(err)
	}

	off, payload, err := ctx.ControlChannel().Acquire(greetingTypeIndex, 0, 5)
	if err != nil {
		log.Error("acquire failed", zap.Error(err))
		return exitCodeFor(err)
	}
	copy(payload, "hello")
	ctx.ControlChannel().Publish(off)
	log.Info("target sent greeting")

	// Give the agent a moment to dispatch before this process exits and
	// tears the session down as the last detacher.
	time.Sleep(200 * time.Millisecond)
	return 0
}

func runAgent(name string, log *zap.Logger) int {
	ctx, err := mlosctx.NewAgent(mlosctx.WithName(name), mlosctx.WithLogger(log))
	if err != nil {
		return exitCodeFor(err)
	}
	defer ctx.Detach()

	received := make(chan string, 1)
	reg := greetingRegistry{
		base: greetingTypeIndex,
		callback: func(payload []byte) error {
			received <- string(payload)
			return nil
		},
	}
	if err := ctx.DispatchTable().AddRegistry(reg); err != nil {
		return exitCodeFor(err)
	}
	if err := ctx.Attach(); err != nil {
		return exitCodeFor(err)
	}

	select {
	case msg := <-received:
		log.Info("agent received greeting", zap.String("message", msg))
	case <-time.After(5 * time.Second):
		log.Error("timed out waiting for greeting")
		return 1
	}

	key := demoKey{name: "greeting_count"}
	h, ok := ctx.ConfigDictionary().Lookup(key)
	if !ok {
		log.Error("greeting_count missing from config dictionary")
		return 1
	}
	log.Info("agent read config", zap.Uint32("config_id", h.ConfigID()))
	return 0
}

type greetingRegistry struct {
	base     uint32
	callback func(payload []byte) error
}

func (r greetingRegistry) BaseIndex() uint32 { return r.base }
func (r greetingRegistry) Entries() []dispatch.Entry {
	return []dispatch.Entry{{TypeHash: 0, Callback: r.callback}}
}

type demoKey struct{ name string }

func (k demoKey) HashKey() uint64   { return sconfig.FNV1a64([]byte(k.name)) }
func (k demoKey) TypeIndex() uint32 { return 1 }
func (k demoKey) CompareKey(h sconfig.Handle) bool {
	fixed := h.Fixed(4)
	n := int(fixed[0])
	return string(h.Payload()[20:20+n]) == k.name
}

// demoValue's fixed part is 20 bytes: byte 0 holds the name length,
// bytes 4..20 the VarFieldRef Insert fills in; the name follows it.
type demoValue struct {
	name  string
	count uint32
}

func (v demoValue) TypeIndex() uint32 { return 1 }
func (v demoValue) FixedSize() uint32 { return 20 }
func (v demoValue) Variable() []sconfig.VariableField {
	return []sconfig.VariableField{{FieldOffset: 4, Data: []byte(v.name)}}
}
func (v demoValue) WriteFixed(buf []byte) { buf[0] = byte(len(v.name)) }

// exitCodeFor maps an mlosterr sentinel to the exit codes spec.md §6
// defines: 1 for protocol errors and for ErrUnsupported, 2 for
// not-found, permission and I/O errors, 1 as a catch-all for anything
// else (ErrAlreadyExists included).
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, mlosterr.ErrInvalidFrame),
		errors.Is(err, mlosterr.ErrInvalidBaseIndex),
		errors.Is(err, mlosterr.ErrUnsupported):
		return 1
	case errors.Is(err, mlosterr.ErrNotFound),
		errors.Is(err, mlosterr.ErrPermission),
		errors.Is(err, mlosterr.ErrIO):
		return 2
	default:
		return 1
	}
}
