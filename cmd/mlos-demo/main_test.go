package main

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mlos-go/mlos/mlosctx"
)

// TestTargetAgentExchange drives a target and an agent in two
// goroutines within this test process, standing in for the two OS
// processes a real deployment would use (spec.md scenario E1's
// control-channel half: one target-to-agent message, plus a config
// value becoming visible to the other side).
func TestTargetAgentExchange(t *testing.T) {
	name := "mlos-demo-test-" + t.Name()
	log := zaptest.NewLogger(t)

	target, err := mlosctx.NewTarget(mlosctx.WithName(name), mlosctx.WithLogger(log))
	if err != nil {
		t.Skipf("NewTarget: %v (requires /dev/shm + futex support)", err)
	}
	defer target.Detach()
	if err := target.Attach(); err != nil {
		t.Fatal(err)
	}

	agent, err := mlosctx.NewAgent(mlosctx.WithName(name), mlosctx.WithLogger(log))
	if err != nil {
		t.Fatal(err)
	}
	defer agent.Detach()

	received := make(chan string, 1)
	if err := agent.DispatchTable().AddRegistry(greetingRegistry{
		base: greetingTypeIndex,
		callback: func(payload []byte) error {
			received <- string(payload)
			return nil
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := agent.Attach(); err != nil {
		t.Fatal(err)
	}

	key := demoKey{name: "greeting_count"}
	val := demoValue{name: "greeting_count", count: 1}
	if _, err := target.ConfigDictionary().Insert(key, val); err != nil {
		t.Fatal(err)
	}

	off, payload, err := target.ControlChannel().Acquire(greetingTypeIndex, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	copy(payload, "hello")
	target.ControlChannel().Publish(off)

	select {
	case msg := <-received:
		// The 5-byte payload arrives padded to the channel's 4-byte
		// frame alignment.
		if msg != "hello\x00\x00\x00" {
			t.Fatalf("agent received %q, want %q", msg, "hello\x00\x00\x00")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent never dispatched the greeting")
	}

	h, ok := agent.ConfigDictionary().Lookup(key)
	if !ok {
		t.Fatal("agent could not look up the config value the target inserted")
	}
	if h.ConfigID() != 1 {
		t.Fatalf("config id = %d, want 1", h.ConfigID())
	}
}
