package sockrelay

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestPushThenRequestRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := NewServer(dir, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDone := make(chan error, 1)
	go func() { serveDone <- s.Serve(ctx) }()

	c, err := Dial(dir)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	memFile, err := os.CreateTemp(dir, "region")
	if err != nil {
		t.Fatal(err)
	}
	defer memFile.Close()
	if err := memFile.Truncate(4096); err != nil {
		t.Fatal(err)
	}

	if err := c.Send(RegionID(1), int(memFile.Fd()), 4096); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	fd, size, err := s.WaitFor(waitCtx, RegionID(1))
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if size != 4096 {
		t.Fatalf("size = %d, want 4096", size)
	}
	if fd <= 0 {
		t.Fatalf("fd = %d, want a valid descriptor", fd)
	}
	os.NewFile(uintptr(fd), "relayed").Close()

	// Reverse query: the target re-requests a region it already pushed.
	rfd, rsize, ok, err := c.Request(RegionID(1))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !ok {
		t.Fatal("Request reported region not present after it was pushed")
	}
	if rsize != 4096 {
		t.Fatalf("reverse query size = %d, want 4096", rsize)
	}
	os.NewFile(uintptr(rfd), "relayed-reverse").Close()

	cancel()
	select {
	case <-serveDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not exit after cancellation")
	}
}

func TestRequestUnknownRegionReportsNotPresent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewServer(dir, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	c, err := Dial(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, _, ok, err := c.Request(RegionID(99))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected not-present reply for a region never pushed")
	}
}

func TestWaitForUnblocksOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	s, err := NewServer(dir, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, _, err := s.WaitFor(ctx, RegionID(7)); err == nil {
		t.Fatal("expected WaitFor to return an error once its context expires")
	}
}

func TestNewServerRemovesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, socketName)
	if err := os.WriteFile(stale, []byte("not a socket"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := NewServer(dir, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewServer did not clean up stale socket: %v", err)
	}
	s.Close()
}
