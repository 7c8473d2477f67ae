// Package sockrelay implements the one-shot Unix-domain-socket
// rendezvous used to hand shared memory region file descriptors from
// the target process to the agent process (spec.md §4.3, Linux only).
// Per spec.md §4.3, the exchange server runs on the agent side: it
// creates the socket, waits for a single connection, and receives a
// stream of (region_id -> fd, size) tuples the target pushes
// unsolicited; the target may later re-request a region it already
// pushed (e.g. after closing its own local fd) as a "reverse query"
// over the same connection. It is grounded directly on the teacher's
// vhostuser package, which solves the same fd-handoff problem
// (passing virtqueue memory fds over a Unix socket) with the same
// syscalls: ReadMsgUnix, ParseSocketControlMessage, ParseUnixRights.
package sockrelay

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/mlos-go/mlos/mlosterr"
)

// hostOrder is the wire byte order for sockrelay's fixed-size
// envelope; little-endian throughout, same as frame and channel.
var hostOrder = binary.LittleEndian

// RegionID names one shared memory region being relayed, matching the
// GlobalRegionHeader.named_memory_region_table slots spec.md §3
// defines. It is carried on the wire as the envelope's
// memory_region_type field; memory_region_index is always 0 in this
// module (there is exactly one instance of each region type), left in
// the envelope for a future multi-instance extension.
type RegionID uint32

const (
	socketName     = "mlos.sock"
	openedMarker   = "mlos.sock.opened"
	dialRetryEvery = 20 * time.Millisecond
	dialTimeout    = 2 * time.Second
)

// msgKind distinguishes the envelope's three roles on the wire.
type msgKind byte

const (
	msgKindPush msgKind = 1 + iota
	msgKindRequest
	msgKindReply
)

// envelopeSize is spec.md §6's 32-byte fixed envelope:
// memory_region_type (u32), memory_region_index (u32),
// memory_region_size (u64), contains_fd (bool), msg_kind, reserved.
const envelopeSize = 32

type envelope struct {
	regionType  uint32
	regionIndex uint32
	regionSize  uint64
	containsFD  bool
	kind        msgKind
}

func (e envelope) encode() [envelopeSize]byte {
	var buf [envelopeSize]byte
	hostOrder.PutUint32(buf[0:4], e.regionType)
	hostOrder.PutUint32(buf[4:8], e.regionIndex)
	hostOrder.PutUint64(buf[8:16], e.regionSize)
	if e.containsFD {
		buf[16] = 1
	}
	buf[17] = byte(e.kind)
	// buf[18:32] left zero: reserved.
	return buf
}

func decodeEnvelope(buf []byte) (envelope, error) {
	if len(buf) < envelopeSize {
		return envelope{}, fmt.Errorf("sockrelay: %w: envelope too short (%d bytes)", mlosterr.ErrInvalidFrame, len(buf))
	}
	return envelope{
		regionType:  hostOrder.Uint32(buf[0:4]),
		regionIndex: hostOrder.Uint32(buf[4:8]),
		regionSize:  hostOrder.Uint64(buf[8:16]),
		containsFD:  buf[16] != 0,
		kind:        msgKind(buf[17]),
	}, nil
}

func extractFD(oob []byte) (int, error) {
	if len(oob) == 0 {
		return 0, fmt.Errorf("sockrelay: %w: push envelope carried no ancillary data", mlosterr.ErrInvalidFrame)
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, fmt.Errorf("sockrelay: parse control message: %w", err)
	}
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return 0, fmt.Errorf("sockrelay: parse rights: %w", err)
		}
		if len(fds) > 0 {
			return fds[0], nil
		}
	}
	return 0, fmt.Errorf("sockrelay: %w: no fd in control message", mlosterr.ErrInvalidFrame)
}

type receivedFD struct {
	fd   int
	size int64
}

// Server is the agent-side half: it listens for the target's single
// connection, stores every region the target pushes, and answers
// reverse queries for a region it already received (spec.md §4.3).
type Server struct {
	log       *zap.Logger
	socketDir string
	listener  *net.UnixListener

	mu       sync.Mutex
	received map[RegionID]receivedFD
	waiters  map[RegionID][]chan struct{}
}

// NewServer creates socketDir if needed, removes any stale socket left
// behind by a crashed previous agent, and binds+listens via
// net.ListenUnix, which uses the system's default backlog rather than a
// backlog of 1; Serve accepts exactly one connection (spec.md §4.3: one
// connection is ever expected, from this agent's paired target), then writes the opened marker so a target
// waiting to dial knows the socket is ready.
func NewServer(socketDir string, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(socketDir, 0o700); err != nil {
		return nil, fmt.Errorf("sockrelay: mkdir %s: %w", socketDir, err)
	}

	sockPath := filepath.Join(socketDir, socketName)
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("sockrelay: removing stale socket: %w", err)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: sockPath, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("sockrelay: listen %s: %w", sockPath, err)
	}

	markerPath := filepath.Join(socketDir, openedMarker)
	if f, err := os.Create(markerPath); err == nil {
		f.Close()
	} else {
		log.Warn("could not write opened marker", zap.Error(err))
	}

	return &Server{
		log:       log,
		socketDir: socketDir,
		listener:  ln,
		received:  make(map[RegionID]receivedFD),
		waiters:   make(map[RegionID][]chan struct{}),
	}, nil
}

// Serve accepts the single expected connection and processes pushes
// and reverse queries on it until ctx is cancelled or the target
// disconnects. It is meant to run inside an errgroup.Group the way the
// teacher's device code runs one goroutine per kicked virtqueue.
func (s *Server) Serve(ctx context.Context) error {
	defer s.listener.Close()

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	conn, err := s.listener.AcceptUnix()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("sockrelay: accept: %w", err)
	}
	defer conn.Close()
	// Closing conn on cancellation unblocks handleOne's pending read.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		if err := s.handleOne(conn); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Server) handleOne(conn *net.UnixConn) error {
	var buf [envelopeSize]byte
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := conn.ReadMsgUnix(buf[:], oob[:])
	if err != nil {
		return err
	}
	env, err := decodeEnvelope(buf[:n])
	if err != nil {
		return err
	}
	regionID := RegionID(env.regionType)

	switch env.kind {
	case msgKindPush:
		fd, err := extractFD(oob[:oobn])
		if err != nil {
			return err
		}
		s.store(regionID, fd, int64(env.regionSize))
		return nil
	case msgKindRequest:
		entry, ok := s.lookup(regionID)
		return s.reply(conn, regionID, entry, ok)
	default:
		return fmt.Errorf("sockrelay: %w: unknown message kind %d", mlosterr.ErrInvalidFrame, env.kind)
	}
}

func (s *Server) store(regionID RegionID, fd int, size int64) {
	s.mu.Lock()
	s.received[regionID] = receivedFD{fd: fd, size: size}
	waiters := s.waiters[regionID]
	delete(s.waiters, regionID)
	s.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

func (s *Server) lookup(regionID RegionID) (receivedFD, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.received[regionID]
	return entry, ok
}

func (s *Server) reply(conn *net.UnixConn, regionID RegionID, entry receivedFD, ok bool) error {
	env := envelope{regionType: uint32(regionID), containsFD: ok, kind: msgKindReply}
	if ok {
		env.regionSize = uint64(entry.size)
	}
	buf := env.encode()

	if !ok {
		_, err := conn.Write(buf[:])
		return err
	}
	oob := unix.UnixRights(entry.fd)
	_, _, err := conn.WriteMsgUnix(buf[:], oob, nil)
	return err
}

// WaitFor blocks until the target has pushed regionID, or ctx is done.
// It is the local, in-process counterpart to a reverse query: the
// agent process calls this directly on its own Server rather than
// dialing itself, since Server already holds every fd the target
// pushed (spec.md §4.7 bootstrap note). The returned fd is a duplicate
// the caller owns and may close; the Server keeps its own copy for
// reverse queries.
func (s *Server) WaitFor(ctx context.Context, regionID RegionID) (fd int, size int64, err error) {
	for {
		s.mu.Lock()
		if entry, ok := s.received[regionID]; ok {
			s.mu.Unlock()
			dup, err := unix.Dup(entry.fd)
			if err != nil {
				return 0, 0, fmt.Errorf("sockrelay: dup fd for region %d: %w", regionID, err)
			}
			return dup, entry.size, nil
		}
		ch := make(chan struct{})
		s.waiters[regionID] = append(s.waiters[regionID], ch)
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return 0, 0, fmt.Errorf("sockrelay: waiting for region %d: %w", regionID, ctx.Err())
		}
	}
}

// Close releases the listening socket without waiting for Serve to
// observe context cancellation, used during forced teardown.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Client is the target-side half: it dials the agent's rendezvous
// socket, pushes each region it creates, and can later re-request one
// it already pushed (spec.md §4.3's "reverse queries from the
// target").
type Client struct {
	conn *net.UnixConn
}

// Dial connects to the agent's socket under socketDir, retrying for up
// to dialTimeout: the agent's Server may still be mid-startup (creating
// its socket and writing the opened marker) when the target is ready
// to connect.
func Dial(socketDir string) (*Client, error) {
	sockPath := filepath.Join(socketDir, socketName)

	deadline := time.Now().Add(dialTimeout)
	var lastErr error
	for {
		conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: sockPath, Net: "unix"})
		if err == nil {
			return &Client{conn: conn}, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("sockrelay: dial %s: %w", sockPath, lastErr)
		}
		time.Sleep(dialRetryEvery)
	}
}

// Send pushes fd/size for regionID to the connected Server, the
// unsolicited tuple spec.md §4.3 describes the target sending as soon
// as each region exists.
func (c *Client) Send(regionID RegionID, fd int, size int64) error {
	env := envelope{regionType: uint32(regionID), regionSize: uint64(size), containsFD: true, kind: msgKindPush}
	buf := env.encode()
	oob := unix.UnixRights(fd)
	if _, _, err := c.conn.WriteMsgUnix(buf[:], oob, nil); err != nil {
		return fmt.Errorf("sockrelay: send region %d: %w", regionID, err)
	}
	return nil
}

// Request performs a reverse query for regionID: asks the Server for
// an fd it previously received over Send, used when the target needs
// the descriptor back (e.g. it closed its own local copy after
// handing it off). ok is false (no error) if the server never
// received that region.
func (c *Client) Request(regionID RegionID) (fd int, size int64, ok bool, err error) {
	req := envelope{regionType: uint32(regionID), kind: msgKindRequest}.encode()
	if _, err := c.conn.Write(req[:]); err != nil {
		return 0, 0, false, fmt.Errorf("sockrelay: request: %w", err)
	}

	var buf [envelopeSize]byte
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := c.conn.ReadMsgUnix(buf[:], oob[:])
	if err != nil {
		return 0, 0, false, fmt.Errorf("sockrelay: reply: %w", err)
	}
	env, err := decodeEnvelope(buf[:n])
	if err != nil {
		return 0, 0, false, err
	}
	if !env.containsFD {
		return 0, 0, false, nil
	}
	fd, err = extractFD(oob[:oobn])
	if err != nil {
		return 0, 0, false, err
	}
	return fd, int64(env.regionSize), true, nil
}

// Close disconnects from the server.
func (c *Client) Close() error { return c.conn.Close() }

// RunServer is a convenience wrapper for wiring a Server into an
// errgroup.Group alongside the rest of a mlosctx.Context's goroutines.
func RunServer(g *errgroup.Group, ctx context.Context, s *Server) {
	g.Go(func() error { return s.Serve(ctx) })
}
