// Package mlosctx ties packages shmem, event, sockrelay, channel,
// sconfig, and dispatch into the target/agent lifecycle spec.md §4.7
// describes: a small global region bootstraps the larger control,
// feedback, and config regions, attach/detach refcounting gates
// teardown, and two errgroup-managed reader loops feed a dispatch.Table.
package mlosctx

import (
	"context"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mlos-go/mlos/channel"
	"github.com/mlos-go/mlos/dispatch"
	"github.com/mlos-go/mlos/event"
	"github.com/mlos-go/mlos/mlosterr"
	"github.com/mlos-go/mlos/sconfig"
	"github.com/mlos-go/mlos/shmem"
	"github.com/mlos-go/mlos/sockrelay"
)

// ContextTransport selects how the target hands the agent the regions
// it created: by well-known name (discoverable independently by both
// processes) or by anonymous file descriptor relayed once over
// sockrelay (spec.md §9's design note on the two supported topologies).
type ContextTransport int

const (
	NamedRegions ContextTransport = iota
	AnonymousFDs
)

const (
	defaultSignature    = 0x4D4C4F53484D0001 // "MLOSHM" + version
	namedRegionSlots    = 4
	regionNameFieldSize = 32
)

// globalRegionTableEntry is one row of the bootstrap table the agent
// reads out of the global region before mapping anything else (spec.md
// §3's named_memory_region_table, here carrying both the name an agent
// should open in NamedRegions mode and the size either mode needs to
// map the fd sockrelay hands over in AnonymousFDs mode).
type globalRegionTableEntry struct {
	name [regionNameFieldSize]byte
	size uint64
}

func (e *globalRegionTableEntry) setName(s string) {
	copy(e.name[:], s)
}

func (e *globalRegionTableEntry) getName() string {
	n := 0
	for n < len(e.name) && e.name[n] != 0 {
		n++
	}
	return string(e.name[:n])
}

// globalHeader is the fixed layout at the start of the global region:
// signature, lifecycle counters, both channels' synchronization blocks,
// and the region bootstrap table. Channel ring buffers and the config
// dictionary's slot table + arena live in their own, independently
// sized regions named/sized via regionTable.
type globalHeader struct {
	signature                      uint64
	codeTypeIndex                  uint32
	_                               uint32
	attachedProcessesCount          atomic.Uint32
	registeredSettingsAssemblyCount atomic.Uint32
	controlSync                     channel.Sync
	feedbackSync                    channel.Sync
	regionTable                     [namedRegionSlots]globalRegionTableEntry
}

const (
	regionSlotControl  = 0
	regionSlotFeedback = 1
	regionSlotConfig   = 2
	regionSlotGlobal   = 3 // only relayed in AnonymousFDs mode; bootstraps the rest
)

var globalHeaderSize = int(unsafe.Sizeof(globalHeader{}))

// Options configures a Context. NewTarget and NewAgent build it from
// defaults plus the Option values they are given, in the style of the
// teacher's fuse.MountOptions.
type Options struct {
	Name            string
	Transport       ContextTransport
	ChannelSize     datasize.ByteSize
	ConfigCapacity  uint32
	SocketDir       string
	Logger          *zap.Logger
	InvalidFramePolicy dispatch.InvalidFramePolicy
	OnExtend        func(assemblyName string)
}

// Option mutates Options; pass a list of them to NewTarget or NewAgent.
type Option func(*Options)

// WithName sets the well-known base name regions are derived from in
// NamedRegions mode (e.g. "myproduct" -> "myproduct.global",
// "myproduct.control", ...).
func WithName(name string) Option { return func(o *Options) { o.Name = name } }

// WithTransport selects NamedRegions (default) or AnonymousFDs.
func WithTransport(t ContextTransport) Option { return func(o *Options) { o.Transport = t } }

// WithChannelSize sets the control/feedback ring buffer size (each);
// must be a power of two, checked when the region is created.
func WithChannelSize(size datasize.ByteSize) Option {
	return func(o *Options) { o.ChannelSize = size }
}

// WithConfigCapacity sets the number of slots in the shared
// configuration dictionary.
func WithConfigCapacity(capacity uint32) Option {
	return func(o *Options) { o.ConfigCapacity = capacity }
}

// WithSocketDir overrides the default /var/tmp/mlos/ rendezvous
// directory used in AnonymousFDs mode.
func WithSocketDir(dir string) Option { return func(o *Options) { o.SocketDir = dir } }

// WithLogger installs a structured logger; defaults to zap.NewNop().
func WithLogger(log *zap.Logger) Option { return func(o *Options) { o.Logger = log } }

// WithInvalidFramePolicy overrides the default log-and-continue policy
// dispatch.Table runs when a frame fails validation.
func WithInvalidFramePolicy(p dispatch.InvalidFramePolicy) Option {
	return func(o *Options) { o.InvalidFramePolicy = p }
}

// WithAssemblyResolver wires the register_settings_assembly control
// message to a host-specific schema loader.
func WithAssemblyResolver(f func(assemblyName string)) Option {
	return func(o *Options) { o.OnExtend = f }
}

func defaultOptions() Options {
	return Options{
		Name:           "mlos",
		Transport:      NamedRegions,
		ChannelSize:    64 * datasize.KB,
		ConfigCapacity: 256,
		SocketDir:      "/var/tmp/mlos",
		Logger:         zap.NewNop(),
	}
}

func newOptions(opts []Option) Options {
	o := defaultOptions()
	for _, apply := range opts {
		apply(&o)
	}
	return o
}

// Context is one side (target or agent) of an mlosshm session: the
// global region, the two channel.Buffer instances built over it, the
// config dictionary, and the goroutines that keep them alive.
type Context struct {
	opts Options
	log  *zap.Logger

	globalRegion *shmem.Region
	hdr          *globalHeader

	controlRegion  *shmem.Region
	feedbackRegion *shmem.Region
	configRegion   *shmem.Region

	controlEvent  *event.Event
	feedbackEvent *event.Event
	targetReady   *event.Event

	control  *channel.Buffer
	feedback *channel.Buffer
	config   *sconfig.Dictionary

	dispatchTable *dispatch.Table

	relayServer *sockrelay.Server
	relayClient *sockrelay.Client

	runCtx context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

func regionName(base, suffix string) string { return base + "." + suffix }

// NewTarget creates a fresh session: allocates the global, control,
// feedback, and config regions (named or anonymous per opts.Transport),
// publishes their sizes into the global bootstrap table, and, in
// AnonymousFDs mode, pushes each region's fd to the agent's sockrelay
// Server (spec.md §4.3 puts the exchange server on the agent side, so
// NewAgent must already be listening when a target dials in this mode).
func NewTarget(opt ...Option) (*Context, error) {
	opts := newOptions(opt)
	c := &Context{opts: opts, log: opts.Logger}
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	c.group, c.runCtx = errgroup.WithContext(c.runCtx)

	channelSize := int(opts.ChannelSize.Bytes())
	slotBytes := int(opts.ConfigCapacity) * 4
	configSize := slotBytes + 4096 + 64*1024 // slot table + allocator header + arena

	var err error
	c.globalRegion, err = shmem.CreateNew(regionName(opts.Name, "global"), globalHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("mlosctx: global region: %w", err)
	}
	c.hdr = (*globalHeader)(unsafe.Pointer(&c.globalRegion.Bytes()[0]))
	c.hdr.signature = defaultSignature

	c.controlRegion, err = shmem.CreateNew(regionName(opts.Name, "control"), channelSize)
	if err != nil {
		return nil, fmt.Errorf("mlosctx: control region: %w", err)
	}
	c.feedbackRegion, err = shmem.CreateNew(regionName(opts.Name, "feedback"), channelSize)
	if err != nil {
		return nil, fmt.Errorf("mlosctx: feedback region: %w", err)
	}
	c.configRegion, err = shmem.CreateNew(regionName(opts.Name, "config"), configSize)
	if err != nil {
		return nil, fmt.Errorf("mlosctx: config region: %w", err)
	}

	c.hdr.regionTable[regionSlotControl].setName(regionName(opts.Name, "control"))
	c.hdr.regionTable[regionSlotControl].size = uint64(channelSize)
	c.hdr.regionTable[regionSlotFeedback].setName(regionName(opts.Name, "feedback"))
	c.hdr.regionTable[regionSlotFeedback].size = uint64(channelSize)
	c.hdr.regionTable[regionSlotConfig].setName(regionName(opts.Name, "config"))
	c.hdr.regionTable[regionSlotConfig].size = uint64(configSize)

	c.controlEvent, err = event.CreateOrOpen(regionName(opts.Name, "control_event"))
	if err != nil {
		return nil, fmt.Errorf("mlosctx: control event: %w", err)
	}
	c.feedbackEvent, err = event.CreateOrOpen(regionName(opts.Name, "feedback_event"))
	if err != nil {
		return nil, fmt.Errorf("mlosctx: feedback event: %w", err)
	}
	c.targetReady, err = event.CreateOrOpen(regionName(opts.Name, "target_ready"))
	if err != nil {
		return nil, fmt.Errorf("mlosctx: target ready event: %w", err)
	}

	if err := c.wireChannelsAndConfig(); err != nil {
		return nil, err
	}

	if opts.Transport == AnonymousFDs {
		// Anonymous mode: the backing names served their purpose (they
		// let this process itself open the regions); drop them now so
		// only a process holding the fd sockrelay hands over can reach
		// the mapping (spec.md §4.7 anonymous-memory note).
		c.controlRegion.UnlinkName()
		c.feedbackRegion.UnlinkName()
		c.configRegion.UnlinkName()
		c.globalRegion.UnlinkName()

		// The target is sockrelay's Client side: the agent's Server must
		// already be listening (NewAgent called first) since spec.md
		// §4.3 puts the exchange server on the agent side; Dial retries
		// briefly to absorb the ordinary startup race.
		c.relayClient, err = sockrelay.Dial(opts.SocketDir)
		if err != nil {
			return nil, fmt.Errorf("mlosctx: sockrelay dial: %w", err)
		}
		if err := c.pushRegion(sockrelay.RegionID(regionSlotGlobal), c.globalRegion); err != nil {
			return nil, err
		}
		if err := c.pushRegion(sockrelay.RegionID(regionSlotControl), c.controlRegion); err != nil {
			return nil, err
		}
		if err := c.pushRegion(sockrelay.RegionID(regionSlotFeedback), c.feedbackRegion); err != nil {
			return nil, err
		}
		if err := c.pushRegion(sockrelay.RegionID(regionSlotConfig), c.configRegion); err != nil {
			return nil, err
		}
	}

	c.targetReady.Signal()

	return c, nil
}

// NewAgent attaches to a session a target already created: it opens
// the global region by name (NamedRegions mode) or starts a sockrelay
// Server and waits for the target to push each region's fd
// (AnonymousFDs mode), reads the bootstrap table to learn the other
// regions' sizes, and maps the rest.
func NewAgent(opt ...Option) (*Context, error) {
	opts := newOptions(opt)
	c := &Context{opts: opts, log: opts.Logger}
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	c.group, c.runCtx = errgroup.WithContext(c.runCtx)

	var err error
	switch opts.Transport {
	case NamedRegions:
		c.globalRegion, err = shmem.OpenExisting(regionName(opts.Name, "global"), globalHeaderSize)
		if err != nil {
			return nil, fmt.Errorf("mlosctx: global region: %w", err)
		}
		c.hdr = (*globalHeader)(unsafe.Pointer(&c.globalRegion.Bytes()[0]))

		c.controlRegion, err = shmem.OpenExisting(c.hdr.regionTable[regionSlotControl].getName(), int(c.hdr.regionTable[regionSlotControl].size))
		if err != nil {
			return nil, fmt.Errorf("mlosctx: control region: %w", err)
		}
		c.feedbackRegion, err = shmem.OpenExisting(c.hdr.regionTable[regionSlotFeedback].getName(), int(c.hdr.regionTable[regionSlotFeedback].size))
		if err != nil {
			return nil, fmt.Errorf("mlosctx: feedback region: %w", err)
		}
		c.configRegion, err = shmem.OpenExisting(c.hdr.regionTable[regionSlotConfig].getName(), int(c.hdr.regionTable[regionSlotConfig].size))
		if err != nil {
			return nil, fmt.Errorf("mlosctx: config region: %w", err)
		}

	case AnonymousFDs:
		// The agent is sockrelay's Server side (spec.md §4.3): it starts
		// listening before the target is expected to connect, then waits
		// for each region the target pushes. The global region arrives
		// like any other push; waiting for it first just means the agent
		// maps it (and gets at hdr) before it needs the others.
		c.relayServer, err = sockrelay.NewServer(opts.SocketDir, c.log)
		if err != nil {
			return nil, fmt.Errorf("mlosctx: sockrelay server: %w", err)
		}
		c.group.Go(func() error { return c.relayServer.Serve(c.runCtx) })

		c.globalRegion, err = c.waitForAnonymousRegion(regionSlotGlobal)
		if err != nil {
			return nil, err
		}
		c.hdr = (*globalHeader)(unsafe.Pointer(&c.globalRegion.Bytes()[0]))

		c.controlRegion, err = c.waitForAnonymousRegion(regionSlotControl)
		if err != nil {
			return nil, err
		}
		c.feedbackRegion, err = c.waitForAnonymousRegion(regionSlotFeedback)
		if err != nil {
			return nil, err
		}
		c.configRegion, err = c.waitForAnonymousRegion(regionSlotConfig)
		if err != nil {
			return nil, err
		}
	}

	c.controlEvent, err = event.CreateOrOpen(regionName(opts.Name, "control_event"))
	if err != nil {
		return nil, fmt.Errorf("mlosctx: control event: %w", err)
	}
	c.feedbackEvent, err = event.CreateOrOpen(regionName(opts.Name, "feedback_event"))
	if err != nil {
		return nil, fmt.Errorf("mlosctx: feedback event: %w", err)
	}
	c.targetReady, err = event.CreateOrOpen(regionName(opts.Name, "target_ready"))
	if err != nil {
		return nil, fmt.Errorf("mlosctx: target ready event: %w", err)
	}

	if err := c.wireChannelsAndConfig(); err != nil {
		return nil, err
	}

	// An agent always opens regions a target already created, possibly
	// one left behind by a target that crashed mid-publish; recover
	// both channels before anyone calls AcquireRead, so a consumer
	// never spins forever on a frame whose writer is gone (spec.md
	// §4.4 "Recovery (initialization)").
	c.control.Recover()
	c.feedback.Recover()

	return c, nil
}

// waitForAnonymousRegion blocks on the agent's relayServer until the
// target has pushed slot, then maps its fd.
func (c *Context) waitForAnonymousRegion(slot int) (*shmem.Region, error) {
	fd, size, err := c.relayServer.WaitFor(c.runCtx, sockrelay.RegionID(slot))
	if err != nil {
		return nil, fmt.Errorf("mlosctx: waiting for region %d: %w", slot, err)
	}
	return shmem.OpenAnonymous(fd, int(size))
}

// pushRegion sends r's fd to the target's relayClient connection, for
// the agent's Server to receive and map.
func (c *Context) pushRegion(id sockrelay.RegionID, r *shmem.Region) error {
	fd, ok := r.Fd()
	if !ok {
		return fmt.Errorf("mlosctx: region %q has no relayable fd", r.Name())
	}
	return c.relayClient.Send(id, fd, int64(r.Size()))
}

// wireChannelsAndConfig builds the channel.Buffer/sconfig.Dictionary
// views over the now-mapped regions; shared between NewTarget and
// NewAgent since both need the same views, just built over regions
// opened differently.
func (c *Context) wireChannelsAndConfig() error {
	var err error
	c.control, err = channel.New(c.controlRegion.Bytes(), &c.hdr.controlSync, c.controlEvent)
	if err != nil {
		return fmt.Errorf("mlosctx: control channel: %w", err)
	}
	c.feedback, err = channel.New(c.feedbackRegion.Bytes(), &c.hdr.feedbackSync, c.feedbackEvent)
	if err != nil {
		return fmt.Errorf("mlosctx: feedback channel: %w", err)
	}
	c.config, err = sconfig.Open(c.configRegion.Bytes(), c.opts.ConfigCapacity)
	if err != nil {
		return fmt.Errorf("mlosctx: config dictionary: %w", err)
	}

	policy := c.opts.InvalidFramePolicy
	if policy == nil {
		policy = dispatch.LogAndContinue(c.log)
	}
	c.dispatchTable = dispatch.NewTable(policy, c.opts.OnExtend)
	return nil
}

// ControlChannel returns the target->agent (or agent->target,
// depending on which side's perspective) control message channel.
func (c *Context) ControlChannel() *channel.Buffer { return c.control }

// FeedbackChannel returns the companion feedback-direction channel.
func (c *Context) FeedbackChannel() *channel.Buffer { return c.feedback }

// ConfigDictionary returns the shared configuration dictionary.
func (c *Context) ConfigDictionary() *sconfig.Dictionary { return c.config }

// DispatchTable returns the type-index dispatch table driving both
// channel reader loops started by Attach.
func (c *Context) DispatchTable() *dispatch.Table { return c.dispatchTable }

// Attach increments the shared attached_processes_count and starts the
// control/feedback reader loops under this Context's errgroup.Group,
// each decoding frames via package frame and routing them through
// DispatchTable (spec.md §4.7/§5).
func (c *Context) Attach() error {
	c.hdr.attachedProcessesCount.Add(1)

	c.group.Go(func() error { return c.readLoop(c.control) })
	c.group.Go(func() error { return c.readLoop(c.feedback) })
	return nil
}

func (c *Context) readLoop(buf *channel.Buffer) error {
	for {
		off, frameLen, typeIndex, typeHash, err := buf.AcquireRead(c.runCtx)
		if err != nil {
			if err == mlosterr.ErrAborted {
				return nil
			}
			return err
		}
		payload := buf.PayloadAt(off, frameLen)
		c.dispatchTable.Dispatch(typeIndex, typeHash, uint32(len(payload)), payload, nil)
		buf.MarkConsumed(off, frameLen)
	}
}

// Detach decrements attached_processes_count, cancels this Context's
// run context and waits for its goroutines to exit. If the count
// reaches zero this call also terminates both channels first and then
// closes the regions with cleanup on close, matching spec.md §4.7's
// "last detacher" teardown responsibility.
func (c *Context) Detach() error {
	remaining := decrementCounter(&c.hdr.attachedProcessesCount)
	if remaining == 0 {
		c.TerminateControlChannel()
		c.TerminateFeedbackChannel()
	}
	c.cancel()
	if err := c.group.Wait(); err != nil {
		return err
	}
	if remaining == 0 {
		c.control = nil
		return c.closeRegions()
	}
	return nil
}

func decrementCounter(counter *atomic.Uint32) uint32 {
	for {
		cur := counter.Load()
		if cur == 0 {
			return 0
		}
		if counter.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

func (c *Context) closeRegions() error {
	c.controlRegion.SetCleanupOnClose(true)
	c.feedbackRegion.SetCleanupOnClose(true)
	c.configRegion.SetCleanupOnClose(true)
	c.globalRegion.SetCleanupOnClose(true)

	var firstErr error
	for _, closer := range []interface{ Close() error }{c.controlRegion, c.feedbackRegion, c.configRegion, c.globalRegion} {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// TerminateControlChannel asks the control channel to shut down,
// waking any blocked reader with mlosterr.ErrAborted.
func (c *Context) TerminateControlChannel() { c.control.Terminate() }

// TerminateFeedbackChannel asks the feedback channel to shut down.
func (c *Context) TerminateFeedbackChannel() { c.feedback.Terminate() }

// WaitForTarget blocks until the target process signals it has
// finished bootstrapping (spec.md §4.7's separate target-ready event).
func (c *Context) WaitForTarget() error { return c.targetReady.Wait() }
