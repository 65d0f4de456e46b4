package shmbridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"gosuda.org/shmbridge/internal/device"
	"gosuda.org/shmbridge/internal/mq"
	"gosuda.org/shmbridge/internal/protocol"
	"gosuda.org/shmbridge/internal/shm"
)

// BootstrapParams are the values a worker is started with
type BootstrapParams struct {
	RegionName         string
	Size               uint64
	GrowthIncrement    uint64
	ModelPath          string
	ModelVersion       string
	RuntimeInstallPath string
	ControlOffset      uint64
	InstanceName       string
}

// Options configures a Bridge. The zero value is usable.
type Options struct {
	Logger            logrus.FieldLogger
	Loader            Loader        // Defaults to RegistryLoader
	DeviceDriver      DeviceDriver  // nil selects the host-only device path
	HeartbeatInterval time.Duration // Defaults to DefaultHeartbeatInterval
	AttachTimeout     time.Duration // Wait for queue initialization

	// HangTimeout is how long one loop iteration may run, model execution
	// included, before heartbeats stop and the worker looks stalled.
	// Defaults to DefaultHangTimeout, and is at least two heartbeats.
	HangTimeout time.Duration
	Meter             metric.Meter

	// OnRelease, if set, observes every deferred release right before it
	// happens, with the id of the response the resource belonged to.
	OnRelease func(responseID uint64, r Removal)
}

// Bridge is the worker side of the execution bridge. It owns the
// attachment to the shared region, both queues and the hosted model.
type Bridge struct {
	opts    Options
	log     logrus.FieldLogger
	state   *atomic.Uint32
	pulse   *atomic.Int64 // Start of the current loop iteration, unix ns
	params  BootstrapParams
	metrics *bridgeMetrics

	region  *shm.Region
	control *protocol.ControlBlock
	health  *protocol.HealthBlock
	inbox   *mq.Queue[uint64] // engine→worker
	outbox  *mq.Queue[uint64] // worker→engine
	devices device.Manager
	model   Model

	removalMu sync.Mutex
	removals  []scheduled

	corrMu    sync.Mutex
	responses map[uint64]bool // Response id → acknowledged by the engine
}

// NewBridge returns an uninitialized bridge.
func NewBridge(opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = log
	}
	if opts.Loader == nil {
		opts.Loader = RegistryLoader
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.AttachTimeout <= 0 {
		opts.AttachTimeout = 5 * time.Second
	}
	if opts.HangTimeout <= 0 {
		opts.HangTimeout = DefaultHangTimeout
	}
	if opts.HangTimeout < 2*opts.HeartbeatInterval {
		opts.HangTimeout = 2 * opts.HeartbeatInterval
	}
	return &Bridge{
		opts:      opts,
		log:       opts.Logger,
		state:     atomic.NewUint32(uint32(StateUninitialized)),
		pulse:     atomic.NewInt64(0),
		responses: make(map[uint64]bool),
	}
}

// State returns the lifecycle state
func (b *Bridge) State() State {
	return State(b.state.Load())
}

func (b *Bridge) transition(from, to State) error {
	if !b.state.CAS(uint32(from), uint32(to)) {
		return fmt.Errorf("%w: %s, want %s", ErrInvalidState, b.State(), from)
	}
	b.log.Debugf("bridge state %s -> %s", from, to)
	return nil
}

// Initialize attaches to the region named in p, opens the control block
// at p.ControlOffset, reconstructs both queues and loads the model.
// Every error is fatal for the worker.
func (b *Bridge) Initialize(ctx context.Context, p BootstrapParams) (err error) {
	if b.State() != StateUninitialized {
		return fmt.Errorf("%w: initialize in state %s", ErrInvalidState, b.State())
	}
	b.params = p
	b.log = b.log.WithFields(logrus.Fields{
		"region":   p.RegionName,
		"instance": p.InstanceName,
	})

	if b.metrics, err = newBridgeMetrics(b.opts.Meter, p.InstanceName); err != nil {
		return err
	}

	region, err := shm.Attach(p.RegionName)
	if err != nil {
		if errors.Is(err, shm.ErrVersion) || errors.Is(err, shm.ErrBadMagic) {
			return fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer func() {
		if err != nil {
			region.Close()
			b.region = nil
		}
	}()
	b.region = region
	if p.Size > region.Size() {
		b.log.Warnf("region is %d bytes, bootstrap announced %d", region.Size(), p.Size)
	}
	if p.GrowthIncrement != 0 && p.GrowthIncrement != region.Growth() {
		b.log.Debugf("region growth increment is %d, bootstrap announced %d", region.Growth(), p.GrowthIncrement)
	}

	if b.control, err = protocol.OpenControl(region, p.ControlOffset); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	layout := b.control.Layout()
	if b.health, err = protocol.OpenHealth(region, layout.Health); err != nil {
		return fmt.Errorf("%w: health block: %w", ErrTransport, err)
	}
	if b.inbox, err = b.attachQueue(layout.ToWorker, layout.Capacity); err != nil {
		return err
	}
	if b.outbox, err = b.attachQueue(layout.ToEngine, layout.Capacity); err != nil {
		return err
	}

	cfg := ModelConfig{
		Path:               p.ModelPath,
		Version:            p.ModelVersion,
		InstanceName:       p.InstanceName,
		RuntimeInstallPath: p.RuntimeInstallPath,
	}
	if drv := b.opts.DeviceDriver; drv != nil {
		b.devices = device.New(region, drv)
		if dm, ok := drv.(DeviceMemory); ok {
			cfg.Device = dm
		}
	} else {
		b.devices = device.NewHostOnly()
	}

	model, err := b.opts.Loader(cfg)
	if err != nil {
		return fmt.Errorf("%w: load %s: %w", ErrUserCode, p.ModelPath, err)
	}
	if err := model.Initialize(ctx, cfg); err != nil {
		return fmt.Errorf("%w: initialize %s: %w", ErrUserCode, p.ModelPath, err)
	}
	b.model = model

	b.updateHealth()
	b.control.MarkReady(uint64(os.Getpid()))
	b.log.Infof("bridge initialized: model %s version %s, device memory %t", p.ModelPath, p.ModelVersion, b.devices.Enabled())
	return b.transition(StateUninitialized, StateInitialized)
}

func (b *Bridge) attachQueue(off, capacity uint64) (*mq.Queue[uint64], error) {
	p, err := b.region.Pointer(off, mq.Size[uint64](capacity))
	if err != nil {
		return nil, fmt.Errorf("%w: queue at %d: %w", ErrTransport, off, err)
	}
	q := mq.Attach[uint64](p, b.opts.AttachTimeout)
	if q == nil || q.Cap() != capacity {
		return nil, fmt.Errorf("%w: queue at %d not initialized", ErrTransport, off)
	}
	return q, nil
}

// Run serves messages until a shutdown message arrives, the shutdown flag
// is raised, ctx ends, or a fatal error occurs. The returned error is nil
// on an orderly stop.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.transition(StateInitialized, StateRunning); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	b.pulse.Store(time.Now().UnixNano())
	g.Go(func() error {
		ticker := time.NewTicker(b.opts.HeartbeatInterval)
		defer ticker.Stop()
		hung := false
		for {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				stuck := b.stuckFor(now)
				if stuck > b.opts.HangTimeout {
					if !hung {
						b.log.Warnf("run loop stuck for %s, withholding heartbeats", stuck.Round(time.Millisecond))
					}
					hung = true
					continue
				}
				hung = false
				b.updateHealth()
			}
		}
	})

	g.Go(func() error {
		defer close(done)
		return b.runLoop(gctx)
	})

	err := g.Wait()
	b.state.Store(uint32(StateShuttingDown))
	return err
}

// stuckFor returns how long the current loop iteration has been running.
func (b *Bridge) stuckFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, b.pulse.Load()))
}

func (b *Bridge) runLoop(ctx context.Context) error {
	for {
		b.pulse.Store(time.Now().UnixNano())
		b.updateHealth()

		if ctx.Err() != nil {
			b.log.Info("context done, leaving run loop")
			return nil
		}
		if b.control.ShutdownRequested() {
			b.log.Info("shutdown flag raised, leaving run loop")
			return nil
		}

		h, ok := b.inbox.PopTimeout(b.opts.HeartbeatInterval)
		if !ok {
			b.cleanup()
			continue
		}

		msg, err := protocol.TakeMessage(b.region, h)
		if err != nil {
			b.log.WithError(err).Errorf("unreadable message handle %d", h)
			return fmt.Errorf("%w: message handle %d: %w", ErrTransport, h, err)
		}

		stop, err := b.dispatch(ctx, msg)
		b.cleanup()
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
}

// dispatch handles one message. stop is true after a shutdown message.
func (b *Bridge) dispatch(ctx context.Context, msg protocol.Message) (stop bool, err error) {
	b.metrics.message(ctx, msg.Kind.String())
	b.log.Debugf("received %s", msg)

	switch msg.Kind {
	case protocol.KindRequestReady:
		batch, failed := b.processBatch(ctx, msg)
		return false, b.send(ctx, protocol.Message{
			Kind:    protocol.KindResponseReady,
			ID:      msg.ID,
			Payload: batch,
			Error:   failed,
		})

	case protocol.KindHealthPing:
		b.updateHealth()
		return false, b.send(ctx, protocol.Message{Kind: protocol.KindHealthPing, ID: msg.ID})

	case protocol.KindCleanup:
		b.acknowledge(msg.ID)
		return false, nil

	case protocol.KindShutdown:
		if err := b.send(ctx, protocol.Message{Kind: protocol.KindShutdown, ID: msg.ID}); err != nil {
			return true, err
		}
		b.log.Info("shutdown message received")
		return true, nil

	default:
		perr := fmt.Errorf("%w: %w %d", ErrProtocol, protocol.ErrUnknownKind, uint64(msg.Kind))
		b.log.WithError(perr).Warn("acknowledging unrecognized message")
		reply := protocol.Message{Kind: protocol.KindError, ID: msg.ID, Error: true}
		w := protocol.NewWriter(b.region)
		if off, werr := w.WriteString(perr.Error()); werr == nil {
			reply.Payload = off
			b.scheduleWriter(msg.ID, w)
		}
		return false, b.send(ctx, reply)
	}
}

// send enqueues msg for the engine. Failing to write a message record or
// to enqueue it leaves the engine waiting forever, so it is fatal.
func (b *Bridge) send(ctx context.Context, msg protocol.Message) error {
	off, err := protocol.WriteMessage(b.region, msg)
	if err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrResource, msg.Kind, err)
	}
	if msg.Kind == protocol.KindResponseReady || msg.Kind == protocol.KindError {
		b.corrMu.Lock()
		b.responses[msg.ID] = false
		b.corrMu.Unlock()
	}
	if err := b.outbox.PushContext(ctx, off); err != nil {
		b.region.Free(off)
		return fmt.Errorf("%w: enqueue %s: %w", ErrTransport, msg.Kind, err)
	}
	return nil
}

// updateHealth sets the health flag and heartbeat under the health mutex.
func (b *Bridge) updateHealth() {
	b.health.Beat(time.Now())
}

// Health returns the current health block contents.
func (b *Bridge) Health() (Health, bool) {
	if b.health == nil {
		return Health{}, false
	}
	return b.health.Snapshot(b.opts.HeartbeatInterval)
}

// Finalize drains pending messages, releases what the engine already
// consumed and every device reference this process holds, finalizes the
// model and detaches from the region.
func (b *Bridge) Finalize(ctx context.Context) error {
	switch s := b.State(); s {
	case StateFinalized:
		return nil
	case StateUninitialized:
		b.state.Store(uint32(StateFinalized))
		return nil
	case StateInitialized, StateRunning:
		b.state.Store(uint32(StateShuttingDown))
	}

	var err error
	b.drain()
	b.cleanup()

	b.removalMu.Lock()
	pending := len(b.removals)
	b.removalMu.Unlock()
	if pending > 0 {
		b.log.Warnf("%d deferred releases never acknowledged, leaving them to the region owner", pending)
	}

	if b.devices != nil {
		err = multierr.Append(err, b.devices.Close())
	}
	if b.model != nil {
		if ferr := b.model.Finalize(ctx); ferr != nil {
			err = multierr.Append(err, fmt.Errorf("%w: finalize: %w", ErrUserCode, ferr))
		}
	}
	if b.control != nil {
		b.control.ClearReady()
	}
	if b.region != nil {
		err = multierr.Append(err, b.region.Close())
	}
	b.control, b.health = nil, nil

	b.state.Store(uint32(StateFinalized))
	b.log.Info("bridge finalized")
	return err
}

// drain answers what is still queued so no peer stays blocked on a slot.
// Requests are failed rather than executed.
func (b *Bridge) drain() {
	if b.inbox == nil {
		return
	}
	const replyWait = 100 * time.Millisecond
	for {
		h, ok := b.inbox.TryPop()
		if !ok {
			return
		}
		msg, err := protocol.TakeMessage(b.region, h)
		if err != nil {
			b.log.WithError(err).Warnf("dropping unreadable message handle %d", h)
			continue
		}

		var reply protocol.Message
		switch msg.Kind {
		case protocol.KindCleanup:
			b.acknowledge(msg.ID)
			continue
		case protocol.KindRequestReady:
			reply = protocol.Message{Kind: protocol.KindResponseReady, ID: msg.ID, Error: true}
		case protocol.KindHealthPing, protocol.KindShutdown:
			reply = protocol.Message{Kind: msg.Kind, ID: msg.ID}
		default:
			reply = protocol.Message{Kind: protocol.KindError, ID: msg.ID, Error: true}
		}

		off, err := protocol.WriteMessage(b.region, reply)
		if err != nil {
			b.log.WithError(err).Warn("cannot answer pending message while finalizing")
			continue
		}
		if !b.outbox.PushTimeout(off, replyWait) {
			b.region.Free(off)
			b.log.Warnf("engine not consuming, dropped reply to %s", msg)
			return
		}
	}
}
