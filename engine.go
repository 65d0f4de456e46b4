package shmbridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"gosuda.org/shmbridge/internal/device"
	"gosuda.org/shmbridge/internal/mq"
	"gosuda.org/shmbridge/internal/protocol"
	"gosuda.org/shmbridge/internal/shm"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	RegionName    string
	Region        shm.Options
	QueueCapacity uint64 // Defaults to DefaultQueueCapacity
	Logger        logrus.FieldLogger
	DeviceDriver  DeviceDriver // nil disables device tensors

	observe func(protocol.Message) // Sees every worker message before routing
	acked   func(id uint64)        // Called right before a cleanup is pushed
}

// Engine is the host side of the bridge. It creates and owns the shared
// region, publishes the control block and submits batches to a worker.
type Engine struct {
	opts    EngineOptions
	log     logrus.FieldLogger
	region  *shm.Region
	control *protocol.ControlBlock
	ctrlOff uint64
	health  *protocol.HealthBlock
	toWork  *mq.Queue[uint64]
	toHost  *mq.Queue[uint64]
	devices device.Manager

	ids    *atomic.Uint64
	closed *atomic.Bool

	mu      sync.Mutex
	pending map[uint64]*call

	// restartMu is held for writing while PrepareRestart empties the
	// worker queue, and for reading around each registered push.
	restartMu sync.RWMutex

	ackMu   sync.Mutex
	acks    []uint64 // Cleanups waiting for the background sender
	ackWake chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// call is one outstanding message awaiting its reply.
type call struct {
	reply     chan protocol.Message
	failed    chan error
	w         *protocol.Writer // Request records, freed once answered
	exported  []uint64         // Device handles exported for the inputs
	abandoned bool
}

// NewEngine creates the region named in opts, lays out the control block,
// the health block and both queues, and starts receiving replies.
func NewEngine(opts EngineOptions) (e *Engine, err error) {
	if opts.Logger == nil {
		opts.Logger = log
	}
	if opts.QueueCapacity == 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}

	region, err := shm.Create(opts.RegionName, opts.Region)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer func() {
		if err != nil {
			region.Close()
			shm.Remove(opts.RegionName)
		}
	}()

	e = &Engine{
		opts:    opts,
		log:     opts.Logger.WithField("region", opts.RegionName),
		region:  region,
		ids:     atomic.NewUint64(0),
		closed:  atomic.NewBool(false),
		pending: make(map[uint64]*call),
		ackWake: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	// The control block is allocated first so it sits at the well-known
	// DefaultControlOffset of a fresh region.
	if e.ctrlOff, err = region.Allocate(protocol.ControlSize); err != nil {
		return nil, fmt.Errorf("%w: control block: %w", ErrResource, err)
	}
	healthOff, health, err := protocol.NewHealth(region)
	if err != nil {
		return nil, fmt.Errorf("%w: health block: %w", ErrResource, err)
	}
	e.health = health

	toWorkOff, toWork, err := e.newQueue()
	if err != nil {
		return nil, err
	}
	toHostOff, toHost, err := e.newQueue()
	if err != nil {
		return nil, err
	}
	e.toWork, e.toHost = toWork, toHost

	e.control, err = protocol.InitControl(region, e.ctrlOff, protocol.ControlLayout{
		ToWorker:  toWorkOff,
		ToEngine:  toHostOff,
		Health:    healthOff,
		Capacity:  opts.QueueCapacity,
		EnginePID: uint64(os.Getpid()),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: control block: %w", ErrProtocol, err)
	}

	if opts.DeviceDriver != nil {
		e.devices = device.New(region, opts.DeviceDriver)
	} else {
		e.devices = device.NewHostOnly()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.receive(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.sendCleanups(ctx)
	}()

	e.log.Debugf("engine ready: control block at %d, queue capacity %d", e.ctrlOff, opts.QueueCapacity)
	return e, nil
}

func (e *Engine) newQueue() (uint64, *mq.Queue[uint64], error) {
	n := mq.Size[uint64](e.opts.QueueCapacity)
	off, err := e.region.Allocate(n)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: queue: %w", ErrResource, err)
	}
	head, err := e.region.Bytes(off, mq.HeaderSize)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: queue: %w", ErrTransport, err)
	}
	clear(head)
	p, _ := e.region.Pointer(off, n)
	if _, err := mq.Init[uint64](p, e.opts.QueueCapacity); err != nil {
		return 0, nil, fmt.Errorf("%w: queue: %w", ErrTransport, err)
	}
	return off, mq.Attach[uint64](p, time.Second), nil
}

// ControlOffset returns where the control block lives
func (e *Engine) ControlOffset() uint64 {
	return e.ctrlOff
}

// Region returns the name of the shared region
func (e *Engine) Region() string {
	return e.opts.RegionName
}

// Params completes p with the region fields a worker needs to attach.
func (e *Engine) Params(p BootstrapParams) BootstrapParams {
	p.RegionName = e.opts.RegionName
	p.Size = e.region.Size()
	p.GrowthIncrement = e.region.Growth()
	p.ControlOffset = e.ctrlOff
	return p
}

// WaitReady blocks until a worker marked the control block ready.
func (e *Engine) WaitReady(ctx context.Context) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for !e.control.Ready() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Health is a snapshot of the worker health block
type Health = protocol.Health

// Health reads the worker health block. ok is false when the block stayed
// locked for longer than wait.
func (e *Engine) Health(wait time.Duration) (h Health, ok bool) {
	return e.health.Snapshot(wait)
}

// PrepareRestart readies the region for a replacement worker. The old
// worker must be gone. Messages it never took are dropped, every call
// still waiting for a reply fails with ErrWorkerStall, and the health,
// ready and shutdown flags are cleared.
func (e *Engine) PrepareRestart() {
	e.restartMu.Lock()
	dropped := 0
	for {
		h, ok := e.toWork.TryPop()
		if !ok {
			break
		}
		if _, err := protocol.TakeMessage(e.region, h); err != nil {
			e.log.WithError(err).Warnf("dropping unreadable message handle %d", h)
		}
		dropped++
	}
	failed := e.failPending(fmt.Errorf("%w: worker restarted", ErrWorkerStall))
	e.restartMu.Unlock()

	e.health.Clear()
	e.control.ClearReady()
	e.control.ClearShutdown()
	e.log.Infof("prepared restart: dropped %d queued messages, failed %d calls", dropped, failed)
}

// failPending delivers err to every call waiting for a reply and returns
// how many there were. Abandoned calls are only freed.
func (e *Engine) failPending(err error) int {
	e.mu.Lock()
	calls := e.pending
	e.pending = make(map[uint64]*call)
	e.mu.Unlock()

	for _, c := range calls {
		if c.abandoned {
			e.finish(c)
			continue
		}
		c.failed <- err
	}
	return len(calls)
}

// Infer submits requests as one batch and waits for the responses, which
// are returned in request order. Per-request failures are reported in
// Response.Err wrapping ErrRemote; the error return covers the transport.
// Device outputs stay referenced until the responses are passed to
// Release.
func (e *Engine) Infer(ctx context.Context, requests []*Request) ([]*Response, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	c := &call{w: protocol.NewWriter(e.region)}
	batch, err := e.writeBatch(c, requests)
	if err != nil {
		e.finish(c)
		return nil, err
	}

	reply, err := e.roundTrip(ctx, c, protocol.KindRequestReady, batch)
	if err != nil {
		return nil, err
	}
	defer e.cleanup(reply.ID)
	defer e.finish(c)

	if reply.Kind != protocol.KindResponseReady {
		return nil, fmt.Errorf("%w: unexpected %s", ErrProtocol, reply.Kind)
	}
	return e.readResponses(reply, len(requests))
}

func (e *Engine) writeBatch(c *call, requests []*Request) (uint64, error) {
	offs := make([]uint64, len(requests))
	for i, req := range requests {
		inputs := make([]uint64, len(req.Inputs))
		for j := range req.Inputs {
			off, err := e.writeTensor(c, &req.Inputs[j])
			if err != nil {
				return 0, fmt.Errorf("request %q: %w", req.ID, err)
			}
			inputs[j] = off
		}
		params, err := protocol.EncodeParameters(req.Parameters)
		if err != nil {
			return 0, fmt.Errorf("%w: request %q: %w", ErrProtocol, req.ID, err)
		}
		offs[i], err = c.w.WriteRequest(protocol.RequestDesc{
			ID:               req.ID,
			CorrelationID:    req.CorrelationID,
			Flags:            req.Flags,
			Inputs:           inputs,
			RequestedOutputs: req.RequestedOutputs,
			Parameters:       params,
		})
		if err != nil {
			return 0, classify(err)
		}
	}
	batch, err := c.w.WriteRequestBatch(offs)
	if err != nil {
		return 0, classify(err)
	}
	return batch, nil
}

func (e *Engine) writeTensor(c *call, t *Tensor) (uint64, error) {
	d := protocol.TensorDesc{
		Name:   t.Name,
		DType:  t.DType,
		Shape:  t.Shape,
		Memory: t.Memory,
	}
	var err error
	switch t.Memory {
	case MemoryDevice:
		h, err := e.devices.Export(t.Device, t.ByteSize)
		if err != nil {
			return 0, fmt.Errorf("%w: export %q: %w", ErrResource, t.Name, err)
		}
		c.exported = append(c.exported, h)
		d.Data, d.ByteSize, d.DeviceID = h, t.ByteSize, t.Device.Device
	default:
		if d.Data, err = c.w.WriteBytes(t.Data); err != nil {
			return 0, fmt.Errorf("%w: input %q: %w", ErrResource, t.Name, err)
		}
		d.ByteSize = uint64(len(t.Data))
	}
	off, err := c.w.WriteTensor(d)
	if err != nil {
		return 0, classify(err)
	}
	return off, nil
}

func classify(err error) error {
	if errors.Is(err, protocol.ErrMalformed) {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return fmt.Errorf("%w: %w", ErrResource, err)
}

func (e *Engine) readResponses(reply protocol.Message, n int) ([]*Response, error) {
	responses := make([]*Response, n)
	fail := func(msg string) []*Response {
		for i := range responses {
			if responses[i] == nil {
				responses[i] = &Response{Err: fmt.Errorf("%w: %s", ErrRemote, msg)}
			}
		}
		return responses
	}
	if reply.Payload == 0 {
		return fail("worker could not allocate a response"), nil
	}

	bd, err := protocol.ReadResponseBatch(e.region, reply.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: response batch: %w", ErrProtocol, err)
	}
	if bd.Error {
		return fail(bd.Message), nil
	}
	if len(bd.Responses) != n {
		return nil, fmt.Errorf("%w: %d responses for %d requests", ErrProtocol, len(bd.Responses), n)
	}

	for i, off := range bd.Responses {
		if off == 0 {
			responses[i] = &Response{Err: fmt.Errorf("%w: no response", ErrRemote)}
			continue
		}
		rd, err := protocol.ReadResponse(e.region, off)
		if err != nil {
			responses[i] = &Response{Err: fmt.Errorf("%w: %w", ErrProtocol, err)}
			continue
		}
		if rd.Error {
			responses[i] = &Response{Err: fmt.Errorf("%w: %s", ErrRemote, rd.Message)}
			continue
		}
		resp := &Response{Outputs: make([]Tensor, 0, len(rd.Outputs))}
		for _, toff := range rd.Outputs {
			t, err := e.readTensor(toff)
			if err != nil {
				resp.Err = err
				break
			}
			resp.Outputs = append(resp.Outputs, t)
		}
		if resp.Err != nil {
			e.Release(resp)
			resp.Outputs = nil
		}
		responses[i] = resp
	}
	return responses, nil
}

// readTensor copies a host output out of the region or imports a device
// output, so the worker may free its records after cleanup.
func (e *Engine) readTensor(off uint64) (Tensor, error) {
	td, err := protocol.ReadTensor(e.region, off)
	if err != nil {
		return Tensor{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	t := Tensor{
		Name:     td.Name,
		DType:    td.DType,
		Shape:    td.Shape,
		Memory:   td.Memory,
		ByteSize: td.ByteSize,
	}
	if td.Memory == MemoryDevice {
		if t.Device, err = e.devices.Import(td.Data); err != nil {
			return t, fmt.Errorf("%w: import %q: %w", ErrResource, td.Name, err)
		}
		t.handle = td.Data
		return t, nil
	}
	if td.ByteSize > 0 {
		buf, err := e.region.Bytes(td.Data, td.ByteSize)
		if err != nil {
			return t, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		t.Data = append([]byte(nil), buf...)
	}
	return t, nil
}

// Release drops the device references held by responses. Host tensors
// need no release.
func (e *Engine) Release(responses ...*Response) error {
	var err error
	for _, r := range responses {
		if r == nil {
			continue
		}
		for i := range r.Outputs {
			t := &r.Outputs[i]
			if t.handle == 0 {
				continue
			}
			err = multierr.Append(err, e.devices.Release(t.handle))
			t.handle = 0
		}
	}
	return err
}

// Ping sends a health ping and waits for the worker to echo it. Pings are
// answered in queue order, after every message sent before them.
func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.roundTrip(ctx, &call{}, protocol.KindHealthPing, 0)
	return err
}

// Shutdown asks the worker to stop after the messages already queued.
// If ctx ends first the shutdown flag is raised instead.
func (e *Engine) Shutdown(ctx context.Context) error {
	if _, err := e.roundTrip(ctx, &call{}, protocol.KindShutdown, 0); err != nil {
		if ctx.Err() != nil {
			e.control.RequestShutdown()
		}
		return err
	}
	return nil
}

// RequestShutdown raises the shutdown flag without waiting.
func (e *Engine) RequestShutdown() {
	e.control.RequestShutdown()
}

// roundTrip sends one message and waits for the reply carrying its id.
func (e *Engine) roundTrip(ctx context.Context, c *call, kind protocol.MessageKind, payload uint64) (protocol.Message, error) {
	c.reply = make(chan protocol.Message, 1)
	c.failed = make(chan error, 1)
	id := e.ids.Inc()

	if err := e.submit(ctx, id, c, protocol.Message{Kind: kind, ID: id, Payload: payload}); err != nil {
		e.finish(c)
		return protocol.Message{}, err
	}

	select {
	case reply := <-c.reply:
		return reply, nil
	case err := <-c.failed:
		e.finish(c)
		return protocol.Message{}, err
	case <-e.done:
		return protocol.Message{}, ErrClosed
	case <-ctx.Done():
		e.mu.Lock()
		if _, ok := e.pending[id]; ok {
			c.abandoned = true
			e.mu.Unlock()
			return protocol.Message{}, ctx.Err()
		}
		e.mu.Unlock()
		// The reply or a restart raced with cancellation; either is
		// already buffered.
		select {
		case reply := <-c.reply:
			if needsCleanup(reply.Kind) {
				e.cleanup(reply.ID)
			}
		case <-c.failed:
		}
		e.finish(c)
		return protocol.Message{}, ctx.Err()
	}
}

// submitSlice bounds each push attempt so PrepareRestart never waits
// behind a producer blocked on a full queue.
const submitSlice = 10 * time.Millisecond

// submit registers c under id and enqueues msg for the worker.
func (e *Engine) submit(ctx context.Context, id uint64, c *call, msg protocol.Message) error {
	off, err := protocol.WriteMessage(e.region, msg)
	if err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrResource, msg.Kind, err)
	}
	for {
		e.restartMu.RLock()
		e.mu.Lock()
		e.pending[id] = c
		e.mu.Unlock()
		pushed := e.toWork.PushTimeout(off, submitSlice)
		if !pushed {
			e.mu.Lock()
			delete(e.pending, id)
			e.mu.Unlock()
		}
		e.restartMu.RUnlock()

		switch {
		case pushed:
			return nil
		case ctx.Err() != nil:
			e.region.Free(off)
			return ctx.Err()
		case e.closed.Load():
			e.region.Free(off)
			return ErrClosed
		}
	}
}

// cleanupWait is how long a caller pushes a cleanup itself before handing
// it to the background sender.
const cleanupWait = 100 * time.Millisecond

// cleanup tells the worker the engine is done with reply id. Callers of
// Infer push it themselves so it precedes their next message.
func (e *Engine) cleanup(id uint64) {
	off, err := protocol.WriteMessage(e.region, protocol.Message{Kind: protocol.KindCleanup, ID: id})
	if err != nil {
		e.log.WithError(err).Warnf("cleanup of response %d deferred", id)
		e.cleanupLater(id)
		return
	}
	if e.opts.acked != nil {
		e.opts.acked(id)
	}
	if !e.toWork.PushTimeout(off, cleanupWait) {
		e.region.Free(off)
		e.cleanupLater(id)
	}
}

// cleanupLater queues a cleanup for the background sender. It never blocks.
func (e *Engine) cleanupLater(id uint64) {
	e.ackMu.Lock()
	e.acks = append(e.acks, id)
	e.ackMu.Unlock()
	select {
	case e.ackWake <- struct{}{}:
	default:
	}
}

// sendCleanups pushes queued cleanups until ctx ends, waiting as long as
// the worker needs to make room.
func (e *Engine) sendCleanups(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.ackWake:
		}
		e.ackMu.Lock()
		ids := e.acks
		e.acks = nil
		e.ackMu.Unlock()

		for i, id := range ids {
			err := e.pushCleanup(ctx, id)
			if ctx.Err() != nil {
				e.log.Debugf("engine closing, %d cleanups not delivered", len(ids)-i)
				return
			}
			if err != nil {
				e.log.WithError(err).Warnf("cleanup of response %d not delivered", id)
			}
		}
	}
}

func (e *Engine) pushCleanup(ctx context.Context, id uint64) error {
	off, err := protocol.WriteMessage(e.region, protocol.Message{Kind: protocol.KindCleanup, ID: id})
	if err != nil {
		return fmt.Errorf("%w: write cleanup: %w", ErrResource, err)
	}
	if e.opts.acked != nil {
		e.opts.acked(id)
	}
	if err := e.toWork.PushContext(ctx, off); err != nil {
		e.region.Free(off)
		return err
	}
	return nil
}

// needsCleanup reports whether replies of kind own worker allocations.
func needsCleanup(kind protocol.MessageKind) bool {
	return kind == protocol.KindResponseReady || kind == protocol.KindError
}

// finish frees the request records of c and drops its input exports.
func (e *Engine) finish(c *call) {
	if c.w != nil {
		if err := c.w.Rollback(); err != nil {
			e.log.WithError(err).Warn("freeing request records")
		}
	}
	for _, h := range c.exported {
		if err := e.devices.Release(h); err != nil {
			e.log.WithError(err).Warnf("release of input handle %d", h)
		}
	}
	c.exported = nil
}

// receive routes worker messages to their callers until ctx ends.
func (e *Engine) receive(ctx context.Context) {
	defer close(e.done)
	for {
		h, err := e.toHost.PopContext(ctx)
		if err != nil {
			return
		}
		msg, err := protocol.TakeMessage(e.region, h)
		if err != nil {
			e.log.WithError(err).Errorf("unreadable message handle %d from worker", h)
			continue
		}

		if e.opts.observe != nil {
			e.opts.observe(msg)
		}

		e.mu.Lock()
		c, ok := e.pending[msg.ID]
		delete(e.pending, msg.ID)
		abandoned := ok && c.abandoned
		e.mu.Unlock()

		switch {
		case !ok:
			e.log.Warnf("unsolicited %s", msg)
			if needsCleanup(msg.Kind) {
				e.cleanupLater(msg.ID)
			}
		case abandoned:
			e.log.Debugf("dropping reply to abandoned call: %s", msg)
			if needsCleanup(msg.Kind) {
				e.cleanupLater(msg.ID)
			}
			e.finish(c)
		default:
			c.reply <- msg
		}
	}
}

// Close stops receiving, drops every device reference the engine holds,
// and unmaps and removes the region.
func (e *Engine) Close() error {
	if !e.closed.CAS(false, true) {
		return nil
	}
	e.cancel()
	e.wg.Wait()

	err := e.devices.Close()
	err = multierr.Append(err, e.region.Close())
	return multierr.Append(err, shm.Remove(e.opts.RegionName))
}
