package shmbridge

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"

	"gosuda.org/shmbridge/internal/device"
	"gosuda.org/shmbridge/internal/protocol"
	"gosuda.org/shmbridge/internal/shm"
)

var regionSeq = atomic.NewUint64(0)

// testRegionName returns a region name unique to this test process
func testRegionName() string {
	return fmt.Sprintf("shmbridge-test-%d-%d", os.Getpid(), regionSeq.Inc())
}

var (
	gateEntered chan struct{}
	gateRelease chan struct{}
)

func init() {
	Register("test_panic", func() Model { return &faultModel{panics: true} })
	Register("test_fail", func() Model { return &faultModel{} })
	Register("test_gate", func() Model { return &gateModel{} })
}

// faultModel fails every batch, by panicking or by returning an error.
type faultModel struct {
	panics bool
}

func (m *faultModel) Initialize(ctx context.Context, cfg ModelConfig) error { return nil }
func (m *faultModel) Finalize(ctx context.Context) error                    { return nil }

func (m *faultModel) Execute(ctx context.Context, requests []*Request) ([]*Response, error) {
	if m.panics {
		panic("model exploded")
	}
	return nil, errors.New("backend unavailable")
}

// gateModel blocks every batch until gateRelease is closed.
type gateModel struct{}

func (gateModel) Initialize(ctx context.Context, cfg ModelConfig) error { return nil }
func (gateModel) Finalize(ctx context.Context) error                    { return nil }

func (gateModel) Execute(ctx context.Context, requests []*Request) ([]*Response, error) {
	gateEntered <- struct{}{}
	<-gateRelease
	responses := make([]*Response, len(requests))
	for i := range responses {
		responses[i] = &Response{}
	}
	return responses, nil
}

// pair is an engine and a bridge sharing one region through two mappings
type pair struct {
	t      *testing.T
	engine *Engine
	bridge *Bridge
	errc   chan error

	once   sync.Once
	exited bool
	runErr error
}

func startPair(t *testing.T, model string, eopts EngineOptions, bopts Options) *pair {
	t.Helper()
	if eopts.RegionName == "" {
		eopts.RegionName = testRegionName()
	}
	if eopts.Region.Size == 0 {
		eopts.Region = shm.Options{Size: 1 << 20, MaxSize: 64 << 20}
	}
	if eopts.QueueCapacity == 0 {
		eopts.QueueCapacity = 64
	}
	if bopts.HeartbeatInterval == 0 {
		bopts.HeartbeatInterval = 10 * time.Millisecond
	}

	e, err := NewEngine(eopts)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	b := NewBridge(bopts)
	params := e.Params(BootstrapParams{ModelPath: model, ModelVersion: "1", InstanceName: t.Name()})
	if err := b.Initialize(context.Background(), params); err != nil {
		e.Close()
		t.Fatalf("Initialize failed: %v", err)
	}

	p := &pair{t: t, engine: e, bridge: b, errc: make(chan error, 1)}
	go func() { p.errc <- b.Run(context.Background()) }()
	t.Cleanup(p.stop)
	return p
}

// waitExit waits for Run to return and reports its error.
func (p *pair) waitExit(d time.Duration) error {
	if p.exited {
		return p.runErr
	}
	select {
	case p.runErr = <-p.errc:
		p.exited = true
		return p.runErr
	case <-time.After(d):
		p.t.Fatal("bridge did not leave its run loop")
		return nil
	}
}

func (p *pair) stop() {
	p.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if !p.exited {
			if err := p.engine.Shutdown(ctx); err != nil {
				p.t.Errorf("Shutdown failed: %v", err)
			}
			if err := p.waitExit(5 * time.Second); err != nil {
				p.t.Errorf("Run returned %v", err)
			}
		}
		if err := p.bridge.Finalize(ctx); err != nil {
			p.t.Errorf("Finalize failed: %v", err)
		}
		if err := p.engine.Close(); err != nil {
			p.t.Errorf("engine Close failed: %v", err)
		}
	})
}

// newEngine returns an engine with no worker attached
func newEngine(t *testing.T, capacity uint64) *Engine {
	t.Helper()
	e, err := NewEngine(EngineOptions{
		RegionName:    testRegionName(),
		Region:        shm.Options{Size: 1 << 20, MaxSize: 8 << 20},
		QueueCapacity: capacity,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func int32Tensor(name string, vals ...int32) Tensor {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[4*i:], uint32(v))
	}
	return Tensor{Name: name, DType: TypeINT32, Shape: []int64{int64(len(vals))}, Data: data}
}

func int32s(t *testing.T, resp *Response, name string) []int32 {
	t.Helper()
	out, ok := resp.Output(name)
	if !ok {
		t.Fatalf("response has no output %q", name)
	}
	vals := make([]int32, len(out.Data)/4)
	for i := range vals {
		vals[i] = int32(binary.LittleEndian.Uint32(out.Data[4*i:]))
	}
	return vals
}

func equalInt32s(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sameOutputs fails unless a and b carry identical output tensors
func sameOutputs(t *testing.T, a, b *Response) {
	t.Helper()
	if len(a.Outputs) != len(b.Outputs) {
		t.Fatalf("%d outputs, want %d", len(a.Outputs), len(b.Outputs))
	}
	for i := range a.Outputs {
		x, y := a.Outputs[i], b.Outputs[i]
		if x.Name != y.Name || x.DType != y.DType || !slices.Equal(x.Shape, y.Shape) || !bytes.Equal(x.Data, y.Data) {
			t.Fatalf("output %d = %s %s%v %v, want %s %s%v %v",
				i, x.Name, x.DType, x.Shape, x.Data, y.Name, y.DType, y.Shape, y.Data)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestInferRoundTrip(t *testing.T) {
	p := startPair(t, "add_sub", EngineOptions{}, Options{})
	if p.engine.ControlOffset() != DefaultControlOffset {
		t.Fatalf("control block at %d, want %d", p.engine.ControlOffset(), DefaultControlOffset)
	}
	if p.bridge.State() != StateRunning && p.bridge.State() != StateInitialized {
		t.Fatalf("unexpected bridge state %s", p.bridge.State())
	}

	ctx := context.Background()
	for i := int32(0); i < 200; i++ {
		req := &Request{
			ID:            fmt.Sprintf("req-%d", i),
			CorrelationID: uint64(i),
			Inputs:        []Tensor{int32Tensor("INPUT0", i, 10), int32Tensor("INPUT1", 1, i)},
			Parameters:    map[string]any{"iteration": i},
		}
		resps, err := p.engine.Infer(ctx, []*Request{req})
		if err != nil {
			t.Fatalf("Infer %d failed: %v", i, err)
		}
		if len(resps) != 1 || resps[0].Err != nil {
			t.Fatalf("Infer %d: unexpected responses %+v", i, resps)
		}
		if got, want := int32s(t, resps[0], "OUTPUT0"), []int32{i + 1, 10 + i}; !equalInt32s(got, want) {
			t.Fatalf("Infer %d: OUTPUT0 = %v, want %v", i, got, want)
		}
		if got, want := int32s(t, resps[0], "OUTPUT1"), []int32{i - 1, 10 - i}; !equalInt32s(got, want) {
			t.Fatalf("Infer %d: OUTPUT1 = %v, want %v", i, got, want)
		}
	}
}

func TestRequestedOutputsFilter(t *testing.T) {
	p := startPair(t, "add_sub", EngineOptions{}, Options{})

	req := &Request{
		ID:               "filtered",
		Inputs:           []Tensor{int32Tensor("INPUT0", 5), int32Tensor("INPUT1", 3)},
		RequestedOutputs: []string{"OUTPUT1"},
	}
	resps, err := p.engine.Infer(context.Background(), []*Request{req})
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if len(resps[0].Outputs) != 1 || resps[0].Outputs[0].Name != "OUTPUT1" {
		t.Fatalf("outputs = %+v, want only OUTPUT1", resps[0].Outputs)
	}
	if got := int32s(t, resps[0], "OUTPUT1"); !equalInt32s(got, []int32{2}) {
		t.Fatalf("OUTPUT1 = %v, want [2]", got)
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	p := startPair(t, "add_sub", EngineOptions{}, Options{})

	ok1 := func() *Request {
		return &Request{ID: "ok-1", Inputs: []Tensor{int32Tensor("INPUT0", 1, 2), int32Tensor("INPUT1", 3, 4)}}
	}
	ok2 := func() *Request {
		return &Request{ID: "ok-2", Inputs: []Tensor{int32Tensor("INPUT0", 7), int32Tensor("INPUT1", 2)}}
	}
	requests := []*Request{
		ok1(),
		{ID: "bad", Inputs: []Tensor{int32Tensor("INPUT0", 1, 2), int32Tensor("INPUT1", 3)}},
		ok2(),
	}
	resps, err := p.engine.Infer(context.Background(), requests)
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if len(resps) != 3 {
		t.Fatalf("got %d responses, want 3", len(resps))
	}
	if resps[0].Err != nil || resps[2].Err != nil {
		t.Fatalf("healthy requests failed: %v, %v", resps[0].Err, resps[2].Err)
	}
	if !errors.Is(resps[1].Err, ErrRemote) || !strings.Contains(resps[1].Err.Error(), "differ") {
		t.Fatalf("bad request error = %v", resps[1].Err)
	}
	if got := int32s(t, resps[0], "OUTPUT0"); !equalInt32s(got, []int32{4, 6}) {
		t.Fatalf("ok-1 OUTPUT0 = %v", got)
	}
	if got := int32s(t, resps[2], "OUTPUT1"); !equalInt32s(got, []int32{5}) {
		t.Fatalf("ok-2 OUTPUT1 = %v", got)
	}

	alone, err := p.engine.Infer(context.Background(), []*Request{ok1(), ok2()})
	if err != nil {
		t.Fatalf("Infer without the failing request failed: %v", err)
	}
	sameOutputs(t, resps[0], alone[0])
	sameOutputs(t, resps[2], alone[1])
}

func TestMalformedRequestIsolated(t *testing.T) {
	p := startPair(t, "add_sub", EngineOptions{}, Options{})
	e := p.engine
	ctx := context.Background()

	c := &call{w: protocol.NewWriter(e.region)}
	a, b := int32Tensor("INPUT0", 9), int32Tensor("INPUT1", 4)
	in0, err := e.writeTensor(c, &a)
	if err != nil {
		t.Fatal(err)
	}
	in1, err := e.writeTensor(c, &b)
	if err != nil {
		t.Fatal(err)
	}
	good, err := c.w.WriteRequest(protocol.RequestDesc{ID: "good", Inputs: []uint64{in0, in1}})
	if err != nil {
		t.Fatal(err)
	}
	bad, err := c.w.WriteRequest(protocol.RequestDesc{ID: "bad", Inputs: []uint64{1 << 40}})
	if err != nil {
		t.Fatal(err)
	}
	batch, err := c.w.WriteRequestBatch([]uint64{good, bad, good})
	if err != nil {
		t.Fatal(err)
	}

	reply, err := e.roundTrip(ctx, c, protocol.KindRequestReady, batch)
	if err != nil {
		t.Fatalf("roundTrip failed: %v", err)
	}
	defer e.cleanup(reply.ID)
	defer e.finish(c)

	resps, err := e.readResponses(reply, 3)
	if err != nil {
		t.Fatalf("readResponses failed: %v", err)
	}
	if resps[0].Err != nil || resps[2].Err != nil {
		t.Fatalf("valid requests failed: %v, %v", resps[0].Err, resps[2].Err)
	}
	if resps[1].Err == nil || !strings.Contains(resps[1].Err.Error(), ErrProtocol.Error()) {
		t.Fatalf("malformed request error = %v, want a protocol error", resps[1].Err)
	}
	if got := int32s(t, resps[2], "OUTPUT0"); !equalInt32s(got, []int32{13}) {
		t.Fatalf("OUTPUT0 = %v, want [13]", got)
	}
}

func TestBatchWideFault(t *testing.T) {
	cases := []struct {
		model string
		want  string
	}{
		{"test_panic", "model exploded"},
		{"test_fail", "backend unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.model, func(t *testing.T) {
			p := startPair(t, tc.model, EngineOptions{}, Options{})
			ctx := context.Background()

			for round := 0; round < 2; round++ {
				requests := []*Request{
					{ID: "a", Inputs: []Tensor{int32Tensor("INPUT0", 1)}},
					{ID: "b", Inputs: []Tensor{int32Tensor("INPUT0", 2)}},
				}
				resps, err := p.engine.Infer(ctx, requests)
				if err != nil {
					t.Fatalf("Infer failed: %v", err)
				}
				for i, r := range resps {
					if !errors.Is(r.Err, ErrRemote) || !strings.Contains(r.Err.Error(), tc.want) {
						t.Fatalf("response %d error = %v, want %q", i, r.Err, tc.want)
					}
					if !strings.Contains(r.Err.Error(), ErrUserCode.Error()) {
						t.Fatalf("response %d error = %v, want a model error", i, r.Err)
					}
				}
			}
			if err := p.engine.Ping(ctx); err != nil {
				t.Fatalf("worker stopped serving after a model fault: %v", err)
			}
		})
	}
}

func TestPingAfterQueuedRequests(t *testing.T) {
	gateEntered = make(chan struct{}, 8)
	gateRelease = make(chan struct{})

	var (
		mu    sync.Mutex
		order []protocol.Message
	)
	observe := func(m protocol.Message) {
		mu.Lock()
		order = append(order, m)
		mu.Unlock()
	}
	p := startPair(t, "test_gate", EngineOptions{observe: observe}, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	infer := func() {
		defer wg.Done()
		req := &Request{ID: "gated", Inputs: []Tensor{int32Tensor("INPUT0", 1)}}
		if _, err := p.engine.Infer(ctx, []*Request{req}); err != nil {
			t.Errorf("Infer failed: %v", err)
		}
	}

	wg.Add(1)
	go infer()
	<-gateEntered
	for i := 1; i <= 2; i++ {
		wg.Add(1)
		go infer()
		waitFor(t, "queued request", func() bool { return p.engine.toWork.Len() == uint64(i) })
	}
	pinged := make(chan error, 1)
	go func() { pinged <- p.engine.Ping(ctx) }()
	waitFor(t, "queued ping", func() bool { return p.engine.toWork.Len() == 3 })

	close(gateRelease)
	wg.Wait()
	if err := <-pinged; err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 4 {
		t.Fatalf("observed %d replies, want 4: %v", len(order), order)
	}
	for i := 0; i < 3; i++ {
		if order[i].Kind != protocol.KindResponseReady {
			t.Fatalf("reply %d is %s, want ResponseReady", i, order[i])
		}
		if i > 0 && order[i].ID <= order[i-1].ID {
			t.Fatalf("responses out of submission order: %v", order)
		}
	}
	if order[3].Kind != protocol.KindHealthPing || order[3].ID <= order[2].ID {
		t.Fatalf("ping answered out of order: %v", order)
	}
}

func TestHealthDuringLongExecute(t *testing.T) {
	gateEntered = make(chan struct{}, 8)
	gateRelease = make(chan struct{})
	p := startPair(t, "test_gate", EngineOptions{}, Options{HeartbeatInterval: 5 * time.Millisecond, HangTimeout: time.Minute})

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := &Request{ID: "slow", Inputs: []Tensor{int32Tensor("INPUT0", 1)}}
		if _, err := p.engine.Infer(context.Background(), []*Request{req}); err != nil {
			t.Errorf("Infer failed: %v", err)
		}
	}()
	<-gateEntered

	before, ok := p.engine.Health(time.Second)
	if !ok || !before.Healthy {
		t.Fatalf("health = %+v, ok %t", before, ok)
	}
	waitFor(t, "heartbeats while executing", func() bool {
		h, ok := p.engine.Health(time.Second)
		return ok && h.Beats >= before.Beats+3
	})
	after, _ := p.engine.Health(time.Second)
	if age := after.Age(time.Now()); age > time.Second {
		t.Fatalf("heartbeat is %s old", age)
	}

	close(gateRelease)
	<-done
}

func TestHeartbeatsWithheldWhileHung(t *testing.T) {
	gateEntered = make(chan struct{}, 8)
	gateRelease = make(chan struct{})
	p := startPair(t, "test_gate", EngineOptions{}, Options{HeartbeatInterval: 5 * time.Millisecond, HangTimeout: 30 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := &Request{ID: "hangs", Inputs: []Tensor{int32Tensor("INPUT0", 1)}}
		if _, err := p.engine.Infer(context.Background(), []*Request{req}); err != nil {
			t.Errorf("Infer failed: %v", err)
		}
	}()
	<-gateEntered

	waitFor(t, "stale heartbeat", func() bool {
		h, ok := p.engine.Health(time.Second)
		return ok && h.Age(time.Now()) > 100*time.Millisecond
	})
	stuck, _ := p.engine.Health(time.Second)
	time.Sleep(50 * time.Millisecond)
	if h, _ := p.engine.Health(time.Second); h.Beats != stuck.Beats {
		t.Fatalf("heartbeat advanced from %d to %d while the model hung", stuck.Beats, h.Beats)
	}

	close(gateRelease)
	<-done
	waitFor(t, "heartbeats to resume", func() bool {
		h, ok := p.engine.Health(time.Second)
		return ok && h.Beats > stuck.Beats && h.Age(time.Now()) < 50*time.Millisecond
	})
}

func TestDeferredFreeAfterCleanup(t *testing.T) {
	jitter := func() {
		if rand.IntN(3) == 0 {
			time.Sleep(time.Duration(rand.IntN(300)) * time.Microsecond)
		}
	}
	var (
		mu       sync.Mutex
		acked    = make(map[uint64]bool)
		released int
		early    []uint64
	)
	// Recorded before the cleanup is pushed, so before the worker can see it.
	onAck := func(id uint64) {
		mu.Lock()
		acked[id] = true
		mu.Unlock()
		jitter()
	}
	onRelease := func(id uint64, r Removal) {
		mu.Lock()
		if !acked[id] {
			early = append(early, id)
		}
		released++
		mu.Unlock()
		jitter()
	}
	p := startPair(t, "identity", EngineOptions{acked: onAck},
		Options{OnRelease: onRelease, HeartbeatInterval: time.Millisecond})
	ctx := context.Background()

	if err := p.engine.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	baseline := p.engine.region.Stats().Live

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				v := int32(g*1000 + i)
				req := &Request{ID: "copy", Inputs: []Tensor{int32Tensor("INPUT0", v, 2, 3)}}
				resps, err := p.engine.Infer(ctx, []*Request{req})
				if err != nil {
					t.Errorf("Infer failed: %v", err)
					return
				}
				out, ok := resps[0].Output("OUTPUT0")
				if want := int32Tensor("OUTPUT0", v, 2, 3); !ok || !bytes.Equal(out.Data, want.Data) {
					t.Errorf("OUTPUT0 of %d = %+v", v, out)
					return
				}
				jitter()
			}
		}()
	}
	wg.Wait()
	// Every cleanup was pushed before Infer returned, so ahead of the ping.
	if err := p.engine.Ping(ctx); err != nil {
		t.Fatal(err)
	}

	if live := p.engine.region.Stats().Live; live != baseline {
		t.Fatalf("live allocations = %d after cleanup, want %d", live, baseline)
	}
	mu.Lock()
	defer mu.Unlock()
	if released == 0 {
		t.Fatal("no deferred releases observed")
	}
	if len(early) > 0 {
		t.Fatalf("resources of responses %v released before the engine acknowledged them", early)
	}
}

func TestCleanupReleasesAcknowledgedOnly(t *testing.T) {
	name := testRegionName()
	r, err := shm.Create(name, shm.Options{Size: 1 << 16, MaxSize: 1 << 20})
	if err != nil {
		t.Fatal(err)
	}
	defer shm.Remove(name)
	defer r.Close()

	type release struct {
		id  uint64
		off uint64
	}
	var released []release
	b := NewBridge(Options{OnRelease: func(id uint64, rm Removal) {
		released = append(released, release{id, rm.Offset})
	}})
	b.region = r
	b.devices = device.NewHostOnly()

	baseline := r.Stats().Live
	alloc := func() uint64 {
		off, err := r.Allocate(32)
		if err != nil {
			t.Fatal(err)
		}
		return off
	}
	a1, a2, b1 := alloc(), alloc(), alloc()
	b.scheduleTensorRemoval(1, Removal{Offset: a1}, Removal{Offset: a2})
	b.scheduleTensorRemoval(2, Removal{Offset: b1})
	b.responses[1] = false
	b.responses[2] = false

	b.cleanup()
	if len(released) != 0 {
		t.Fatalf("released %v before any acknowledgement", released)
	}

	b.acknowledge(2)
	b.cleanup()
	if len(released) != 1 || released[0] != (release{2, b1}) {
		t.Fatalf("released %v, want only response 2", released)
	}

	b.acknowledge(1)
	b.cleanup()
	want := []release{{2, b1}, {1, a1}, {1, a2}}
	if len(released) != len(want) {
		t.Fatalf("released %v, want %v", released, want)
	}
	for i := range want {
		if released[i] != want[i] {
			t.Fatalf("released %v, want %v", released, want)
		}
	}
	if live := r.Stats().Live; live != baseline {
		t.Fatalf("live allocations = %d, want %d", live, baseline)
	}
}

func TestUnknownKindAcknowledged(t *testing.T) {
	p := startPair(t, "identity", EngineOptions{}, Options{})
	e := p.engine
	ctx := context.Background()

	reply, err := e.roundTrip(ctx, &call{}, protocol.MessageKind(99), 0)
	if err != nil {
		t.Fatalf("roundTrip failed: %v", err)
	}
	if reply.Kind != protocol.KindError || !reply.Error {
		t.Fatalf("reply = %s, want an error message", reply)
	}
	text, err := protocol.ReadString(e.region, reply.Payload)
	if err != nil {
		t.Fatalf("ReadString failed: %v", err)
	}
	if !strings.Contains(text, protocol.ErrUnknownKind.Error()) {
		t.Fatalf("error text = %q", text)
	}
	e.cleanup(reply.ID)

	if err := e.Ping(ctx); err != nil {
		t.Fatalf("worker stopped serving after an unknown message: %v", err)
	}
}

func TestShutdownFlag(t *testing.T) {
	p := startPair(t, "identity", EngineOptions{}, Options{})

	p.engine.RequestShutdown()
	if err := p.waitExit(2 * time.Second); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if s := p.bridge.State(); s != StateShuttingDown {
		t.Fatalf("state = %s, want ShuttingDown", s)
	}
}

func TestShutdownMessage(t *testing.T) {
	p := startPair(t, "identity", EngineOptions{}, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.engine.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := p.waitExit(2 * time.Second); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if err := p.bridge.Finalize(ctx); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if s := p.bridge.State(); s != StateFinalized {
		t.Fatalf("state = %s, want Finalized", s)
	}
	if p.engine.control.Ready() {
		t.Fatal("control block still ready after Finalize")
	}
	// A second Finalize is a no-op.
	if err := p.bridge.Finalize(ctx); err != nil {
		t.Fatalf("second Finalize failed: %v", err)
	}
}

func TestDeviceTensorRoundTrip(t *testing.T) {
	prefix := testRegionName()
	popts := shm.Options{Size: 1 << 16, MaxSize: 1 << 20}
	edrv := device.NewPoolDriver(prefix, popts)
	wdrv := device.NewPoolDriver(prefix, popts)
	t.Cleanup(func() {
		wdrv.Close()
		edrv.Close()
	})
	p := startPair(t, "identity", EngineOptions{DeviceDriver: edrv}, Options{DeviceDriver: wdrv})
	ctx := context.Background()

	ptr, err := edrv.Allocate(0, 16)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	in, err := edrv.Bytes(ptr, 16)
	if err != nil {
		t.Fatal(err)
	}
	for i := range in {
		in[i] = byte(i * 3)
	}

	req := &Request{ID: "dev", Inputs: []Tensor{{
		Name:     "INPUT0",
		DType:    TypeUINT8,
		Shape:    []int64{16},
		Memory:   MemoryDevice,
		Device:   ptr,
		ByteSize: 16,
	}}}
	resps, err := p.engine.Infer(ctx, []*Request{req})
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if resps[0].Err != nil {
		t.Fatalf("response error: %v", resps[0].Err)
	}
	out, ok := resps[0].Output("OUTPUT0")
	if !ok || out.Memory != MemoryDevice || out.ByteSize != 16 {
		t.Fatalf("unexpected output %+v", out)
	}
	got, err := edrv.Bytes(out.Device, out.ByteSize)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, in) {
		t.Fatalf("device output = %v, want %v", got, in)
	}

	// After the worker processed the cleanup only the engine's import is left.
	if err := p.engine.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	if refs, err := p.engine.devices.Refs(out.handle); err != nil || refs != 1 {
		t.Fatalf("refs = %d, %v; want 1", refs, err)
	}
	handle := out.handle
	if err := p.engine.Release(resps...); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := p.engine.devices.Refs(handle); !errors.Is(err, device.ErrInvalidHandle) {
		t.Fatalf("handle still valid after the last release: %v", err)
	}
}

func TestInitializeErrors(t *testing.T) {
	e, err := NewEngine(EngineOptions{
		RegionName:    testRegionName(),
		Region:        shm.Options{Size: 1 << 20, MaxSize: 8 << 20},
		QueueCapacity: 8,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	badControl := e.Params(BootstrapParams{ModelPath: "identity"})
	badControl.ControlOffset += protocol.ControlSize

	cases := []struct {
		name   string
		params BootstrapParams
		class  error
	}{
		{"missing region", BootstrapParams{RegionName: testRegionName(), ControlOffset: DefaultControlOffset, ModelPath: "identity"}, ErrTransport},
		{"bad control offset", badControl, ErrProtocol},
		{"unknown model", e.Params(BootstrapParams{ModelPath: "/models/nope/1/model.so"}), ErrUserCode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBridge(Options{AttachTimeout: 100 * time.Millisecond})
			err := b.Initialize(context.Background(), tc.params)
			if !errors.Is(err, tc.class) {
				t.Fatalf("Initialize error = %v, want %v", err, tc.class)
			}
			if b.State() != StateUninitialized {
				t.Fatalf("state = %s after failed Initialize", b.State())
			}
			if err := b.Finalize(context.Background()); err != nil {
				t.Fatalf("Finalize failed: %v", err)
			}
		})
	}
}

func TestRunRequiresInitialize(t *testing.T) {
	b := NewBridge(Options{})
	if err := b.Run(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Run error = %v, want ErrInvalidState", err)
	}
}

func TestInferAfterClose(t *testing.T) {
	e, err := NewEngine(EngineOptions{RegionName: testRegionName(), Region: shm.Options{Size: 1 << 20}})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := e.Infer(context.Background(), []*Request{{ID: "late"}}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Infer error = %v, want ErrClosed", err)
	}
	if _, err := os.Stat(shm.Path(e.Region())); !os.IsNotExist(err) {
		t.Fatalf("region file still present: %v", err)
	}
}

func TestRestartFailsInFlightCalls(t *testing.T) {
	e := newEngine(t, 8)
	ctx := context.Background()
	baseline := e.region.Stats().Live

	inferErr := make(chan error, 1)
	go func() {
		req := &Request{ID: "lost", Inputs: []Tensor{int32Tensor("INPUT0", 1), int32Tensor("INPUT1", 2)}}
		_, err := e.Infer(ctx, []*Request{req})
		inferErr <- err
	}()
	// The worker takes the request and dies with it.
	h, ok := e.toWork.PopTimeout(5 * time.Second)
	if !ok {
		t.Fatal("request never queued")
	}
	if _, err := protocol.TakeMessage(e.region, h); err != nil {
		t.Fatal(err)
	}
	pingErr := make(chan error, 1)
	go func() { pingErr <- e.Ping(ctx) }()
	waitFor(t, "queued ping", func() bool { return e.toWork.Len() == 1 })

	e.PrepareRestart()

	for what, errc := range map[string]chan error{"Infer": inferErr, "Ping": pingErr} {
		select {
		case err := <-errc:
			if !errors.Is(err, ErrWorkerStall) {
				t.Fatalf("%s error = %v, want ErrWorkerStall", what, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s still blocked after the restart", what)
		}
	}
	if n := e.toWork.Len(); n != 0 {
		t.Fatalf("%d messages left for the replacement worker", n)
	}
	e.mu.Lock()
	pending := len(e.pending)
	e.mu.Unlock()
	if pending != 0 {
		t.Fatalf("%d calls still pending", pending)
	}
	if live := e.region.Stats().Live; live != baseline {
		t.Fatalf("live allocations = %d, want %d", live, baseline)
	}

	b := NewBridge(Options{HeartbeatInterval: 5 * time.Millisecond})
	if err := b.Initialize(ctx, e.Params(BootstrapParams{ModelPath: "add_sub"})); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(ctx) }()
	defer b.Finalize(ctx)

	req := &Request{ID: "retried", Inputs: []Tensor{int32Tensor("INPUT0", 1), int32Tensor("INPUT1", 2)}}
	resps, err := e.Infer(ctx, []*Request{req})
	if err != nil {
		t.Fatalf("Infer on the replacement failed: %v", err)
	}
	if got := int32s(t, resps[0], "OUTPUT0"); !equalInt32s(got, []int32{3}) {
		t.Fatalf("OUTPUT0 = %v, want [3]", got)
	}
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := <-runErr; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestUnsolicitedReplyDoesNotStallRouting(t *testing.T) {
	const capacity = 4
	e := newEngine(t, capacity)

	// No worker consumes, so the worker queue stays full.
	for i := 0; i < capacity; i++ {
		off, err := protocol.WriteMessage(e.region, protocol.Message{Kind: protocol.KindHealthPing, ID: uint64(100 + i)})
		if err != nil {
			t.Fatal(err)
		}
		e.toWork.Push(off)
	}
	c := &call{reply: make(chan protocol.Message, 1), failed: make(chan error, 1)}
	e.mu.Lock()
	e.pending[7] = c
	e.mu.Unlock()

	for _, msg := range []protocol.Message{
		{Kind: protocol.KindResponseReady, ID: 5},
		{Kind: protocol.KindHealthPing, ID: 7},
	} {
		off, err := protocol.WriteMessage(e.region, msg)
		if err != nil {
			t.Fatal(err)
		}
		e.toHost.Push(off)
	}

	select {
	case reply := <-c.reply:
		if reply.ID != 7 {
			t.Fatalf("routed %s, want the reply to 7", reply)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("reply routing stalled behind the cleanup of an unsolicited reply")
	}

	// Once the worker makes room the deferred cleanup goes out.
	h, _ := e.toWork.TryPop()
	if _, err := protocol.TakeMessage(e.region, h); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "deferred cleanup", func() bool { return e.toWork.Len() == capacity })
	var last protocol.Message
	for i := 0; i < capacity; i++ {
		h, ok := e.toWork.TryPop()
		if !ok {
			t.Fatalf("queue drained after %d messages", i)
		}
		msg, err := protocol.TakeMessage(e.region, h)
		if err != nil {
			t.Fatal(err)
		}
		last = msg
	}
	if last.Kind != protocol.KindCleanup || last.ID != 5 {
		t.Fatalf("last queued message = %s, want the cleanup of 5", last)
	}
}
