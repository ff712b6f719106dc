package fwsim

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/perjahn/asahilinux/alloc"
	"github.com/perjahn/asahilinux/channel"
	"github.com/perjahn/asahilinux/event"
	"github.com/perjahn/asahilinux/fw"
	"github.com/perjahn/asahilinux/microseq"
)

// The tests here drive the simulator from below: they lay out queue
// descriptors, rings, and command records by hand, so they check the
// consumer against the raw shared-memory protocol rather than against the
// submission engine.

type rig struct {
	t     *testing.T
	arena *alloc.Arena
	mgr   *event.Manager
	sim   *Simulator
	pipe  *channel.Pipe
}

func newRig(t *testing.T) *rig {
	t.Helper()
	a, err := alloc.NewArena(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	mgr, err := event.NewManager(a, event.WithSlotCount(4))
	require.NoError(t, err)
	sim := New(Config{Arena: a, Events: mgr})
	pipe, err := channel.NewPipe(a, fw.PipeCompute, channel.WithDoorbell(sim.Doorbell))
	require.NoError(t, err)
	sim.Attach(pipe)
	return &rig{t: t, arena: a, mgr: mgr, sim: sim, pipe: pipe}
}

type failure struct {
	value event.Value
	cause error
}

// recordingOwner stands in for a work queue on the notification side.
type recordingOwner struct {
	mu       sync.Mutex
	signals  int
	failures []failure
}

func (o *recordingOwner) Signal() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.signals++
	return false
}

func (o *recordingOwner) MarkError(value event.Value, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, failure{value: value, cause: cause})
}

func (o *recordingOwner) snapshot() (int, []failure) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.signals, append([]failure(nil), o.failures...)
}

// rawQueue is a hand-built device-side queue: descriptor, ring state,
// ring, and a leased event routed to a recording owner.
type rawQueue struct {
	info  *alloc.Object[fw.QueueInfo]
	state *alloc.Object[fw.RingState]
	ring  *alloc.Slice[fw.GpuVa]
	ev    *event.Event
	owner *recordingOwner
}

func (r *rig) buildQueue(capacity int) *rawQueue {
	r.t.Helper()
	state, err := alloc.New[fw.RingState](r.arena)
	require.NoError(r.t, err)
	state.Ptr().RbSize = uint32(capacity)
	ring, err := alloc.NewSlice[fw.GpuVa](r.arena, capacity)
	require.NoError(r.t, err)
	owner := &recordingOwner{}
	ev, err := r.mgr.Lease(event.Token{}, owner)
	require.NoError(r.t, err)
	info, err := alloc.New[fw.QueueInfo](r.arena)
	require.NoError(r.t, err)
	qi := info.Ptr()
	qi.State = state.GpuVa()
	qi.Ring = ring.GpuVa()
	qi.EventID.Store(int32(ev.Slot()))
	return &rawQueue{info: info, state: state, ring: ring, ev: ev, owner: owner}
}

func (q *rawQueue) msg(wptr uint32, isNew bool) *fw.RunWorkQueueMsg {
	return &fw.RunWorkQueueMsg{
		PipeType:  fw.PipeCompute,
		WorkQueue: q.info.GpuVa(),
		Wptr:      wptr,
		EventSlot: uint32(q.ev.Slot()),
		IsNew:     isNew,
	}
}

// place builds a run-compute command that publishes value, drops it into
// ring slot slot, and returns the command record and its two-word
// timestamp scratch.
func (r *rig) place(q *rawQueue, slot int, value event.Value, vm uint32) (*alloc.Object[fw.RunCompute], *alloc.Slice[atomic.Uint64]) {
	r.t.Helper()
	rc, err := alloc.New[fw.RunCompute](r.arena)
	require.NoError(r.t, err)
	scratch, err := alloc.NewSlice[atomic.Uint64](r.arena, 2)
	require.NoError(r.t, err)

	var layout fw.RunCompute
	curTS := rc.GpuVa() + fw.GpuVa(unsafe.Offsetof(layout.CurTS))
	info := q.info.GpuVa()

	var mb microseq.Builder
	start := mb.Add(microseq.StartCompute{
		JobParams: rc.GpuVa(),
		WorkQueue: info,
		VMSlot:    vm,
	})
	mb.Add(microseq.Timestamp{
		Begin:     true,
		CurTS:     curTS,
		StartTS:   scratch.ElemVa(0),
		UpdateTS:  scratch.ElemVa(0),
		WorkQueue: info,
	})
	mb.Add(microseq.WaitForIdle{Pipe: fw.PipeCompute})
	mb.Add(microseq.Timestamp{
		Begin:     false,
		CurTS:     curTS,
		StartTS:   scratch.ElemVa(0),
		UpdateTS:  scratch.ElemVa(1),
		WorkQueue: info,
	})
	mb.Add(microseq.FinalizeCompute{
		WorkQueue:           info,
		VMSlot:              vm,
		FwStamp:             q.ev.FwStampPointer(),
		StampValue:          value,
		RestartBranchOffset: mb.OffsetTo(start),
	})
	mb.Add(microseq.RetireStamp{})
	prog, err := mb.Build(r.arena)
	require.NoError(r.t, err)

	raw := rc.Ptr()
	raw.Tag = fw.CommandRunCompute
	raw.VMSlot = vm
	raw.MicroSeq = prog.GpuVa()
	raw.MicroSeqSize = uint32(prog.Size())
	raw.Meta.FwStamp = q.ev.FwStampPointer()
	raw.Meta.StampValue = uint32(value)

	q.ring.Elems()[slot] = rc.GpuVa()
	return rc, scratch
}

func TestDrainExecutesCommand(t *testing.T) {
	r := newRig(t)
	q := r.buildQueue(8)
	_, scratch := r.place(q, 0, 1, 3)

	require.NoError(t, r.pipe.Send(q.msg(1, true)))
	require.NoError(t, r.sim.Drain())

	assert.Equal(t, event.Value(1), q.ev.Current())
	assert.Equal(t, uint32(1), q.state.Ptr().GpuDoneptr.Load())
	assert.Equal(t, uint32(1), q.state.Ptr().GpuRptr.Load())
	assert.Equal(t, uint32(0), q.info.Ptr().Busy.Load())

	signals, failures := q.owner.snapshot()
	assert.Equal(t, 1, signals)
	assert.Empty(t, failures)

	begin := scratch.Elems()[0].Load()
	end := scratch.Elems()[1].Load()
	assert.Positive(t, begin)
	assert.Greater(t, end, begin)
}

func TestDrainScansToWptrOnly(t *testing.T) {
	r := newRig(t)
	q := r.buildQueue(8)
	r.place(q, 0, 1, 3)
	r.place(q, 1, 2, 3)

	// The message only publishes the first command.
	require.NoError(t, r.pipe.Send(q.msg(1, true)))
	require.NoError(t, r.sim.Drain())
	assert.Equal(t, event.Value(1), q.ev.Current())

	require.NoError(t, r.pipe.Send(q.msg(2, false)))
	require.NoError(t, r.sim.Drain())
	assert.Equal(t, event.Value(2), q.ev.Current())

	signals, _ := q.owner.snapshot()
	assert.Equal(t, 2, signals)
}

func TestFailNextRoutesFaultAndHalts(t *testing.T) {
	r := newRig(t)
	q := r.buildQueue(8)
	r.place(q, 0, 1, 3)

	cause := errors.New("device fault")
	r.sim.FailNext(cause)
	require.NoError(t, r.pipe.Send(q.msg(1, true)))
	require.NoError(t, r.sim.Drain())

	// The stamp stays unpublished and the cursor does not advance.
	assert.Equal(t, event.Value(0), q.ev.Current())
	assert.Equal(t, uint32(0), q.state.Ptr().GpuDoneptr.Load())
	signals, failures := q.owner.snapshot()
	assert.Zero(t, signals)
	require.Len(t, failures, 1)
	assert.Equal(t, event.Value(1), failures[0].value)
	assert.ErrorIs(t, failures[0].cause, cause)

	// Later messages for the halted queue are dropped.
	r.place(q, 1, 2, 3)
	require.NoError(t, r.pipe.Send(q.msg(2, false)))
	require.NoError(t, r.sim.Drain())
	signals, failures = q.owner.snapshot()
	assert.Zero(t, signals)
	assert.Len(t, failures, 1)
}

func TestScanRequiresResync(t *testing.T) {
	r := newRig(t)
	q := r.buildQueue(8)
	r.place(q, 0, 1, 3)

	require.NoError(t, r.pipe.Send(q.msg(1, false)))
	err := r.sim.Drain()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resync")
}

func TestUnmappedQueueDescriptor(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.pipe.Send(&fw.RunWorkQueueMsg{
		PipeType:  fw.PipeCompute,
		WorkQueue: 0x7000_0000,
		Wptr:      1,
		IsNew:     true,
	}))
	assert.Error(t, r.sim.Drain())
}

func TestRejectsForeignCommandTag(t *testing.T) {
	r := newRig(t)
	q := r.buildQueue(8)
	rc, _ := r.place(q, 0, 1, 3)
	rc.Ptr().Tag = fw.CommandBarrier

	require.NoError(t, r.pipe.Send(q.msg(1, true)))
	assert.Error(t, r.sim.Drain())
}

func TestEventBindingMismatch(t *testing.T) {
	r := newRig(t)
	q := r.buildQueue(8)
	r.place(q, 0, 1, 3)
	q.info.Ptr().EventID.Store(int32(q.ev.Slot()) + 1)

	require.NoError(t, r.pipe.Send(q.msg(1, true)))
	assert.Error(t, r.sim.Drain())
}

func TestRunPumpsOnDoorbell(t *testing.T) {
	r := newRig(t)
	q := r.buildQueue(8)
	r.place(q, 0, 1, 3)

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error { return r.sim.Run(ctx) })

	require.NoError(t, r.pipe.Send(q.msg(1, true)))
	require.Eventually(t, func() bool {
		signals, _ := q.owner.snapshot()
		return signals == 1
	}, time.Second, 2*time.Millisecond)

	cancel()
	require.NoError(t, g.Wait())
}
