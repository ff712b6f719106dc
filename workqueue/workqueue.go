// Package workqueue manages submission of GPU work to the firmware's
// execution pipes and tracks its completion.
//
// The firmware schedules work out of work queues: per-pipe ring buffers of
// pointers to command payloads. Commands are staged into the ring through a
// BatchBuilder and committed as batches, each batch bound to the next value
// of a completion counter leased from the shared event pool. When the
// firmware reports progress against that counter, Signal retires completed
// batches in submission order, frees their ring slots for blocked
// producers, and wakes their waiters. An idle queue gives its event back to
// the pool. Device faults and timeouts arrive through MarkError, which
// classifies the affected in-flight batches without retiring them.
//
// One mutex per queue serializes every mutating operation. A BatchBuilder
// holds that mutex for its whole lifetime, so at most one builder is ever
// live per queue; Signal and MarkError do bounded work under the mutex and
// complete waiters only after releasing it, keeping both safe to call from
// the firmware notification path.
package workqueue

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/joeycumines/logiface"

	"github.com/perjahn/asahilinux/alloc"
	"github.com/perjahn/asahilinux/event"
	"github.com/perjahn/asahilinux/fw"
)

// ErrInvalidPriority is returned by New when the queue priority is outside
// the supported 0 to 3 range.
var ErrInvalidPriority = errors.New("workqueue: priority out of range")

// DefaultRingCapacity is the ring size in slots, matching the firmware's
// default work-queue ring. One slot is always kept empty, so the usable
// depth is one less.
const DefaultRingCapacity = 0x500

type (
	// WorkQueue is one firmware-scheduled submission stream. Instances
	// must be created with New. All methods are safe for concurrent use;
	// BeginBatch blocks while another builder is live.
	WorkQueue struct {
		logger   *logiface.Logger[logiface.Event]
		mgr      *event.Manager
		id       uuid.UUID
		pipe     fw.PipeType
		priority uint32
		size     uint32

		info   *alloc.Object[fw.QueueInfo]
		state  *alloc.Object[fw.RingState]
		ring   *alloc.Slice[fw.GpuVa]
		gpuBuf alloc.Buf

		mu   sync.Mutex
		cond sync.Cond // wakes ring-space waiters; L is mu

		// Everything below is guarded by mu.
		wptr        uint32
		pending     []Command
		batches     []*Batch
		lastToken   event.Token
		event       *event.Event
		eventValue  event.Value
		isNew       bool
		builderOpen bool
	}

	// Option configures New.
	Option interface {
		applyWorkQueue(*options) error
	}

	options struct {
		capacity     int
		gpuContext   fw.GpuVa
		notifierList fw.GpuVa
		logger       *logiface.Logger[logiface.Event]
	}

	optionImpl struct {
		applyWorkQueueFunc func(*options) error
	}
)

func (o *optionImpl) applyWorkQueue(opts *options) error {
	return o.applyWorkQueueFunc(opts)
}

// WithRingCapacity overrides the ring size in slots.
// **Defaults to DefaultRingCapacity.**
func WithRingCapacity(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 2 {
			return errors.New("workqueue: ring capacity must be at least 2")
		}
		opts.capacity = n
		return nil
	}}
}

// WithGpuContext links the queue to the execution context it runs in. The
// address lands in the queue descriptor for the firmware to follow.
func WithGpuContext(va fw.GpuVa) Option {
	return &optionImpl{func(opts *options) error {
		opts.gpuContext = va
		return nil
	}}
}

// WithNotifierList links the queue to its client's completion notifier
// list.
func WithNotifierList(va fw.GpuVa) Option {
	return &optionImpl{func(opts *options) error {
		opts.notifierList = va
		return nil
	}}
}

// WithLogger attaches a logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// New allocates a work queue for one pipe at the given priority (0 is
// highest, 3 is lowest). The ring, its shared pointer block, and the queue
// descriptor are placed in a; their device addresses are fixed for the
// queue's lifetime.
func New(mgr *event.Manager, a *alloc.Arena, pipe fw.PipeType, priority uint32, opts ...Option) (*WorkQueue, error) {
	if mgr == nil {
		panic(`workqueue: nil event manager`)
	}
	if a == nil {
		panic(`workqueue: nil arena`)
	}
	if !pipe.Valid() {
		return nil, errors.New("workqueue: invalid pipe type")
	}
	if priority >= uint32(len(fw.Priority)) {
		return nil, ErrInvalidPriority
	}
	cfg := options{capacity: DefaultRingCapacity}
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o.applyWorkQueue(&cfg); err != nil {
			return nil, err
		}
	}

	state, err := alloc.New[fw.RingState](a)
	if err != nil {
		return nil, err
	}
	ring, err := alloc.NewSlice[fw.GpuVa](a, cfg.capacity)
	if err != nil {
		return nil, err
	}
	gpuBuf, err := a.Alloc(fw.QueueInfoGpuBufSize)
	if err != nil {
		return nil, err
	}
	info, err := alloc.New[fw.QueueInfo](a)
	if err != nil {
		return nil, err
	}

	q := &WorkQueue{
		logger:   cfg.logger,
		mgr:      mgr,
		id:       uuid.New(),
		pipe:     pipe,
		priority: priority,
		size:     uint32(cfg.capacity),
		info:     info,
		state:    state,
		ring:     ring,
		gpuBuf:   gpuBuf,
	}
	q.cond.L = &q.mu

	state.Ptr().RbSize = q.size

	raw := info.Ptr()
	raw.State = state.GpuVa()
	raw.Ring = ring.GpuVa()
	raw.NotifierList = cfg.notifierList
	raw.GpuBuf = gpuBuf.GpuVa()
	raw.EventID.Store(-1)
	raw.Priority = fw.Priority[priority]
	raw.UUID = binary.LittleEndian.Uint32(q.id[:4])
	raw.GpuContext = cfg.gpuContext

	return q, nil
}

// PipeType returns the pipe the queue submits to.
func (q *WorkQueue) PipeType() fw.PipeType {
	return q.pipe
}

// Priority returns the queue priority, 0 to 3.
func (q *WorkQueue) Priority() uint32 {
	return q.priority
}

// UUID returns the queue's identity, also stamped into the descriptor for
// firmware crash logs.
func (q *WorkQueue) UUID() uuid.UUID {
	return q.id
}

// RingCapacity returns the ring size in slots.
func (q *WorkQueue) RingCapacity() uint32 {
	return q.size
}

// InfoVa returns the device address of the queue descriptor, the handle
// the firmware knows the queue by.
func (q *WorkQueue) InfoVa() fw.GpuVa {
	return q.info.GpuVa()
}

// doneptr reads the firmware's consumed-slot cursor.
func (q *WorkQueue) doneptr() uint32 {
	return q.state.Ptr().GpuDoneptr.Load()
}

// BeginBatch starts staging work issued from vmSlot. It acquires the queue
// lock and hands it to the returned builder, which releases it on Close;
// every BeginBatch must be paired with a Close. A queue with no event
// leases one here, preferring the slot it last held; the lease error is
// surfaced unchanged when the pool is exhausted.
func (q *WorkQueue) BeginBatch(vmSlot uint32) (*BatchBuilder, error) {
	q.mu.Lock()
	if q.event == nil {
		ev, err := q.mgr.Lease(q.lastToken, q)
		if err != nil {
			q.mu.Unlock()
			return nil, err
		}
		q.lastToken = ev.Token()
		q.event = ev
		q.eventValue = ev.Current()
		// The firmware has no state for this queue under the fresh event
		// slot; the first submission must ask for a full resync.
		q.isNew = true
		q.info.Ptr().EventID.Store(int32(ev.Slot()))
		q.logger.Debug().
			Stringer("queue", q.id).
			Uint64("slot", uint64(ev.Slot())).
			Stringer("value", q.eventValue).
			Log("event bound")
	}
	q.builderOpen = true
	return &BatchBuilder{
		queue:  q,
		wptr:   q.wptr,
		vmSlot: vmSlot,
	}, nil
}

// Signal retires whatever the device has finished. It reads the event
// counter, retires the completed prefix of in-flight batches, publishes
// the freed-slot cursor, wakes producers blocked on ring space, and, once
// nothing is in flight and no builder is live, returns the event to the
// pool. Completion channels are closed only after the lock is released.
// It reports whether the queue has no work in flight.
//
// Signal is called from the firmware notification path: work under the
// lock is bounded by the in-flight batch count, and nothing in it blocks.
func (q *WorkQueue) Signal() bool {
	q.mu.Lock()
	if q.event == nil {
		q.mu.Unlock()
		q.logger.Warning().
			Stringer("queue", q.id).
			Log("signal with no event leased")
		return true
	}
	cur := q.event.MirrorCurrent()

	completed, commands := 0, 0
	for _, b := range q.batches {
		if !b.value.AtOrBefore(cur) {
			break
		}
		completed++
		commands += b.commands
	}

	var retired []*Batch
	if completed > 0 {
		retired = q.batches[:completed:completed]
		q.batches = q.batches[completed:]
		q.state.Ptr().CpuFreeptr.Store(retired[len(retired)-1].wptr)
		q.pending = q.pending[commands:]
	}
	q.cond.Broadcast()
	idle := len(q.batches) == 0
	if idle {
		q.releaseEventLocked()
	}
	q.mu.Unlock()

	if completed > 0 {
		q.logger.Debug().
			Stringer("queue", q.id).
			Stringer("value", cur).
			Int("batches", completed).
			Int("commands", commands).
			Log("retired")
	}
	for _, b := range retired {
		close(b.done)
	}
	return idle
}

// MarkError classifies all in-flight work at or before value as failed
// with cause. Anything the device already finished counts as finished,
// even if its completion notice raced the fault, so completions are
// processed first. A Fault whose context differs from a batch's own is
// stored as ErrKilled; every other cause is stored verbatim. Batches stay
// in flight: retirement still requires the device to advance.
//
// Like Signal, MarkError is safe to call from the firmware notification
// path.
func (q *WorkQueue) MarkError(value event.Value, cause error) {
	q.Signal()

	q.mu.Lock()
	if q.event == nil {
		q.mu.Unlock()
		q.logger.Warning().
			Stringer("queue", q.id).
			Err(cause).
			Log("failure notice with no event leased")
		return
	}
	marked := 0
	for _, b := range q.batches {
		if !b.value.AtOrBefore(value) {
			break
		}
		b.setErr(classify(cause, b.vmSlot))
		marked++
	}
	q.mu.Unlock()

	q.logger.Warning().
		Stringer("queue", q.id).
		Stringer("value", value).
		Int("batches", marked).
		Err(cause).
		Log("work failed")
}

// classify derives the stored classification for one batch: a fault from
// a different execution context becomes ErrKilled, anything else is the
// batch's own failure.
func classify(cause error, vmSlot uint32) error {
	var fault *FaultError
	if errors.As(cause, &fault) && fault.Info.VMSlot != vmSlot {
		return ErrKilled
	}
	return cause
}

// The event is kept while batches are in flight, and also while a builder
// is live: a producer blocked on ring space must find its event still
// bound after the queue drains under it. Caller holds mu.
func (q *WorkQueue) releaseEventLocked() {
	if q.event == nil || q.builderOpen || len(q.batches) != 0 {
		return
	}
	q.info.Ptr().EventID.Store(-1)
	q.mgr.Release(q.event)
	q.event = nil
}
