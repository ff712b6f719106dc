// Package compute submits compute work to the firmware's compute pipe.
//
// A Queue owns everything one client needs to dispatch compute jobs: a
// work queue bound to the compute pipe, the execution context the jobs
// run in, and a completion notifier whose threshold counts submitted
// jobs. Run stages a single dispatch end to end: it places the command
// record and its micro-operation program in device memory, binds the
// command to the queue's next completion value, and notifies the
// firmware. The returned Submission tracks that one dispatch.
package compute

import (
	"context"
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/joeycumines/logiface"

	"github.com/perjahn/asahilinux/alloc"
	"github.com/perjahn/asahilinux/channel"
	"github.com/perjahn/asahilinux/event"
	"github.com/perjahn/asahilinux/fw"
	"github.com/perjahn/asahilinux/microseq"
	"github.com/perjahn/asahilinux/workqueue"
)

// pipelineBase is the fixed device address window compute pipelines are
// mapped at.
const pipelineBase fw.GpuVa = 0x11_0000_0000

// statsBlockSize is the firmware's per-queue compute statistics block.
const statsBlockSize = 0x180

type (
	// Queue dispatches compute jobs for one client. Instances must be
	// created with NewQueue. Run serializes on the underlying work queue,
	// so a Queue is safe for concurrent use.
	Queue struct {
		logger *logiface.Logger[logiface.Event]
		arena  *alloc.Arena
		pipe   *channel.Pipe
		wq     *workqueue.WorkQueue
		id     uint64
		vmSlot uint32

		gpuContext   *alloc.Object[fw.GpuContextData]
		notifierList *alloc.Object[fw.NotifierList]
		threshold    *alloc.Object[fw.Threshold]
		notifier     *alloc.Object[fw.Notifier]
		stats        alloc.Buf

		cmdSeq atomic.Uint64
	}

	// Option configures NewQueue.
	Option interface {
		applyQueue(*options) error
	}

	options struct {
		capacity int
		logger   *logiface.Logger[logiface.Event]
	}

	optionImpl struct {
		applyQueueFunc func(*options) error
	}
)

func (o *optionImpl) applyQueue(opts *options) error {
	return o.applyQueueFunc(opts)
}

// WithRingCapacity overrides the work-queue ring size in slots.
// **Defaults to workqueue.DefaultRingCapacity.**
func WithRingCapacity(n int) Option {
	return &optionImpl{func(opts *options) error {
		opts.capacity = n
		return nil
	}}
}

// WithLogger attaches a logger to the queue and its work queue. A nil
// logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// NewQueue builds a compute queue for the client identified by id, whose
// work runs in the address space bound to vmSlot. The execution context,
// notifier chain, and queue descriptors are placed in a and live for the
// queue's lifetime. pipe must be the compute pipe's submission channel.
func NewQueue(mgr *event.Manager, a *alloc.Arena, pipe *channel.Pipe, id uint64, vmSlot, priority uint32, opts ...Option) (*Queue, error) {
	if a == nil {
		panic(`compute: nil arena`)
	}
	if pipe == nil {
		panic(`compute: nil pipe channel`)
	}
	if pipe.PipeType() != fw.PipeCompute {
		return nil, errors.New("compute: submission channel is not the compute pipe")
	}
	var cfg options
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o.applyQueue(&cfg); err != nil {
			return nil, err
		}
	}

	gpuContext, err := alloc.New[fw.GpuContextData](a)
	if err != nil {
		return nil, err
	}
	notifierList, err := alloc.New[fw.NotifierList](a)
	if err != nil {
		return nil, err
	}
	threshold, err := alloc.New[fw.Threshold](a)
	if err != nil {
		return nil, err
	}
	notifier, err := alloc.New[fw.Notifier](a)
	if err != nil {
		return nil, err
	}
	stats, err := a.Alloc(statsBlockSize)
	if err != nil {
		return nil, err
	}

	// An empty notifier list points back at its own head.
	list := notifierList.Ptr()
	list.Next = notifierList.GpuVa()
	list.Prev = notifierList.GpuVa()

	raw := notifier.Ptr()
	raw.Threshold = threshold.GpuVa()
	raw.Generation.Store(uint32(id))
	raw.Unk10.Store(0x50)

	wqOpts := []workqueue.Option{
		workqueue.WithGpuContext(gpuContext.GpuVa()),
		workqueue.WithNotifierList(notifierList.GpuVa()),
		workqueue.WithLogger(cfg.logger),
	}
	if cfg.capacity != 0 {
		wqOpts = append(wqOpts, workqueue.WithRingCapacity(cfg.capacity))
	}
	wq, err := workqueue.New(mgr, a, fw.PipeCompute, priority, wqOpts...)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		logger:       cfg.logger,
		arena:        a,
		pipe:         pipe,
		wq:           wq,
		id:           id,
		vmSlot:       vmSlot,
		gpuContext:   gpuContext,
		notifierList: notifierList,
		threshold:    threshold,
		notifier:     notifier,
		stats:        stats,
	}
	q.logger.Debug().
		Uint64("id", id).
		Uint64("vm_slot", uint64(vmSlot)).
		Stringer("queue", wq.UUID()).
		Log("compute queue created")
	return q, nil
}

// ID returns the client identity the queue was created with.
func (q *Queue) ID() uint64 {
	return q.id
}

// VMSlot returns the address-space slot the queue's work runs in.
func (q *Queue) VMSlot() uint32 {
	return q.vmSlot
}

// Job describes one compute dispatch. The encoder window is client-built
// device memory; the queue does not interpret it.
type Job struct {
	// Encoder and EncoderEnd bound the control stream to execute.
	Encoder    fw.GpuVa
	EncoderEnd fw.GpuVa
	// EncoderID tags the control stream for firmware diagnostics.
	EncoderID uint32
	// UUID identifies the dispatch in firmware crash logs.
	UUID uint32
}

// Submission is one in-flight compute dispatch.
type Submission struct {
	batch      *workqueue.Batch
	timestamps *alloc.Object[fw.JobTimestamps]
	seq        uint64
}

// Batch returns the work-queue batch carrying the dispatch.
func (s *Submission) Batch() *workqueue.Batch {
	return s.batch
}

// Seq returns the dispatch's queue-local sequence number.
func (s *Submission) Seq() uint64 {
	return s.seq
}

// Wait blocks until the dispatch completes and returns its failure
// classification, nil on success.
func (s *Submission) Wait(ctx context.Context) error {
	return s.batch.Wait(ctx)
}

// Timestamps returns the device clock samples bracketing the dispatch's
// execution. They are meaningful once Wait has returned nil.
func (s *Submission) Timestamps() (start, end uint64) {
	ts := s.timestamps.Ptr()
	return ts.Start.Load(), ts.End.Load()
}

// Run dispatches job: it allocates the command record and its
// micro-operation program, commits them as a one-command batch bound to
// the queue's next completion value, and notifies the firmware. Run
// blocks while the ring is full; ctx bounds that wait. A full submission
// channel surfaces as channel.ErrFull after the batch is already
// committed, in which case the work is queued but the firmware was not
// notified, and the caller decides whether to retry the notification with
// the next dispatch.
func (q *Queue) Run(ctx context.Context, job Job) (*Submission, error) {
	timestamps, err := alloc.New[fw.JobTimestamps](q.arena)
	if err != nil {
		return nil, err
	}
	rc, err := alloc.New[fw.RunCompute](q.arena)
	if err != nil {
		return nil, err
	}
	seq := q.cmdSeq.Add(1) - 1

	b, err := q.wq.BeginBatch(q.vmSlot)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	ev := b.Event()
	next := b.EventValue().Next()

	var (
		rcLayout fw.RunCompute
		tsLayout fw.JobTimestamps
	)
	curTS := rc.GpuVa() + fw.GpuVa(unsafe.Offsetof(rcLayout.CurTS))
	startTS := timestamps.GpuVa() + fw.GpuVa(unsafe.Offsetof(tsLayout.Start))
	endTS := timestamps.GpuVa() + fw.GpuVa(unsafe.Offsetof(tsLayout.End))
	info := q.wq.InfoVa()

	// The job parameters live in the command record itself, so the
	// program's parameter pointer is the record.
	var mb microseq.Builder
	start := mb.Add(microseq.StartCompute{
		JobParams:       rc.GpuVa(),
		Stats:           q.stats.GpuVa(),
		WorkQueue:       info,
		VMSlot:          q.vmSlot,
		EventGeneration: uint32(q.id),
		CmdSeq:          seq,
		UUID:            job.UUID,
	})
	mb.Add(microseq.Timestamp{
		Begin:     true,
		CurTS:     curTS,
		StartTS:   startTS,
		UpdateTS:  startTS,
		WorkQueue: info,
		UUID:      job.UUID,
	})
	mb.Add(microseq.WaitForIdle{Pipe: fw.PipeCompute})
	mb.Add(microseq.Timestamp{
		Begin:     false,
		CurTS:     curTS,
		StartTS:   startTS,
		UpdateTS:  endTS,
		WorkQueue: info,
		UUID:      job.UUID,
	})
	mb.Add(microseq.FinalizeCompute{
		Stats:               q.stats.GpuVa(),
		WorkQueue:           info,
		VMSlot:              q.vmSlot,
		FwStamp:             ev.FwStampPointer(),
		StampValue:          next,
		UUID:                job.UUID,
		RestartBranchOffset: mb.OffsetTo(start),
	})
	mb.Add(microseq.RetireStamp{})
	prog, err := mb.Build(q.arena)
	if err != nil {
		return nil, err
	}

	raw := rc.Ptr()
	raw.Tag = fw.CommandRunCompute
	raw.VMSlot = q.vmSlot
	raw.Notifier = q.notifier.GpuVa()
	raw.PipelineBase = pipelineBase
	raw.Encoder = job.Encoder
	raw.EncoderEnd = job.EncoderEnd
	raw.EncoderID = job.EncoderID
	raw.MicroSeq = prog.GpuVa()
	raw.MicroSeqSize = uint32(prog.Size())
	raw.Meta = fw.JobMeta{
		Stamp:          ev.StampPointer(),
		FwStamp:        ev.FwStampPointer(),
		StampValue:     uint32(next),
		StampSlot:      uint32(ev.Slot()),
		UUID:           job.UUID,
		PrevStampValue: uint32(b.EventValue()),
	}
	raw.StartTS = startTS
	raw.EndTS = endTS
	raw.ClientSequence = uint8(q.id)

	q.threshold.Ptr().Increment()

	if err := b.Add(ctx, workqueue.Command{
		Addr: rc.GpuVa(),
		Size: fw.RunComputeSize,
		Kind: fw.CommandRunCompute,
	}); err != nil {
		return nil, err
	}
	batch, err := b.Commit()
	if err != nil {
		return nil, err
	}
	if err := b.Submit(q.pipe); err != nil {
		return nil, err
	}

	q.logger.Debug().
		Uint64("id", q.id).
		Uint64("seq", seq).
		Stringer("value", batch.Value()).
		Uint64("uuid", uint64(job.UUID)).
		Log("compute job submitted")
	return &Submission{batch: batch, timestamps: timestamps, seq: seq}, nil
}
