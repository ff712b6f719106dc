// Package channel implements the host-to-firmware pipe submission
// channels.
//
// Each execution pipe has one channel: a small device-shared ring of
// run-work-queue records plus a doorbell. The host appends a record per
// batch submission; the firmware consumes records at its own pace and
// rescans the named work queue.
package channel

import (
	"errors"
	"sync"

	"github.com/joeycumines/logiface"

	"github.com/perjahn/asahilinux/alloc"
	"github.com/perjahn/asahilinux/fw"
)

// ErrFull is returned by Send when the firmware has not consumed enough
// messages to leave a free slot. The submission path never blocks on the
// firmware, so this surfaces to the caller instead.
var ErrFull = errors.New("channel: message ring full")

// DefaultCapacity is the message-ring capacity, in records.
const DefaultCapacity = 0x100

type (
	// Pipe is one pipe's submission channel. Instances must be created
	// with NewPipe. Send is safe for concurrent use; Recv is reserved for
	// the single firmware-side consumer.
	Pipe struct {
		logger   *logiface.Logger[logiface.Event]
		pipe     fw.PipeType
		doorbell func()
		capacity uint32
		state    *alloc.Object[fw.ChannelState]
		ring     *alloc.Slice[fw.RunWorkQueueMsg]

		mu sync.Mutex
	}

	// PipeOption configures NewPipe.
	PipeOption interface {
		applyPipe(*pipeOptions) error
	}

	pipeOptions struct {
		capacity int
		doorbell func()
		logger   *logiface.Logger[logiface.Event]
	}

	pipeOptionImpl struct {
		applyPipeFunc func(*pipeOptions) error
	}
)

func (o *pipeOptionImpl) applyPipe(opts *pipeOptions) error {
	return o.applyPipeFunc(opts)
}

// WithCapacity overrides the message-ring capacity.
// **Defaults to DefaultCapacity.**
func WithCapacity(n int) PipeOption {
	return &pipeOptionImpl{func(opts *pipeOptions) error {
		if n < 2 {
			return errors.New("channel: capacity must be at least 2")
		}
		opts.capacity = n
		return nil
	}}
}

// WithDoorbell installs the doorbell rung after each Send. The callback
// must not call back into the Pipe.
func WithDoorbell(fn func()) PipeOption {
	return &pipeOptionImpl{func(opts *pipeOptions) error {
		opts.doorbell = fn
		return nil
	}}
}

// WithLogger attaches a logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) PipeOption {
	return &pipeOptionImpl{func(opts *pipeOptions) error {
		opts.logger = logger
		return nil
	}}
}

// NewPipe allocates the channel's shared state and message ring in a.
func NewPipe(a *alloc.Arena, pipe fw.PipeType, options ...PipeOption) (*Pipe, error) {
	if a == nil {
		panic(`channel: nil arena`)
	}
	if !pipe.Valid() {
		return nil, errors.New("channel: invalid pipe type")
	}
	cfg := pipeOptions{capacity: DefaultCapacity}
	for _, o := range options {
		if o == nil {
			continue
		}
		if err := o.applyPipe(&cfg); err != nil {
			return nil, err
		}
	}
	state, err := alloc.New[fw.ChannelState](a)
	if err != nil {
		return nil, err
	}
	ring, err := alloc.NewSlice[fw.RunWorkQueueMsg](a, cfg.capacity)
	if err != nil {
		return nil, err
	}
	return &Pipe{
		logger:   cfg.logger,
		pipe:     pipe,
		doorbell: cfg.doorbell,
		capacity: uint32(cfg.capacity),
		state:    state,
		ring:     ring,
	}, nil
}

// PipeType returns the pipe this channel submits to.
func (p *Pipe) PipeType() fw.PipeType {
	return p.pipe
}

// Send appends msg to the message ring and rings the doorbell. It returns
// ErrFull without blocking if the firmware has fallen behind; retrying is
// the dispatch layer's decision.
func (p *Pipe) Send(msg *fw.RunWorkQueueMsg) error {
	if msg == nil {
		panic(`channel: nil message`)
	}
	p.mu.Lock()
	st := p.state.Ptr()
	wptr := st.Wptr.Load()
	if (wptr+1)%p.capacity == st.Rptr.Load() {
		p.mu.Unlock()
		return ErrFull
	}
	p.ring.Elems()[wptr] = *msg
	st.Wptr.Store((wptr + 1) % p.capacity)
	p.mu.Unlock()

	p.logger.Debug().
		Stringer("pipe", p.pipe).
		Uint64("wptr", uint64(msg.Wptr)).
		Uint64("event_slot", uint64(msg.EventSlot)).
		Bool("new", msg.IsNew).
		Log("run work queue")
	if p.doorbell != nil {
		p.doorbell()
	}
	return nil
}

// Recv consumes the oldest pending message, as the firmware would. It
// reports false when the ring is empty.
func (p *Pipe) Recv() (fw.RunWorkQueueMsg, bool) {
	st := p.state.Ptr()
	rptr := st.Rptr.Load()
	if rptr == st.Wptr.Load() {
		return fw.RunWorkQueueMsg{}, false
	}
	msg := p.ring.Elems()[rptr]
	st.Rptr.Store((rptr + 1) % p.capacity)
	return msg, true
}

// Pending returns the number of unconsumed messages.
func (p *Pipe) Pending() int {
	st := p.state.Ptr()
	return int((st.Wptr.Load() + p.capacity - st.Rptr.Load()) % p.capacity)
}
