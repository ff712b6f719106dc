// Package fwsim drives the firmware half of the submission protocol in
// tests.
//
// A Simulator consumes pipe-channel messages the way the device firmware
// would: it follows the device addresses in each message through shared
// memory, walks the work-queue ring from the consumed cursor to the
// message's write pointer, interprets each command's micro-operation
// program, publishes completion stamps, and raises completion
// notifications through the event manager. It shares nothing with the
// host side but the arena, so a passing run exercises the whole
// shared-memory contract rather than any one package's bookkeeping.
//
// FailNext injects a device fault: the victim command's stamp stays
// unpublished, the failure routes through Manager.MarkError the way a
// fault interrupt would, and the queue halts until torn down.
package fwsim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"

	"github.com/perjahn/asahilinux/alloc"
	"github.com/perjahn/asahilinux/channel"
	"github.com/perjahn/asahilinux/event"
	"github.com/perjahn/asahilinux/fw"
	"github.com/perjahn/asahilinux/microseq"
)

// Config wires a Simulator to the shared state it consumes.
type Config struct {
	// Arena is the device-shared memory every address in the protocol
	// resolves against.
	Arena *alloc.Arena
	// Events receives completion and failure notifications.
	Events *event.Manager
	// Logger receives execution traces. Nil disables logging.
	Logger *logiface.Logger[logiface.Event]
}

// Simulator is the firmware-side consumer. Attach pipes, install Doorbell
// on them, and drive it with Run or Drain.
type Simulator struct {
	arena  *alloc.Arena
	events *event.Manager
	logger *logiface.Logger[logiface.Event]

	bell  chan struct{}
	clock atomic.Uint64

	mu      sync.Mutex
	pipes   []*channel.Pipe
	seen    map[fw.GpuVa]bool
	halted  map[fw.GpuVa]bool
	pending error
}

// New returns a Simulator over cfg's arena and event manager.
func New(cfg Config) *Simulator {
	if cfg.Arena == nil {
		panic(`fwsim: nil arena`)
	}
	if cfg.Events == nil {
		panic(`fwsim: nil event manager`)
	}
	return &Simulator{
		arena:  cfg.Arena,
		events: cfg.Events,
		logger: cfg.Logger,
		bell:   make(chan struct{}, 1),
		seen:   make(map[fw.GpuVa]bool),
		halted: make(map[fw.GpuVa]bool),
	}
}

// Doorbell wakes the simulator. Install it on pipes with
// channel.WithDoorbell.
func (s *Simulator) Doorbell() {
	select {
	case s.bell <- struct{}{}:
	default:
	}
}

// Attach registers a pipe for consumption.
func (s *Simulator) Attach(p *channel.Pipe) {
	if p == nil {
		panic(`fwsim: nil pipe`)
	}
	s.mu.Lock()
	s.pipes = append(s.pipes, p)
	s.mu.Unlock()
	s.Doorbell()
}

// FailNext arms a fault: the next command executed fails with cause
// instead of retiring, and its queue halts.
func (s *Simulator) FailNext(cause error) {
	if cause == nil {
		panic(`fwsim: nil cause`)
	}
	s.mu.Lock()
	s.pending = cause
	s.mu.Unlock()
}

// Run consumes messages until ctx is cancelled, waiting on the doorbell
// in between. Cancellation returns nil; any error means the host side
// violated the shared-memory contract.
func (s *Simulator) Run(ctx context.Context) error {
	for {
		if err := s.Drain(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.bell:
		}
	}
}

// Drain consumes every message currently pending on every attached pipe.
func (s *Simulator) Drain() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		progressed := false
		for _, p := range s.pipes {
			msg, ok := p.Recv()
			if !ok {
				continue
			}
			progressed = true
			if err := s.runQueue(p.PipeType(), msg); err != nil {
				return err
			}
		}
		if !progressed {
			return nil
		}
	}
}

// runQueue performs one message's queue scan: resync bookkeeping, then
// every command from the consumed cursor to the message's write pointer.
func (s *Simulator) runQueue(pipe fw.PipeType, msg fw.RunWorkQueueMsg) error {
	if msg.PipeType != pipe {
		return fmt.Errorf("fwsim: %v message on the %v channel", msg.PipeType, pipe)
	}
	qi, ok := alloc.View[fw.QueueInfo](s.arena, msg.WorkQueue)
	if !ok {
		return fmt.Errorf("fwsim: queue descriptor %v not mapped", msg.WorkQueue)
	}
	if msg.IsNew {
		s.seen[msg.WorkQueue] = true
	} else if !s.seen[msg.WorkQueue] {
		return fmt.Errorf("fwsim: queue %v scanned before a resync", msg.WorkQueue)
	}
	if s.halted[msg.WorkQueue] {
		s.logger.Debug().
			Stringer("queue", msg.WorkQueue).
			Log("message for halted queue dropped")
		return nil
	}
	if got := qi.EventID.Load(); got != int32(msg.EventSlot) {
		return fmt.Errorf("fwsim: descriptor binds event %d, message names %d", got, msg.EventSlot)
	}
	st, ok := alloc.View[fw.RingState](s.arena, qi.State)
	if !ok {
		return fmt.Errorf("fwsim: ring state %v not mapped", qi.State)
	}
	if st.RbSize == 0 {
		return fmt.Errorf("fwsim: queue %v has no ring", msg.WorkQueue)
	}

	qi.Busy.Store(1)
	defer qi.Busy.Store(0)

	slot := event.Slot(msg.EventSlot)
	for {
		done := st.GpuDoneptr.Load()
		if done == msg.Wptr {
			return nil
		}
		entry, ok := alloc.View[fw.GpuVa](s.arena, qi.Ring+fw.GpuVa(done)*8)
		if !ok {
			return fmt.Errorf("fwsim: ring slot %d of queue %v not mapped", done, msg.WorkQueue)
		}
		next := (done + 1) % st.RbSize
		st.GpuRptr.Store(next)
		halt, err := s.runCommand(slot, *entry)
		if err != nil {
			return err
		}
		if halt {
			s.halted[msg.WorkQueue] = true
			return nil
		}
		st.GpuDoneptr.Store(next)
		s.events.Signal(slot)
	}
}

// runCommand executes one ring entry. It reports halt when an armed fault
// consumed the command.
func (s *Simulator) runCommand(slot event.Slot, va fw.GpuVa) (halt bool, _ error) {
	rc, ok := alloc.View[fw.RunCompute](s.arena, va)
	if !ok {
		return false, fmt.Errorf("fwsim: command %v not mapped", va)
	}
	if rc.Tag != fw.CommandRunCompute {
		return false, fmt.Errorf("fwsim: unhandled command tag %v at %v", rc.Tag, va)
	}

	var (
		finalize microseq.FinalizeCompute
		complete bool
	)
	err := microseq.WalkDevice(s.arena, rc.MicroSeq, func(op microseq.Op) error {
		switch op.Code {
		case microseq.OpStartCompute:
			sc, err := microseq.DecodeStartCompute(op)
			if err != nil {
				return err
			}
			if sc.VMSlot != rc.VMSlot {
				return fmt.Errorf("fwsim: program runs in vm slot %d, command in %d", sc.VMSlot, rc.VMSlot)
			}
		case microseq.OpTimestamp:
			ts, err := microseq.DecodeTimestamp(op)
			if err != nil {
				return err
			}
			now := s.clock.Add(1)
			for _, tsVa := range []fw.GpuVa{ts.CurTS, ts.UpdateTS} {
				word, ok := alloc.View[atomic.Uint64](s.arena, tsVa)
				if !ok {
					return fmt.Errorf("fwsim: timestamp word %v not mapped", tsVa)
				}
				word.Store(now)
			}
		case microseq.OpWaitForIdle:
			s.clock.Add(1)
		case microseq.OpFinalizeCompute:
			fc, err := microseq.DecodeFinalizeCompute(op)
			if err != nil {
				return err
			}
			if fc.FwStamp != rc.Meta.FwStamp {
				return fmt.Errorf("fwsim: finalize names stamp %v, command meta names %v", fc.FwStamp, rc.Meta.FwStamp)
			}
			if uint32(fc.StampValue) != rc.Meta.StampValue {
				return fmt.Errorf("fwsim: finalize publishes %v, command meta holds %#x", fc.StampValue, rc.Meta.StampValue)
			}
			finalize, complete = fc, true
		case microseq.OpRetireStamp:
			if !complete {
				return fmt.Errorf("fwsim: retire-stamp with no finalize at %v", va)
			}
			if cause := s.pending; cause != nil {
				s.pending = nil
				halt = true
				s.logger.Warning().
					Stringer("value", finalize.StampValue).
					Uint64("slot", uint64(slot)).
					Err(cause).
					Log("fault injected")
				s.events.MarkError(slot, finalize.StampValue, cause)
				return nil
			}
			fws, ok := alloc.View[fw.FwStamp](s.arena, finalize.FwStamp)
			if !ok {
				return fmt.Errorf("fwsim: stamp %v not mapped", finalize.FwStamp)
			}
			fws.Value.Store(uint32(finalize.StampValue))
			// The notifier is the client's completion tally; commands
			// submitted without one just skip it.
			if nt, ok := alloc.View[fw.Notifier](s.arena, rc.Notifier); ok {
				nt.CurCount.Add(1)
			}
			s.logger.Debug().
				Stringer("value", finalize.StampValue).
				Uint64("slot", uint64(slot)).
				Log("stamp retired")
		}
		return nil
	})
	return halt, err
}
