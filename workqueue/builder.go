package workqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/perjahn/asahilinux/channel"
	"github.com/perjahn/asahilinux/event"
	"github.com/perjahn/asahilinux/fw"
)

var (
	// ErrEmptyCommit is returned by Commit when no commands were staged
	// since the builder was created or last committed.
	ErrEmptyCommit = errors.New("workqueue: commit with no staged commands")

	// ErrUncommitted is returned by Submit while staged commands have not
	// been committed.
	ErrUncommitted = errors.New("workqueue: submit with uncommitted commands")

	// ErrRestart is returned by Add when the ring-full wait is interrupted
	// by the caller's context. No work was queued; the builder and queue
	// are exactly as if Add had not been called.
	ErrRestart = errors.New("workqueue: ring wait restarted")
)

// BatchBuilder stages commands into its queue's ring and commits them as
// batches. It owns the queue lock from BeginBatch until Close, so it must
// not be shared across goroutines, and its lifetime should stay short: any
// Signal or MarkError delivered meanwhile waits for the lock, except while
// Add is parked on a full ring.
//
// Dropping a builder with staged commands is a rollback, not an error:
// Close discards whatever was not committed.
type BatchBuilder struct {
	queue    *WorkQueue
	wptr     uint32 // runs ahead of the queue's; published at Commit
	commands int    // staged since the last Commit
	vmSlot   uint32
	closed   bool
}

// Add stages one command at the builder's write pointer. When the ring has
// no free slot it blocks until Signal frees one, releasing the queue lock
// while parked; ctx interrupts the wait with ErrRestart, leaving no trace
// of the call.
func (b *BatchBuilder) Add(ctx context.Context, cmd Command) error {
	if b.closed {
		panic(`workqueue: add on closed builder`)
	}
	q := b.queue

	next := (b.wptr + 1) % q.size
	if q.doneptr() == next {
		q.logger.Warning().
			Stringer("queue", q.id).
			Uint64("wptr", uint64(b.wptr)).
			Log("ring full, waiting")
		// Per the context.AfterFunc contract, taking the lock before
		// broadcasting is what makes a cancellation arriving between the
		// checks below and cond.Wait still wake us.
		stop := context.AfterFunc(ctx, func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			q.cond.Broadcast()
		})
		defer stop()
		for q.doneptr() == next {
			q.cond.Wait()
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("%w: %w", ErrRestart, err)
			}
		}
	}

	q.ring.Elems()[b.wptr] = cmd.Addr
	b.wptr = next
	q.pending = append(q.pending, cmd)
	b.commands++
	return nil
}

// Commit freezes the staged commands into a Batch bound to the event's
// next value, publishes the new write pointer to the firmware, and appends
// the batch to the in-flight list. The builder is reusable afterwards:
// further Adds stage a new batch. At least one command must be staged,
// else ErrEmptyCommit.
//
// The firmware only picks up the new write pointer once Submit notifies
// the pipe.
func (b *BatchBuilder) Commit() (*Batch, error) {
	if b.closed {
		panic(`workqueue: commit on closed builder`)
	}
	q := b.queue
	if b.commands == 0 {
		return nil, ErrEmptyCommit
	}
	if q.event == nil {
		panic(`workqueue: builder lost its event`)
	}

	q.eventValue = q.eventValue.Next()
	batch := &Batch{
		value:    q.eventValue,
		commands: b.commands,
		wptr:     b.wptr,
		vmSlot:   b.vmSlot,
		done:     make(chan struct{}),
		failed:   make(chan struct{}),
	}

	q.state.Ptr().CpuWptr.Store(b.wptr)
	q.wptr = b.wptr
	q.batches = append(q.batches, batch)
	b.commands = 0

	q.logger.Debug().
		Stringer("queue", q.id).
		Stringer("value", batch.value).
		Int("commands", batch.commands).
		Uint64("wptr", uint64(batch.wptr)).
		Log("batch committed")
	return batch, nil
}

// Submit tells the firmware to rescan the queue, picking up everything
// committed so far. All staged commands must have been committed first,
// else ErrUncommitted. The notification carries the queue's resync flag,
// cleared once the send succeeds; a full pipe surfaces as channel.ErrFull
// with the flag intact, and retrying is the caller's decision.
func (b *BatchBuilder) Submit(ch *channel.Pipe) error {
	if b.closed {
		panic(`workqueue: submit on closed builder`)
	}
	if ch == nil {
		panic(`workqueue: nil pipe channel`)
	}
	if b.commands != 0 {
		return ErrUncommitted
	}
	q := b.queue
	if q.event == nil {
		panic(`workqueue: builder lost its event`)
	}

	msg := fw.RunWorkQueueMsg{
		PipeType:  q.pipe,
		WorkQueue: q.info.GpuVa(),
		Wptr:      q.wptr,
		EventSlot: uint32(q.event.Slot()),
		IsNew:     q.isNew,
	}
	if err := ch.Send(&msg); err != nil {
		return err
	}
	q.isNew = false
	return nil
}

// Close rolls back any staged-but-uncommitted commands and releases the
// queue lock. Rollback discards the staged ring writes logically: the
// queue's write pointer and in-flight list were only ever touched at
// Commit, so nothing the firmware can see changes. Close is idempotent
// and the builder is dead afterwards.
func (b *BatchBuilder) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	q := b.queue

	if b.commands != 0 {
		q.logger.Warning().
			Stringer("queue", q.id).
			Int("commands", b.commands).
			Log("rolling back uncommitted commands")
		q.pending = q.pending[:len(q.pending)-b.commands]
		b.commands = 0
	}
	q.builderOpen = false
	q.releaseEventLocked()
	q.mu.Unlock()
	return nil
}

// Event returns the completion event the builder's batches are bound to.
// The event stays bound at least until Close.
func (b *BatchBuilder) Event() *event.Event {
	if b.closed {
		panic(`workqueue: event on closed builder`)
	}
	return b.queue.event
}

// EventValue returns the event value the queue's newest committed work
// completes at. The next Commit binds its batch to the value after this
// one.
func (b *BatchBuilder) EventValue() event.Value {
	if b.closed {
		panic(`workqueue: event value on closed builder`)
	}
	return b.queue.eventValue
}

// PipeType returns the queue's pipe.
func (b *BatchBuilder) PipeType() fw.PipeType {
	return b.queue.pipe
}

// VMSlot returns the execution context the builder's work is issued from.
func (b *BatchBuilder) VMSlot() uint32 {
	return b.vmSlot
}
