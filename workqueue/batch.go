package workqueue

import (
	"context"
	"errors"
	"sync"

	"github.com/perjahn/asahilinux/event"
	"github.com/perjahn/asahilinux/fw"
)

// Execution failures, deposited on affected batches by MarkError and
// observed through Batch.Wait. They describe work the device accepted but
// could not complete; they are never returned by the submission path.
var (
	// ErrTimeout classifies work the firmware abandoned because it ran
	// past its execution deadline.
	ErrTimeout = errors.New("workqueue: command timed out")

	// ErrUnknown classifies work that failed without a decodable reason.
	ErrUnknown = errors.New("workqueue: command failed for an unknown reason")

	// ErrKilled classifies work that could not complete because another
	// execution context faulted and took the device down with it. The
	// batch's own context was not at fault.
	ErrKilled = errors.New("workqueue: command killed by a concurrent fault")
)

// FaultError reports a device fault attributed to the batch's own
// execution context. Batches from other contexts caught in the same fault
// window observe ErrKilled instead.
type FaultError struct {
	Info fw.FaultInfo
}

// Error implements error.
func (e *FaultError) Error() string {
	return "workqueue: " + e.Info.String()
}

// Batch is a set of commands committed to a work queue as one unit, bound
// to one target event value. It is immutable after commit, except for the
// failure classification deposited by MarkError and the completion raised
// by Signal.
type Batch struct {
	value    event.Value
	commands int
	wptr     uint32
	vmSlot   uint32
	done     chan struct{}
	failed   chan struct{}

	// The classification is written by the fault path and read by waiters
	// after completion, so it takes its own small lock rather than the
	// queue's.
	errMu sync.Mutex
	err   error
}

// Value returns the event value whose retirement completes the batch.
func (b *Batch) Value() event.Value {
	return b.value
}

// Commands returns the number of commands committed in the batch.
func (b *Batch) Commands() int {
	return b.commands
}

// Wptr returns the ring write pointer at commit time.
func (b *Batch) Wptr() uint32 {
	return b.wptr
}

// VMSlot returns the execution context the batch was issued from, used to
// attribute device faults.
func (b *Batch) VMSlot() uint32 {
	return b.vmSlot
}

// Done returns a channel closed when the queue retires the batch.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Err returns the batch's failure classification without blocking: nil
// while the batch is in flight or after it retired successfully.
func (b *Batch) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

// setErr deposits the first classification and wakes waiters; later ones
// are dropped, so a batch keeps the failure that actually hit it rather
// than whatever arrived last.
func (b *Batch) setErr(err error) {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	if b.err != nil {
		return
	}
	b.err = err
	close(b.failed)
}

// Wait blocks until the batch retires or is classified as failed, then
// returns the classification: nil for success, or the error deposited by
// MarkError. A failed batch is reported as soon as the classification
// lands, even though the device never retires it. A ctx error means the
// caller gave up waiting; it says nothing about the batch, which remains
// queued.
func (b *Batch) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.Err()
	default:
	}
	select {
	case <-b.done:
		return b.Err()
	case <-b.failed:
		return b.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
