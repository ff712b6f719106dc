// Package event manages the fixed pool of hardware completion counters
// ("stamps") shared by all work queues, and routes firmware completion and
// fault notifications to the queue currently holding each counter.
package event

import "fmt"

// Value is a snapshot of a completion counter. The hardware counter is 32
// bits wide and wraps, so ordering is defined modulo 2^32: a value is at or
// before another if the forward distance between them is less than half the
// counter range.
type Value uint32

// Next returns the value after v.
func (v Value) Next() Value {
	return v + 1
}

// AtOrBefore reports whether v is at or before other in wrap order.
func (v Value) AtOrBefore(other Value) bool {
	return other-v < 1<<31
}

// String implements fmt.Stringer.
func (v Value) String() string {
	return fmt.Sprintf("%#x", uint32(v))
}
