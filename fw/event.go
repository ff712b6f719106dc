package fw

import "sync/atomic"

// Stamp is the host-side copy of a hardware completion counter. The host
// mirrors the firmware value here after each signal so clients can poll
// without touching firmware-owned memory.
type Stamp struct {
	Value atomic.Uint32
}

// FwStamp is the firmware-owned completion counter for one event slot. The
// firmware writes it when a RetireStamp micro-op executes; the host loads
// it with acquire semantics on the notification path.
type FwStamp struct {
	Value atomic.Uint32
}

// Threshold is the notifier fire threshold. The host increments it once per
// submitted job; the firmware raises the notifier interrupt when its
// internal completion count reaches the threshold.
type Threshold struct {
	Value atomic.Uint64
}

// Increment bumps the threshold by one job.
func (t *Threshold) Increment() {
	t.Value.Add(1)
}

// NotifierList heads a client's circular list of completion notifiers.
// The head's links point back at the head while the list is empty.
type NotifierList struct {
	Next GpuVa
	Prev GpuVa
}

// NotifierListSize is the device-visible size of NotifierList.
const NotifierListSize = 0x10

// Notifier is one completion notifier. The host increments the Threshold
// it points to once per submitted job; the firmware advances CurCount as
// jobs retire and raises the completion interrupt while it trails the
// threshold.
type Notifier struct {
	// Threshold points to the notifier's Threshold counter.
	Threshold GpuVa
	// Generation distinguishes queue incarnations in firmware traces.
	Generation atomic.Uint32
	// CurCount is the firmware's count of retired jobs.
	CurCount atomic.Uint32
	Unk10    atomic.Uint32
	_        [4]byte
	// State is firmware-private notifier state.
	State [0x28]byte
}

// NotifierSize is the device-visible size of Notifier.
const NotifierSize = 0x40
