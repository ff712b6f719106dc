package fw

import "sync/atomic"

// RingState is the shared ring pointer block for one work queue. The
// firmware advances GpuDoneptr and GpuRptr; the host publishes CpuWptr and
// CpuFreeptr. Each pointer sits in its own 16-byte group so the two sides
// never contend on a line.
type RingState struct {
	// GpuDoneptr is the last ring index fully consumed by the firmware.
	// Firmware-written; load with acquire semantics.
	GpuDoneptr atomic.Uint32
	_          [12]byte

	// GpuRptr is the firmware's fetch pointer. Diagnostic only; it may run
	// ahead of GpuDoneptr.
	GpuRptr atomic.Uint32
	_       [12]byte

	// CpuWptr is the host write pointer, published with release semantics
	// at batch commit.
	CpuWptr atomic.Uint32
	_       [12]byte

	// CpuFreeptr trails CpuWptr and marks slots whose commands the host
	// has finished retiring. Published with release semantics.
	CpuFreeptr atomic.Uint32
	_          [12]byte

	// RbSize is the ring capacity in slots. Host-written once at init.
	RbSize uint32
	_      [12]byte
}

// RingStateSize is the device-visible size of RingState.
const RingStateSize = 0x50

// QueueInfoGpuBufSize is the size of the firmware-private scratch buffer
// referenced by QueueInfo.GpuBuf.
const QueueInfoGpuBufSize = 0x2c18

// QueueInfo is the device-shared descriptor for one work queue. The
// firmware locates the ring and its pointer block through this structure,
// so it is allocated once per queue and never moves.
type QueueInfo struct {
	// State points to the queue's RingState.
	State GpuVa
	// Ring points to the ring buffer, an array of RbSize command addresses.
	Ring GpuVa
	// NotifierList points to the client's completion notifier list.
	NotifierList GpuVa
	// GpuBuf points to QueueInfoGpuBufSize bytes of firmware-private
	// scratch.
	GpuBuf   GpuVa
	GpuRptr1 uint32
	GpuRptr2 uint32
	GpuRptr3 uint32
	// EventID is the hardware event slot bound to this queue, or -1 when
	// idle. Firmware reads it on every run-queue doorbell.
	EventID  atomic.Int32
	Priority int32
	Unk34    int32
	// UUID identifies the queue in firmware crash logs.
	UUID  uint32
	Unk3C int32
	// Busy is nonzero while the firmware has the queue scheduled.
	Busy atomic.Uint32
	_    [4]byte
	// GpuContext points to the execution context the queue runs in.
	GpuContext GpuVa
	_          [16]byte
}

// QueueInfoSize is the device-visible size of QueueInfo.
const QueueInfoSize = 0x60

// ChannelState is the shared pointer block for one pipe channel. The host
// advances Wptr as it appends messages; the firmware advances Rptr as it
// consumes them.
type ChannelState struct {
	Wptr atomic.Uint32
	_    [12]byte
	Rptr atomic.Uint32
	_    [12]byte
}

// ChannelStateSize is the device-visible size of ChannelState.
const ChannelStateSize = 0x20

// RunWorkQueueMsg is the fixed-shape pipe-channel record that tells the
// firmware to (re)scan a work queue. One record per Submit.
type RunWorkQueueMsg struct {
	// PipeType selects the firmware scheduler the message is for.
	PipeType PipeType
	_        [7]byte
	// WorkQueue is the device address of the target QueueInfo.
	WorkQueue GpuVa
	// Wptr is the ring write pointer at submission time.
	Wptr uint32
	// EventSlot is the hardware event slot the queue currently holds.
	EventSlot uint32
	// IsNew is set on the first submission after an event lease; it makes
	// the firmware resynchronize its queue state instead of scanning
	// incrementally.
	IsNew bool
	_     [7]byte
}

// RunWorkQueueMsgSize is the device-visible size of RunWorkQueueMsg.
const RunWorkQueueMsgSize = 0x20
