package workqueue

import "github.com/sugawarayuuta/sonnet"

// DebugState is a point-in-time snapshot of a queue, taken under the
// queue lock, for crash dumps and tests. Pointer fields are ring slot
// indices, not device addresses.
type DebugState struct {
	Queue     string       `json:"queue"`
	Pipe      string       `json:"pipe"`
	Priority  uint32       `json:"priority"`
	RingSize  uint32       `json:"ring_size"`
	Wptr      uint32       `json:"wptr"`
	Doneptr   uint32       `json:"doneptr"`
	Freeptr   uint32       `json:"freeptr"`
	Occupancy uint32       `json:"occupancy"`
	New       bool         `json:"new"`
	EventSlot int32        `json:"event_slot"` // -1 while idle
	LastValue uint32       `json:"last_value"`
	InFlight  []DebugBatch `json:"in_flight"`
}

// DebugBatch is one in-flight batch in a DebugState.
type DebugBatch struct {
	Value    uint32 `json:"value"`
	Commands int    `json:"commands"`
	Wptr     uint32 `json:"wptr"`
	VMSlot   uint32 `json:"vm_slot"`
	Failed   bool   `json:"failed"`
}

// DebugState snapshots the queue. It takes the queue lock, so it cannot
// be called while the caller holds a live builder.
func (q *WorkQueue) DebugState() DebugState {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.state.Ptr()
	s := DebugState{
		Queue:     q.id.String(),
		Pipe:      q.pipe.String(),
		Priority:  q.priority,
		RingSize:  q.size,
		Wptr:      q.wptr,
		Doneptr:   st.GpuDoneptr.Load(),
		Freeptr:   st.CpuFreeptr.Load(),
		New:       q.isNew,
		EventSlot: q.info.Ptr().EventID.Load(),
		LastValue: uint32(q.eventValue),
	}
	s.Occupancy = (s.Wptr + q.size - s.Doneptr) % q.size
	for _, b := range q.batches {
		s.InFlight = append(s.InFlight, DebugBatch{
			Value:    uint32(b.value),
			Commands: b.commands,
			Wptr:     b.wptr,
			VMSlot:   b.vmSlot,
			Failed:   b.Err() != nil,
		})
	}
	return s
}

// JSON renders the snapshot for logs and dump files.
func (s DebugState) JSON() ([]byte, error) {
	return sonnet.Marshal(s)
}
