package event

import "github.com/perjahn/asahilinux/fw"

// Slot is a hardware event-table index.
type Slot uint32

// Token remembers a previously held slot so a queue can ask for the same
// one back. The zero Token carries no preference.
type Token struct {
	slot  Slot
	valid bool
}

// Event is a leased completion counter. It is valid until released back to
// its Manager, and must only be used by the queue that leased it.
type Event struct {
	mgr     *Manager
	slot    Slot
	stamp   *fw.Stamp
	fwStamp *fw.FwStamp
}

// Slot returns the hardware event-table index.
func (e *Event) Slot() Slot {
	return e.slot
}

// Token returns a Token that prefers this event's slot on the next lease.
func (e *Event) Token() Token {
	return Token{slot: e.slot, valid: true}
}

// Current returns the counter's current value, as last written by the
// firmware.
func (e *Event) Current() Value {
	return Value(e.fwStamp.Value.Load())
}

// MirrorCurrent copies the firmware counter into the host-side stamp, so
// pollers never touch firmware-owned memory.
func (e *Event) MirrorCurrent() Value {
	v := e.fwStamp.Value.Load()
	e.stamp.Value.Store(v)
	return Value(v)
}

// StampPointer returns the device address of the host-side stamp.
func (e *Event) StampPointer() fw.GpuVa {
	return e.mgr.stamps.ElemVa(int(e.slot))
}

// FwStampPointer returns the device address of the firmware-owned counter.
func (e *Event) FwStampPointer() fw.GpuVa {
	return e.mgr.fwStamps.ElemVa(int(e.slot))
}
