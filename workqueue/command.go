package workqueue

import "github.com/perjahn/asahilinux/fw"

// Command is one externally built unit of work: an opaque payload in
// device-visible memory that the firmware executes when it reaches the
// command's ring slot. The queue engine never looks inside the payload; it
// only needs a stable device address to place in the ring.
type Command struct {
	// Addr is the device address of the command payload.
	Addr fw.GpuVa
	// Size is the payload length in bytes.
	Size int
	// Kind names the payload for diagnostics. The firmware learns the real
	// type from the payload itself.
	Kind fw.CommandType
}
