// Package fw tracks the firmware-shared data structures of the AGX
// work-queue interface.
//
// Everything in this package is laid out in device-visible memory and read
// or written by firmware while the host is running. Fields owned by the
// firmware side are declared atomic and must be accessed with the ordering
// noted on each field; everything else is host-owned and only mutated under
// the owning queue's lock.
package fw

import "fmt"

// GpuVa is a device virtual address.
//
// Addresses handed to the firmware must remain stable for the lifetime of
// the object they reference.
type GpuVa uint64

// String implements fmt.Stringer.
func (v GpuVa) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// PipeType identifies one independently scheduled execution pipe.
type PipeType uint8

const (
	PipeVertex PipeType = iota
	PipeFragment
	PipeCompute

	// PipeCount is the number of pipe types the firmware schedules.
	PipeCount = 3
)

// String implements fmt.Stringer.
func (t PipeType) String() string {
	switch t {
	case PipeVertex:
		return "vertex"
	case PipeFragment:
		return "fragment"
	case PipeCompute:
		return "compute"
	default:
		return fmt.Sprintf("PipeType(%d)", uint8(t))
	}
}

// Valid reports whether t names a real pipe.
func (t PipeType) Valid() bool {
	return t < PipeCount
}

// Priority maps a queue priority (0 is highest, 3 is lowest) to the
// encoding the firmware run queues expect.
var Priority = [4]int32{0xb, 0xa, 0x9, 0x8}

// CommandType tags a work-queue command payload. The firmware reads the
// real type from the payload header; the host carries the tag alongside
// for routing and diagnostics.
type CommandType uint32

const (
	CommandRunVertex   CommandType = 0
	CommandRunFragment CommandType = 1
	CommandRunBlitter  CommandType = 2
	CommandRunCompute  CommandType = 3
	CommandBarrier     CommandType = 4
	CommandInitBuffer  CommandType = 6
)

// String implements fmt.Stringer.
func (t CommandType) String() string {
	switch t {
	case CommandRunVertex:
		return "run-vertex"
	case CommandRunFragment:
		return "run-fragment"
	case CommandRunBlitter:
		return "run-blitter"
	case CommandRunCompute:
		return "run-compute"
	case CommandBarrier:
		return "barrier"
	case CommandInitBuffer:
		return "init-buffer"
	default:
		return fmt.Sprintf("CommandType(%d)", uint32(t))
	}
}
