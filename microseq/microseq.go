// Package microseq builds and decodes the micro-operation programs the
// firmware executes to run one unit of work.
//
// A program is a packed sequence of little-endian records, each starting
// with a one-word header carrying the opcode, a small argument, and the
// record size in words. The canonical compute program is
//
//	start-compute, timestamp(begin), wait-for-idle, timestamp(end),
//	finalize-compute, retire-stamp
//
// where finalize-compute carries a branch offset back to start-compute.
// The firmware takes that branch when it restarts preempted work, so both
// the record layouts and the self-referential offset are contracts:
// changing them breaks preemption on real devices.
package microseq

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/perjahn/asahilinux/alloc"
	"github.com/perjahn/asahilinux/event"
	"github.com/perjahn/asahilinux/fw"
)

// OpCode identifies a micro-operation.
type OpCode uint8

const (
	OpWaitForIdle     OpCode = 0x01
	OpRetireStamp     OpCode = 0x18
	OpTimestamp       OpCode = 0x19
	OpStartCompute    OpCode = 0x29
	OpFinalizeCompute OpCode = 0x2a
)

// String implements fmt.Stringer.
func (c OpCode) String() string {
	switch c {
	case OpWaitForIdle:
		return "wait-for-idle"
	case OpRetireStamp:
		return "retire-stamp"
	case OpTimestamp:
		return "timestamp"
	case OpStartCompute:
		return "start-compute"
	case OpFinalizeCompute:
		return "finalize-compute"
	default:
		return fmt.Sprintf("OpCode(%#x)", uint8(c))
	}
}

// Record sizes in bytes, header included.
const (
	waitForIdleSize     = 0x04
	retireStampSize     = 0x04
	timestampSize       = 0x2c
	startComputeSize    = 0x34
	finalizeComputeSize = 0x30
)

func header(code OpCode, arg uint8, size int) uint32 {
	return uint32(code) | uint32(arg)<<8 | uint32(size/4)<<16
}

type (
	// OpRecord is one encodable micro-operation.
	OpRecord interface {
		appendTo(buf []byte) []byte
	}

	// StartCompute marks the start of a compute job. The firmware lands
	// here again when it restarts the job after preemption.
	StartCompute struct {
		// JobParams points to the job's pipeline parameter block.
		JobParams fw.GpuVa
		// Stats points to the global compute statistics block.
		Stats fw.GpuVa
		// WorkQueue points to the submitting queue's QueueInfo.
		WorkQueue fw.GpuVa
		// VMSlot is the execution context the job runs in.
		VMSlot uint32
		// EventGeneration distinguishes queue incarnations in traces.
		EventGeneration uint32
		// CmdSeq is the client-visible command sequence number.
		CmdSeq uint64
		// UUID identifies the command in firmware crash logs.
		UUID uint32
	}

	// Timestamp records a device timestamp at the start or end of the job.
	Timestamp struct {
		Begin     bool
		CurTS     fw.GpuVa
		StartTS   fw.GpuVa
		UpdateTS  fw.GpuVa
		WorkQueue fw.GpuVa
		UUID      uint32
	}

	// WaitForIdle stalls the program until the pipe drains.
	WaitForIdle struct {
		Pipe fw.PipeType
	}

	// FinalizeCompute ends a compute job and names its completion stamp.
	FinalizeCompute struct {
		Stats     fw.GpuVa
		WorkQueue fw.GpuVa
		VMSlot    uint32
		// FwStamp is the device address the firmware writes StampValue to
		// when the following retire-stamp executes.
		FwStamp    fw.GpuVa
		StampValue event.Value
		UUID       uint32
		// RestartBranchOffset is the signed byte offset from this record
		// back to the job's start-compute record.
		RestartBranchOffset int32
	}

	// RetireStamp publishes the stamp named by the preceding finalize
	// record and raises the completion interrupt. It terminates the
	// program.
	RetireStamp struct{}
)

func (o StartCompute) appendTo(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, header(OpStartCompute, 0, startComputeSize))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(o.JobParams))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(o.Stats))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(o.WorkQueue))
	buf = binary.LittleEndian.AppendUint32(buf, o.VMSlot)
	buf = binary.LittleEndian.AppendUint32(buf, o.EventGeneration)
	buf = binary.LittleEndian.AppendUint64(buf, o.CmdSeq)
	buf = binary.LittleEndian.AppendUint32(buf, o.UUID)
	return binary.LittleEndian.AppendUint32(buf, 0)
}

func (o Timestamp) appendTo(buf []byte) []byte {
	var begin uint8
	if o.Begin {
		begin = 1
	}
	buf = binary.LittleEndian.AppendUint32(buf, header(OpTimestamp, begin, timestampSize))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(o.CurTS))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(o.StartTS))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(o.UpdateTS))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(o.WorkQueue))
	buf = binary.LittleEndian.AppendUint32(buf, o.UUID)
	return binary.LittleEndian.AppendUint32(buf, 0)
}

func (o WaitForIdle) appendTo(buf []byte) []byte {
	return binary.LittleEndian.AppendUint32(buf, header(OpWaitForIdle, uint8(o.Pipe), waitForIdleSize))
}

func (o FinalizeCompute) appendTo(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, header(OpFinalizeCompute, 0, finalizeComputeSize))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(o.Stats))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(o.WorkQueue))
	buf = binary.LittleEndian.AppendUint32(buf, o.VMSlot)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(o.FwStamp))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(o.StampValue))
	buf = binary.LittleEndian.AppendUint32(buf, o.UUID)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(o.RestartBranchOffset))
	return binary.LittleEndian.AppendUint32(buf, 0)
}

func (o RetireStamp) appendTo(buf []byte) []byte {
	return binary.LittleEndian.AppendUint32(buf, header(OpRetireStamp, 0, retireStampSize))
}

// Builder accumulates a program. The zero value is ready to use.
type Builder struct {
	buf []byte
}

// Add encodes op at the end of the program and returns the byte offset it
// was placed at.
func (b *Builder) Add(op OpRecord) int {
	if op == nil {
		panic(`microseq: nil op`)
	}
	off := len(b.buf)
	b.buf = op.appendTo(b.buf)
	return off
}

// OffsetTo returns the signed branch offset from the op about to be added
// to the op at target, for FinalizeCompute.RestartBranchOffset.
func (b *Builder) OffsetTo(target int) int32 {
	return int32(target - len(b.buf))
}

// Bytes returns the encoded program.
func (b *Builder) Bytes() []byte {
	return b.buf
}

// Build copies the program into device-visible memory.
func (b *Builder) Build(a *alloc.Arena) (Program, error) {
	if len(b.buf) == 0 {
		return Program{}, errors.New("microseq: empty program")
	}
	buf, err := a.Alloc(len(b.buf))
	if err != nil {
		return Program{}, fmt.Errorf("microseq: placing program: %w", err)
	}
	copy(buf.Bytes(), b.buf)
	return Program{buf: buf}, nil
}

// Program is a device-resident micro-operation program.
type Program struct {
	buf alloc.Buf
}

// GpuVa returns the program's device address.
func (p Program) GpuVa() fw.GpuVa {
	return p.buf.GpuVa()
}

// Size returns the encoded program length in bytes.
func (p Program) Size() int {
	return p.buf.Size()
}
