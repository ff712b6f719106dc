package microseq

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/perjahn/asahilinux/alloc"
	"github.com/perjahn/asahilinux/event"
	"github.com/perjahn/asahilinux/fw"
)

var (
	// ErrTruncated is returned when a program ends mid-record.
	ErrTruncated = errors.New("microseq: truncated program")

	// ErrUnknownOp is returned when a header carries an opcode this
	// decoder does not know.
	ErrUnknownOp = errors.New("microseq: unknown opcode")

	// ErrNoRetire is returned when a device program exceeds the size
	// bound without a terminating retire-stamp.
	ErrNoRetire = errors.New("microseq: program not terminated by retire-stamp")
)

// maxProgramSize bounds device-program walks, so a corrupt ring entry
// cannot send the decoder across the whole arena.
const maxProgramSize = 4096

// Op is one decoded micro-operation record.
type Op struct {
	Code OpCode
	// Arg is the header argument byte: the begin flag for timestamp, the
	// pipe for wait-for-idle.
	Arg uint8
	// Offset is the record's byte offset from the program start.
	Offset int
	// Body is the full record, header included.
	Body []byte
}

func opSize(code OpCode) (int, bool) {
	switch code {
	case OpWaitForIdle:
		return waitForIdleSize, true
	case OpRetireStamp:
		return retireStampSize, true
	case OpTimestamp:
		return timestampSize, true
	case OpStartCompute:
		return startComputeSize, true
	case OpFinalizeCompute:
		return finalizeComputeSize, true
	default:
		return 0, false
	}
}

// Walk decodes every record in buf, in order, calling fn for each. It
// stops early if fn returns an error, propagating it.
func Walk(buf []byte, fn func(Op) error) error {
	for off := 0; off < len(buf); {
		rest := buf[off:]
		if len(rest) < 4 {
			return fmt.Errorf("%w: %d trailing bytes at %#x", ErrTruncated, len(rest), off)
		}
		h := binary.LittleEndian.Uint32(rest)
		code := OpCode(h)
		size, ok := opSize(code)
		if !ok {
			return fmt.Errorf("%w: %#x at %#x", ErrUnknownOp, uint8(code), off)
		}
		if declared := int(h>>16) * 4; declared != size {
			return fmt.Errorf("microseq: %v header declares %d bytes, want %d", code, declared, size)
		}
		if len(rest) < size {
			return fmt.Errorf("%w: %v at %#x needs %d bytes, %d left", ErrTruncated, code, off, size, len(rest))
		}
		if err := fn(Op{
			Code:   code,
			Arg:    uint8(h >> 8),
			Offset: off,
			Body:   rest[:size:size],
		}); err != nil {
			return err
		}
		off += size
	}
	return nil
}

// WalkDevice decodes the device-resident program at va record by record,
// as the firmware would, stopping after the terminating retire-stamp.
func WalkDevice(a *alloc.Arena, va fw.GpuVa, fn func(Op) error) error {
	for off := 0; off < maxProgramSize; {
		head, ok := a.Lookup(va+fw.GpuVa(off), 4)
		if !ok {
			return fmt.Errorf("%w: header at %s unmapped", ErrTruncated, va+fw.GpuVa(off))
		}
		h := binary.LittleEndian.Uint32(head)
		code := OpCode(h)
		size, sized := opSize(code)
		if !sized {
			return fmt.Errorf("%w: %#x at %s", ErrUnknownOp, uint8(code), va+fw.GpuVa(off))
		}
		if declared := int(h>>16) * 4; declared != size {
			return fmt.Errorf("microseq: %v header declares %d bytes, want %d", code, declared, size)
		}
		body, ok := a.Lookup(va+fw.GpuVa(off), size)
		if !ok {
			return fmt.Errorf("%w: %v at %s runs off the arena", ErrTruncated, code, va+fw.GpuVa(off))
		}
		if err := fn(Op{
			Code:   code,
			Arg:    uint8(h >> 8),
			Offset: off,
			Body:   body,
		}); err != nil {
			return err
		}
		if code == OpRetireStamp {
			return nil
		}
		off += size
	}
	return ErrNoRetire
}

// DecodeStartCompute unpacks a start-compute record.
func DecodeStartCompute(op Op) (StartCompute, error) {
	if op.Code != OpStartCompute {
		return StartCompute{}, fmt.Errorf("microseq: decoding %v as start-compute", op.Code)
	}
	b := op.Body
	return StartCompute{
		JobParams:       fw.GpuVa(binary.LittleEndian.Uint64(b[0x04:])),
		Stats:           fw.GpuVa(binary.LittleEndian.Uint64(b[0x0c:])),
		WorkQueue:       fw.GpuVa(binary.LittleEndian.Uint64(b[0x14:])),
		VMSlot:          binary.LittleEndian.Uint32(b[0x1c:]),
		EventGeneration: binary.LittleEndian.Uint32(b[0x20:]),
		CmdSeq:          binary.LittleEndian.Uint64(b[0x24:]),
		UUID:            binary.LittleEndian.Uint32(b[0x2c:]),
	}, nil
}

// DecodeTimestamp unpacks a timestamp record.
func DecodeTimestamp(op Op) (Timestamp, error) {
	if op.Code != OpTimestamp {
		return Timestamp{}, fmt.Errorf("microseq: decoding %v as timestamp", op.Code)
	}
	b := op.Body
	return Timestamp{
		Begin:     op.Arg != 0,
		CurTS:     fw.GpuVa(binary.LittleEndian.Uint64(b[0x04:])),
		StartTS:   fw.GpuVa(binary.LittleEndian.Uint64(b[0x0c:])),
		UpdateTS:  fw.GpuVa(binary.LittleEndian.Uint64(b[0x14:])),
		WorkQueue: fw.GpuVa(binary.LittleEndian.Uint64(b[0x1c:])),
		UUID:      binary.LittleEndian.Uint32(b[0x24:]),
	}, nil
}

// DecodeFinalizeCompute unpacks a finalize-compute record.
func DecodeFinalizeCompute(op Op) (FinalizeCompute, error) {
	if op.Code != OpFinalizeCompute {
		return FinalizeCompute{}, fmt.Errorf("microseq: decoding %v as finalize-compute", op.Code)
	}
	b := op.Body
	return FinalizeCompute{
		Stats:               fw.GpuVa(binary.LittleEndian.Uint64(b[0x04:])),
		WorkQueue:           fw.GpuVa(binary.LittleEndian.Uint64(b[0x0c:])),
		VMSlot:              binary.LittleEndian.Uint32(b[0x14:]),
		FwStamp:             fw.GpuVa(binary.LittleEndian.Uint64(b[0x18:])),
		StampValue:          event.Value(binary.LittleEndian.Uint32(b[0x20:])),
		UUID:                binary.LittleEndian.Uint32(b[0x24:]),
		RestartBranchOffset: int32(binary.LittleEndian.Uint32(b[0x28:])),
	}, nil
}
