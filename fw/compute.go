package fw

import "sync/atomic"

// GpuContextData is the firmware's per-queue execution context scratch
// area. The host allocates and zeroes it; only the firmware writes it.
type GpuContextData struct {
	Raw [GpuContextDataSize]byte
}

// GpuContextDataSize is the device-visible size of GpuContextData.
const GpuContextDataSize = 0x100

// JobTimestamps holds the device clock samples for one dispatch. The
// firmware stores Start when the job begins executing and End when the
// pipe drains, so both are only meaningful once the job's batch has
// completed.
type JobTimestamps struct {
	Start atomic.Uint64
	End   atomic.Uint64
}

// JobMetaSize is the device-visible size of JobMeta.
const JobMetaSize = 0x30

// JobMeta carries the completion bookkeeping the firmware needs to retire
// a command: where the coherent and firmware-private stamps live, the
// value to publish, and the event slot to raise.
type JobMeta struct {
	Unk4 uint32 // 0x00
	_    [4]byte
	// Stamp points to the coherent completion stamp.
	Stamp GpuVa // 0x08
	// FwStamp points to the firmware-private shadow stamp.
	FwStamp GpuVa // 0x10
	// StampValue is the value both stamps reach when this command retires.
	StampValue uint32 // 0x18
	// StampSlot is the event slot the completion fires on.
	StampSlot  uint32 // 0x1c
	EvCtlIndex uint32 // 0x20
	Unk24      uint32 // 0x24
	// UUID tags the command in firmware crash logs.
	UUID           uint32 // 0x28
	PrevStampValue uint32 // 0x2c
}

// RunComputeSize is the device-visible size of RunCompute.
const RunComputeSize = 0xa0

// RunCompute is the compute command record a ring slot points at. The
// firmware reads the encoder window and job parameters from it directly
// and interprets the attached micro-operation program for everything
// stateful.
type RunCompute struct {
	// Tag must be CommandRunCompute.
	Tag  CommandType // 0x00
	Unk4 uint32      // 0x04
	// VMSlot is the address-space slot the encoder stream is mapped in.
	VMSlot uint32 // 0x08
	_      [4]byte
	// Notifier points to the queue's completion Notifier.
	Notifier GpuVa // 0x10
	// PipelineBase is the base of the pipeline address window.
	PipelineBase GpuVa // 0x18
	// Encoder and EncoderEnd bound the client-built control stream.
	Encoder    GpuVa  // 0x20
	EncoderEnd GpuVa  // 0x28
	EncoderID  uint32 // 0x30
	_          [4]byte
	// MicroSeq points to the micro-operation program for this command.
	MicroSeq     GpuVa  // 0x38
	MicroSeqSize uint32 // 0x40
	_            [4]byte
	Meta         JobMeta // 0x48
	// CurTS is scratch the firmware samples the clock into while the job
	// runs; StartTS and EndTS point at the dispatch's JobTimestamps words.
	CurTS          atomic.Uint64 // 0x78
	StartTS        GpuVa         // 0x80
	EndTS          GpuVa         // 0x88
	ClientSequence uint8         // 0x90
	_              [15]byte
}
