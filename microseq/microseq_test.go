package microseq

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perjahn/asahilinux/alloc"
	"github.com/perjahn/asahilinux/fw"
)

const (
	testQueueInfoVa fw.GpuVa = 0x15_0000_1000
	testJobParamsVa fw.GpuVa = 0x15_0000_2000
	testStatsVa     fw.GpuVa = 0x15_0000_3000
	testTSVa        fw.GpuVa = 0x15_0000_4000
	testFwStampVa   fw.GpuVa = 0x15_0000_5000
	testUUID                 = uint32(0xcafe0001)
)

// buildComputeProgram assembles the canonical six-op compute program.
func buildComputeProgram(t *testing.T) (*Builder, int, int) {
	t.Helper()
	var b Builder
	start := b.Add(StartCompute{
		JobParams:       testJobParamsVa,
		Stats:           testStatsVa,
		WorkQueue:       testQueueInfoVa,
		VMSlot:          3,
		EventGeneration: 7,
		CmdSeq:          0x51,
		UUID:            testUUID,
	})
	b.Add(Timestamp{
		Begin:     true,
		CurTS:     testTSVa,
		StartTS:   testTSVa + 8,
		UpdateTS:  testTSVa + 8,
		WorkQueue: testQueueInfoVa,
		UUID:      testUUID,
	})
	b.Add(WaitForIdle{Pipe: fw.PipeCompute})
	b.Add(Timestamp{
		Begin:     false,
		CurTS:     testTSVa,
		StartTS:   testTSVa + 8,
		UpdateTS:  testTSVa + 16,
		WorkQueue: testQueueInfoVa,
		UUID:      testUUID,
	})
	finalize := b.Add(FinalizeCompute{
		Stats:               testStatsVa,
		WorkQueue:           testQueueInfoVa,
		VMSlot:              3,
		FwStamp:             testFwStampVa,
		StampValue:          0x2a,
		UUID:                testUUID,
		RestartBranchOffset: b.OffsetTo(start),
	})
	b.Add(RetireStamp{})
	return &b, start, finalize
}

func dumpProgram(t *testing.T, buf []byte) string {
	t.Helper()
	var sb strings.Builder
	require.NoError(t, Walk(buf, func(op Op) error {
		fmt.Fprintf(&sb, "%#04x %-16s % x\n", op.Offset, op.Code, op.Body)
		return nil
	}))
	return sb.String()
}

func TestComputeProgramEncoding(t *testing.T) {
	b, _, _ := buildComputeProgram(t)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "compute_program", []byte(dumpProgram(t, b.Bytes())))
}

func TestComputeProgramShape(t *testing.T) {
	b, _, _ := buildComputeProgram(t)

	var got []OpCode
	var args []uint8
	require.NoError(t, Walk(b.Bytes(), func(op Op) error {
		got = append(got, op.Code)
		args = append(args, op.Arg)
		return nil
	}))
	assert.Equal(t, []OpCode{
		OpStartCompute,
		OpTimestamp,
		OpWaitForIdle,
		OpTimestamp,
		OpFinalizeCompute,
		OpRetireStamp,
	}, got)
	// timestamp begin flag, then the wait pipe, then timestamp end.
	assert.Equal(t, uint8(1), args[1])
	assert.Equal(t, uint8(fw.PipeCompute), args[2])
	assert.Equal(t, uint8(0), args[3])
}

func TestRestartBranchOffsetTargetsStart(t *testing.T) {
	b, start, finalize := buildComputeProgram(t)

	var fc FinalizeCompute
	require.NoError(t, Walk(b.Bytes(), func(op Op) error {
		if op.Code == OpFinalizeCompute {
			var err error
			fc, err = DecodeFinalizeCompute(op)
			return err
		}
		return nil
	}))

	// Branching from the finalize record by the restart offset must land
	// exactly on the start-compute record.
	assert.Equal(t, start, finalize+int(fc.RestartBranchOffset))
	assert.Negative(t, fc.RestartBranchOffset)
	assert.Equal(t, testFwStampVa, fc.FwStamp)
	assert.Equal(t, uint32(3), fc.VMSlot)
	assert.Equal(t, "0x2a", fc.StampValue.String())
}

func TestDecodeRoundTrip(t *testing.T) {
	b, _, _ := buildComputeProgram(t)

	var (
		sc  StartCompute
		tss []Timestamp
	)
	require.NoError(t, Walk(b.Bytes(), func(op Op) error {
		var err error
		switch op.Code {
		case OpStartCompute:
			sc, err = DecodeStartCompute(op)
		case OpTimestamp:
			var ts Timestamp
			ts, err = DecodeTimestamp(op)
			tss = append(tss, ts)
		}
		return err
	}))

	assert.Equal(t, StartCompute{
		JobParams:       testJobParamsVa,
		Stats:           testStatsVa,
		WorkQueue:       testQueueInfoVa,
		VMSlot:          3,
		EventGeneration: 7,
		CmdSeq:          0x51,
		UUID:            testUUID,
	}, sc)

	require.Len(t, tss, 2)
	assert.True(t, tss[0].Begin)
	assert.False(t, tss[1].Begin)
	// The begin record updates the start word, the end record the end word;
	// everything else is shared.
	assert.Equal(t, testTSVa+8, tss[0].UpdateTS)
	assert.Equal(t, testTSVa+16, tss[1].UpdateTS)
	assert.Equal(t, tss[0].CurTS, tss[1].CurTS)
	assert.Equal(t, testQueueInfoVa, tss[0].WorkQueue)

	// Decoders reject records of the wrong kind.
	_, err := DecodeStartCompute(Op{Code: OpRetireStamp})
	assert.Error(t, err)
	_, err = DecodeTimestamp(Op{Code: OpStartCompute})
	assert.Error(t, err)
}

func TestWalkErrors(t *testing.T) {
	var b Builder
	b.Add(RetireStamp{})

	t.Run("truncated", func(t *testing.T) {
		var long Builder
		long.Add(WaitForIdle{Pipe: fw.PipeVertex})
		long.Add(StartCompute{})
		buf := long.Bytes()
		err := Walk(buf[:len(buf)-8], func(Op) error { return nil })
		assert.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("unknown opcode", func(t *testing.T) {
		buf := append([]byte(nil), b.Bytes()...)
		buf[0] = 0x7f
		err := Walk(buf, func(Op) error { return nil })
		assert.ErrorIs(t, err, ErrUnknownOp)
	})

	t.Run("size mismatch", func(t *testing.T) {
		buf := append([]byte(nil), b.Bytes()...)
		buf[2] = 9
		err := Walk(buf, func(Op) error { return nil })
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnknownOp)
	})
}

func TestBuildAndWalkDevice(t *testing.T) {
	a, err := alloc.NewArena(1 << 12)
	require.NoError(t, err)
	defer a.Close()

	b, _, _ := buildComputeProgram(t)
	prog, err := b.Build(a)
	require.NoError(t, err)
	assert.Equal(t, len(b.Bytes()), prog.Size())

	var codes []OpCode
	require.NoError(t, WalkDevice(a, prog.GpuVa(), func(op Op) error {
		codes = append(codes, op.Code)
		return nil
	}))
	assert.Len(t, codes, 6)
	assert.Equal(t, OpRetireStamp, codes[len(codes)-1])
}

func TestWalkDeviceRequiresRetire(t *testing.T) {
	a, err := alloc.NewArena(1 << 13)
	require.NoError(t, err)
	defer a.Close()

	// A program with no retire-stamp runs into unmapped space.
	var b Builder
	b.Add(WaitForIdle{Pipe: fw.PipeCompute})
	prog, err := b.Build(a)
	require.NoError(t, err)

	err = WalkDevice(a, prog.GpuVa(), func(Op) error { return nil })
	assert.Error(t, err)
}

func TestEmptyBuild(t *testing.T) {
	a, err := alloc.NewArena(1 << 12)
	require.NoError(t, err)
	defer a.Close()

	var b Builder
	_, err = b.Build(a)
	assert.Error(t, err)
}
