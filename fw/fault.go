package fw

import "fmt"

// FaultReason classifies a decoded MMU fault.
type FaultReason uint8

const (
	FaultReasonUnmapped FaultReason = iota
	FaultReasonAfFault
	FaultReasonWriteOnly
	FaultReasonReadOnly
	FaultReasonNoAccess
	FaultReasonUnknown
)

// String implements fmt.Stringer.
func (r FaultReason) String() string {
	switch r {
	case FaultReasonUnmapped:
		return "unmapped"
	case FaultReasonAfFault:
		return "af-fault"
	case FaultReasonWriteOnly:
		return "write-only"
	case FaultReasonReadOnly:
		return "read-only"
	case FaultReasonNoAccess:
		return "no-access"
	default:
		return "unknown"
	}
}

// FaultInfo carries the decoded details of a device fault, as reported by
// the fault decoding layer. VMSlot attributes the fault to the execution
// context that raised it.
type FaultInfo struct {
	Address  GpuVa
	Sideband uint8
	Unit     uint8
	VMSlot   uint32
	IsRead   bool
	Reason   FaultReason
}

// String implements fmt.Stringer.
func (f FaultInfo) String() string {
	access := "write"
	if f.IsRead {
		access = "read"
	}
	return fmt.Sprintf("fault: %s at %s (%s, unit %#x, sideband %#x, vm slot %d)",
		f.Reason, f.Address, access, f.Unit, f.Sideband, f.VMSlot)
}
