package rebind

import "unsafe"

// TargetKind classifies the code a pointer slot points at. A slot that was
// never called through still points at the loader's resolver stub, which
// shows up as a bare jump.
type TargetKind uint8

const (
	TargetUnknown TargetKind = iota
	TargetCode
	TargetJumpStub
)

func (k TargetKind) String() string {
	switch k {
	case TargetCode:
		return "code"
	case TargetJumpStub:
		return "jump stub"
	}
	return "unknown"
}

// InspectTarget decodes the first instruction at addr to classify it. addr
// must be a mapped code address; passing anything else risks a fault.
func InspectTarget(addr uintptr) TargetKind {
	if addr == 0 || maxInstLen == 0 {
		return TargetUnknown
	}
	code := unsafe.Slice((*byte)(unsafe.Pointer(addr)), maxInstLen)
	return classifyTarget(code)
}

func describeTarget(addr uintptr) string {
	return InspectTarget(addr).String()
}
