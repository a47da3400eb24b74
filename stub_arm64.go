//go:build arm64

package rebind

import "golang.org/x/arch/arm64/arm64asm"

const maxInstLen = 4

func classifyTarget(code []byte) TargetKind {
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return TargetUnknown
	}
	switch inst.Op {
	case arm64asm.B, arm64asm.BR:
		return TargetJumpStub
	}
	return TargetCode
}
