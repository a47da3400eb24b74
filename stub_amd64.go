//go:build amd64

package rebind

import "golang.org/x/arch/x86/x86asm"

const maxInstLen = 15

func classifyTarget(code []byte) TargetKind {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return TargetUnknown
	}
	if inst.Op == x86asm.JMP {
		return TargetJumpStub
	}
	return TargetCode
}
