//go:build !amd64 && !arm64

package rebind

const maxInstLen = 0

func classifyTarget([]byte) TargetKind {
	return TargetUnknown
}
