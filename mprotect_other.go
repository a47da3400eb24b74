//go:build !unix && !windows

package rebind

const (
	mprotectExec = 0
	mprotectRWX  = 0
)

func unprotectSlot(uintptr) (func() error, error) {
	return func() error { return nil }, nil
}
