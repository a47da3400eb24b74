//go:build unix

package rebind

import (
	"syscall"
	"unsafe"
)

const (
	mprotectExec = syscall.PROT_READ | syscall.PROT_EXEC
	mprotectRWX  = syscall.PROT_READ | syscall.PROT_WRITE | syscall.PROT_EXEC
)

// unprotectSlot makes the page holding a pointer slot writable. Tables in
// __DATA_CONST are mapped read-only once the loader has bound them; the
// compare-and-swap would fault without this. Slots are pointer-aligned, so
// one page always covers the whole slot.
//
// The returned restore reinstates the read-only protection. unprotectSlot is
// only called for slots in read-only segments, so PROT_READ is the prior
// state.
func unprotectSlot(slot uintptr) (restore func() error, err error) {
	pageSize := uintptr(syscall.Getpagesize())
	pageStart := slot &^ (pageSize - 1)

	region := unsafe.Slice((*byte)(unsafe.Pointer(pageStart)), pageSize)
	if err := syscall.Mprotect(region, syscall.PROT_READ|syscall.PROT_WRITE); err != nil {
		return nil, err
	}
	return func() error {
		return syscall.Mprotect(region, syscall.PROT_READ)
	}, nil
}
