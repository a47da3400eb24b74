//go:build windows

package rebind

import (
	"syscall"

	"golang.org/x/sys/windows"
)

const (
	mprotectExec = windows.PAGE_EXECUTE_READ
	mprotectRWX  = windows.PAGE_EXECUTE_READWRITE
)

func unprotectSlot(slot uintptr) (restore func() error, err error) {
	pageSize := uintptr(syscall.Getpagesize())
	pageStart := slot &^ (pageSize - 1)

	var oldFlags uint32
	if err := windows.VirtualProtect(pageStart, pageSize, windows.PAGE_READWRITE, &oldFlags); err != nil {
		return nil, err
	}
	return func() error {
		var prev uint32
		return windows.VirtualProtect(pageStart, pageSize, oldFlags, &prev)
	}, nil
}
