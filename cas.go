package rebind

import (
	"sync/atomic"
	"unsafe"
)

// loadSlot reads a pointer slot with a plain atomic load. The slot may be
// rewritten at any moment by the dynamic loader or by another rebind.
func loadSlot(slot uintptr) uintptr {
	return atomic.LoadUintptr((*uintptr)(unsafe.Pointer(slot)))
}

// patchSlot installs replacement into a live pointer slot, but only if the
// slot still holds old. The compare-and-swap is the sole mutation point in
// the engine: other threads may call through the slot at any time, so a
// plain store would risk a torn read. A false return means the slot changed
// since it was read; retrying is the caller's decision.
func patchSlot(slot, old, replacement uintptr) bool {
	return atomic.CompareAndSwapUintptr((*uintptr)(unsafe.Pointer(slot)), old, replacement)
}
