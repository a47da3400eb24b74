package rebind

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/pboyd/malloc"
)

// Trampoline is a small executable thunk that jumps to a fixed address.
// After a successful rebind the caller holds the original address; a
// trampoline built on it is a stable callable entry to the original that
// survives later rebinds of the same slot.
type Trampoline struct {
	code []byte
}

// Addr is the entry point of the thunk.
func (t *Trampoline) Addr() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(t.code)))
}

// NewTrampoline allocates an executable thunk that jumps to target.
func NewTrampoline(target uintptr) (*Trampoline, error) {
	if target == 0 {
		return nil, errors.New("zero trampoline target")
	}
	if thunkSize == 0 {
		return nil, errors.New("trampolines are not supported on this architecture")
	}

	if err := thunkAllocator.BeginMutate(); err != nil {
		return nil, err
	}
	defer thunkAllocator.EndMutate()

	code, err := thunkAllocator.Allocate(thunkSize)
	if err != nil {
		return nil, err
	}
	if err := writeThunk(code, target); err != nil {
		thunkAllocator.Free(code)
		return nil, err
	}
	cacheflush(code)

	return &Trampoline{code: code}, nil
}

// Free releases the thunk's executable memory. The trampoline must not be
// called after Free.
func (t *Trampoline) Free() {
	thunkAllocator.BeginMutate()
	defer thunkAllocator.EndMutate()

	thunkAllocator.Free(t.code)
	t.code = nil
}

// allocator manages an executable arena for thunks. The arena is kept RX
// except while a thunk is being written.
type allocator struct {
	*malloc.Arena
	mprotect func(int) error
	mu       sync.Mutex
	initOnce sync.Once
	mutable  bool
}

func (a *allocator) init(startSize int) error {
	var err error
	a.initOnce.Do(func() {
		// Thunks jump through an absolute address, so the arena can
		// live anywhere; no placement option needed.
		be := malloc.MmapBackend(malloc.MmapProt(mprotectExec))
		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.mprotect = protBE.Protect
		} else {
			a.mprotect = func(int) error {
				return nil
			}
		}

		a.Arena = malloc.NewArena(uint64(startSize), malloc.Backend(be))
		if a.Arena == nil {
			err = errors.New("unable to initialize arena")
			return
		}
		a.mutable = true
	})
	return err
}

func (a *allocator) BeginMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// BeginMutate can be called before the initial allocation.

	if a.mprotect == nil || a.mutable {
		return nil
	}

	err := a.mprotect(mprotectRWX)
	if err == nil {
		a.mutable = true
	}
	return err
}

func (a *allocator) EndMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		return nil
	}

	err := a.mprotect(mprotectExec)
	if err == nil {
		a.mutable = false
	}
	return err
}

func (a *allocator) Allocate(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.init(size)
	if err != nil {
		return nil, fmt.Errorf("error initializing allocator: %w", err)
	}

	if !a.mutable {
		panic("Allocate called in immutable state")
	}

	return malloc.MallocSlice[byte](a.Arena, size)
}

func (a *allocator) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		panic("Free called in immutable state")
	}

	malloc.FreeSlice(a.Arena, buf)
}

var thunkAllocator = &allocator{}
