package rebind

import (
	"bytes"
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/blacktop/go-macho/types"
	"github.com/stretchr/testify/require"
)

// The tests run against synthetic 64-bit Mach-O images assembled in heap
// buffers. The builder lays the image out so that static addresses equal
// buffer offsets; with Slide set to the buffer's base address the engine's
// address arithmetic works exactly as it does against dyld-mapped images.

type testSym struct {
	name string
	off  uint64 // static address, also the buffer offset
}

type imageSpec struct {
	name      string
	syms      []testSym
	lazySlots int
	gotSlots  int
	noSymtab  bool
}

type testImage struct {
	buf     []byte
	img     Image
	lazyOff uint64
	gotOff  uint64
	symOffs map[string]uint64

	// Buffer offsets of interesting load-command structures, for tests
	// that corrupt them.
	symtabCmdOff int
}

const (
	segCmdWithSectSize = segmentCmdSize + sectionCmdSize
	symtabCmdLen       = 24
	dysymtabCmdLen     = 80
)

func put(t *testing.T, buf []byte, off int, v any) int {
	t.Helper()
	var w bytes.Buffer
	require.NoError(t, binary.Write(&w, bo, v))
	n := copy(buf[off:], w.Bytes())
	require.Equal(t, w.Len(), n)
	return off + n
}

func name16(s string) (n [16]byte) {
	copy(n[:], s)
	return n
}

func sliceAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

func buildImage(t *testing.T, spec imageSpec) *testImage {
	t.Helper()

	if spec.name == "" {
		spec.name = "/usr/lib/fixture.dylib"
	}

	hasData := spec.lazySlots > 0
	hasConst := spec.gotSlots > 0
	hasSymtab := !spec.noSymtab

	var sizecmds, ncmds int
	if hasData {
		sizecmds += segCmdWithSectSize
		ncmds++
	}
	if hasConst {
		sizecmds += segCmdWithSectSize
		ncmds++
	}
	if hasSymtab {
		sizecmds += segmentCmdSize + symtabCmdLen + dysymtabCmdLen
		ncmds += 3
	}

	cur := (uint64(headerSize+sizecmds) + 7) &^ 7
	lazyOff := cur
	cur += uint64(spec.lazySlots) * ptrSize
	gotOff := cur
	cur += uint64(spec.gotSlots) * ptrSize
	leOff := cur

	strs := []byte{0}
	strOffs := make([]uint32, len(spec.syms))
	for i, s := range spec.syms {
		strOffs[i] = uint32(len(strs))
		strs = append(strs, s.name...)
		strs = append(strs, 0)
	}
	symOff := leOff
	strOff := symOff + uint64(len(spec.syms))*nlistSize
	total := strOff + uint64(len(strs))

	buf := make([]byte, total)
	ti := &testImage{
		buf:     buf,
		lazyOff: lazyOff,
		gotOff:  gotOff,
		symOffs: make(map[string]uint64, len(spec.syms)),
	}

	put(t, buf, 0, &types.FileHeader{
		Magic:        types.Magic64,
		CPU:          types.CPUAmd64,
		Type:         6, // MH_DYLIB
		NCommands:    uint32(ncmds),
		SizeCommands: uint32(sizecmds),
	})

	pos := headerSize
	if hasData {
		size := uint64(spec.lazySlots) * ptrSize
		pos = put(t, buf, pos, &types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Len:     segCmdWithSectSize,
			Name:    name16("__DATA"),
			Addr:    lazyOff,
			Memsz:   size,
			Offset:  lazyOff,
			Filesz:  size,
			Maxprot: 3,
			Prot:    3,
			Nsect:   1,
		})
		pos = put(t, buf, pos, &types.Section64{
			Name:     name16("__la_symbol_ptr"),
			Seg:      name16("__DATA"),
			Addr:     lazyOff,
			Size:     size,
			Offset:   uint32(lazyOff),
			Align:    3,
			Flags:    sLazySymbolPointers,
			Reserve1: 0,
		})
	}
	if hasConst {
		size := uint64(spec.gotSlots) * ptrSize
		pos = put(t, buf, pos, &types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Len:     segCmdWithSectSize,
			Name:    name16("__DATA_CONST"),
			Addr:    gotOff,
			Memsz:   size,
			Offset:  gotOff,
			Filesz:  size,
			Maxprot: 3,
			Prot:    1,
			Nsect:   1,
		})
		pos = put(t, buf, pos, &types.Section64{
			Name:     name16("__got"),
			Seg:      name16("__DATA_CONST"),
			Addr:     gotOff,
			Size:     size,
			Offset:   uint32(gotOff),
			Align:    3,
			Flags:    sNonLazySymbolPointers,
			Reserve1: uint32(spec.lazySlots),
		})
	}
	if hasSymtab {
		leSize := total - leOff
		pos = put(t, buf, pos, &types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Len:     segmentCmdSize,
			Name:    name16("__LINKEDIT"),
			Addr:    leOff,
			Memsz:   leSize,
			Offset:  leOff,
			Filesz:  leSize,
			Maxprot: 1,
			Prot:    1,
		})
		ti.symtabCmdOff = pos
		pos = put(t, buf, pos, &types.SymtabCmd{
			LoadCmd: types.LC_SYMTAB,
			Len:     symtabCmdLen,
			Symoff:  uint32(symOff),
			Nsyms:   uint32(len(spec.syms)),
			Stroff:  uint32(strOff),
			Strsize: uint32(len(strs)),
		})
		pos = put(t, buf, pos, &types.DysymtabCmd{
			LoadCmd:       types.LC_DYSYMTAB,
			Len:           dysymtabCmdLen,
			Nindirectsyms: uint32(spec.lazySlots + spec.gotSlots),
		})
	}
	require.LessOrEqual(t, pos, int(lazyOff))

	p := int(symOff)
	for i, s := range spec.syms {
		p = put(t, buf, p, &types.Nlist64{
			Nlist: types.Nlist{
				Name: strOffs[i],
				Type: types.N_SECT | types.N_EXT,
				Sect: 1,
			},
			Value: s.off,
		})
		ti.symOffs[s.name] = s.off
	}
	copy(buf[strOff:], strs)

	base := sliceAddr(buf)
	ti.img = Image{
		Base:    base,
		Slide:   int64(base),
		Name:    spec.name,
		MaxSize: uintptr(total),
	}
	return ti
}

// symAddr is the runtime address a symbol resolves to.
func (ti *testImage) symAddr(t *testing.T, name string) uintptr {
	t.Helper()
	off, ok := ti.symOffs[name]
	require.True(t, ok, "unknown fixture symbol %q", name)
	return ti.img.addr(off)
}

func (ti *testImage) lazySlotAddr(i int) uintptr {
	return ti.img.Base + uintptr(ti.lazyOff) + uintptr(i)*ptrSize
}

func (ti *testImage) gotSlotAddr(i int) uintptr {
	return ti.img.Base + uintptr(ti.gotOff) + uintptr(i)*ptrSize
}

func (ti *testImage) setSlot(addr, v uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = v
}

func (ti *testImage) slot(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

// fixture builds an image with one lazy slot per symbol, each slot bound to
// its symbol's runtime address. Symbol values point at padding inside the
// image so that every slot target is mapped memory.
func fixture(t *testing.T, names ...string) *testImage {
	t.Helper()

	syms := make([]testSym, len(names))
	for i, n := range names {
		syms[i] = testSym{name: n, off: uint64(8 + i*2)}
	}
	ti := buildImage(t, imageSpec{syms: syms, lazySlots: len(names)})
	for i, n := range names {
		ti.setSlot(ti.lazySlotAddr(i), ti.symAddr(t, n))
	}
	return ti
}
