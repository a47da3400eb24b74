package rebind

import (
	"bytes"
	"encoding/binary"
	"sort"
	"unsafe"

	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

const (
	headerSize = types.FileHeaderSize64
	ptrSize    = 8
	nlistSize  = 16

	segmentCmdSize = 72
	sectionCmdSize = 80

	// Sanity caps. A legitimate image never approaches these; values past
	// them mean we are misreading memory and must stop before
	// dereferencing anything derived from them.
	maxCmdRegion = 16 << 20
	maxNsyms     = 1 << 24

	sectionTypeMask        = 0xff
	sNonLazySymbolPointers = 0x06
	sLazySymbolPointers    = 0x07

	vmProtWrite = 0x02
)

// Mach-O on every target this engine supports is little-endian.
var bo = binary.LittleEndian

// imageView is a bounds-checked window over one mapped image. A zero limit
// means the image's extent is unknown; in that case every address handed to
// span must have been validated against the image's own segment declarations
// first.
type imageView struct {
	base  uintptr
	limit uintptr
}

// span returns n bytes of mapped memory starting at the absolute runtime
// address addr. The returned slice borrows process memory and is valid only
// while the image stays mapped.
func (v imageView) span(addr uintptr, n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.Wrapf(errOutOfBounds, "negative length %d", n)
	}
	if v.limit != 0 {
		if addr < v.base || addr-v.base > v.limit || uintptr(n) > v.limit-(addr-v.base) {
			return nil, errors.Wrapf(errOutOfBounds, "%#x+%d outside image %#x+%#x", addr, n, v.base, v.limit)
		}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n), nil
}

// pointerTable locates one indirect-symbol-pointer section at runtime.
// Invalid once the image unmaps.
type pointerTable struct {
	addr  uintptr // runtime address of the first slot
	count int
	lazy  bool

	// False for tables in segments mapped without write permission
	// (__DATA_CONST); their pages need unprotecting before a patch.
	writable bool

	// Index of the table's first entry in the image's indirect symbol
	// table. The section header stores it in Reserve1; it is an index,
	// never a byte offset.
	indirectBase uint32
}

func (t pointerTable) slot(i int) uintptr {
	return t.addr + uintptr(i)*ptrSize
}

// symtabView exposes an image's nlist array and string table as read-only
// views over mapped memory.
type symtabView struct {
	img    Image
	nlists []byte
	nsyms  int
	strtab []byte
}

func (s *symtabView) entry(i int) types.Nlist64 {
	b := s.nlists[i*nlistSize:]
	return types.Nlist64{
		Nlist: types.Nlist{
			Name: bo.Uint32(b),
			Type: types.NType(b[4]),
			Sect: b[5],
			Desc: types.NDescType(bo.Uint16(b[6:])),
		},
		Value: bo.Uint64(b[8:]),
	}
}

func (s *symtabView) nameAt(stroff uint32) (string, bool) {
	if uint64(stroff) >= uint64(len(s.strtab)) {
		return "", false
	}
	return cstring(s.strtab[stroff:]), true
}

// nameForAddr scans the nlist array for a defined symbol whose slid value
// equals addr. O(nsyms); callers memoize.
func (s *symtabView) nameForAddr(addr uintptr) (string, bool) {
	for i := 0; i < s.nsyms; i++ {
		n := s.entry(i)
		if n.Type.IsDebugSym() || n.Type.IsUndefinedSym() || n.Value == 0 {
			continue
		}
		if s.img.addr(n.Value) == addr {
			return s.nameAt(n.Name)
		}
	}
	return "", false
}

// addrForName is the inverse scan: the runtime address of the first defined
// symbol matching name.
func (s *symtabView) addrForName(name string) (uintptr, bool) {
	for i := 0; i < s.nsyms; i++ {
		n := s.entry(i)
		if n.Type.IsDebugSym() || n.Type.IsUndefinedSym() || n.Value == 0 {
			continue
		}
		if nm, ok := s.nameAt(n.Name); ok && symbolMatches(name, nm) {
			return s.img.addr(n.Value), true
		}
	}
	return 0, false
}

// symbolMatches compares a requested name against a symbol-table entry,
// tolerating the C-symbol leading underscore.
func symbolMatches(target, entry string) bool {
	if entry == target {
		return true
	}
	return len(entry) == len(target)+1 && entry[0] == '_' && entry[1:] == target
}

// imageLayout is the parsed form of one image: its candidate pointer tables
// in probe order and its symbol table, if any.
type imageLayout struct {
	img    Image
	tables []pointerTable
	symtab *symtabView
}

type candidate struct {
	pointerTable
	segRank int
}

// pointerSections collects the indirect-symbol-pointer sections of one data
// segment. Sections are matched by their type bits, so both the classic
// __la_symbol_ptr/__nl_symbol_ptr pair and the __DATA_CONST __got layout of
// read-only-data builds are found.
func pointerSections(v imageView, img Image, seg types.Segment64, body []byte) ([]candidate, error) {
	var segRank int
	switch cstring(seg.Name[:]) {
	case "__DATA":
		segRank = 0
	case "__DATA_CONST":
		segRank = 1
	default:
		// Pointer tables only live in the writable data segments.
		return nil, nil
	}

	var cands []candidate
	for s := 0; s < int(seg.Nsect); s++ {
		var sect types.Section64
		sb := body[segmentCmdSize+s*sectionCmdSize:]
		if err := binary.Read(bytes.NewReader(sb), bo, &sect); err != nil {
			return nil, errors.Wrap(err, "read section")
		}
		st := uint32(sect.Flags) & sectionTypeMask
		if st != sLazySymbolPointers && st != sNonLazySymbolPointers {
			continue
		}
		if sect.Size == 0 || sect.Size%ptrSize != 0 {
			continue
		}
		// The section must sit inside its own segment's mapped range
		// before its address is trusted.
		if sect.Addr < seg.Addr || sect.Addr-seg.Addr > seg.Memsz || sect.Size > seg.Memsz-(sect.Addr-seg.Addr) {
			return nil, errors.Wrapf(errOutOfBounds, "section %q outside segment %q", cstring(sect.Name[:]), cstring(seg.Name[:]))
		}
		start := img.addr(sect.Addr)
		if _, err := v.span(start, int(sect.Size)); err != nil {
			return nil, errors.Wrapf(err, "section %q", cstring(sect.Name[:]))
		}
		cands = append(cands, candidate{
			pointerTable: pointerTable{
				addr:         start,
				count:        int(sect.Size / ptrSize),
				lazy:         st == sLazySymbolPointers,
				writable:     uint32(seg.Prot)&vmProtWrite != 0,
				indirectBase: sect.Reserve1,
			},
			segRank: segRank,
		})
	}
	return cands, nil
}

// parseImage walks the image's load commands. Every embedded offset and size
// is validated before the memory it points at is touched; any violation
// fails the whole image, which the orchestrator then skips.
func parseImage(img Image) (*imageLayout, error) {
	v := imageView{base: img.Base, limit: img.MaxSize}

	hb, err := v.span(img.Base, headerSize)
	if err != nil {
		return nil, err
	}
	var hdr types.FileHeader
	if err := binary.Read(bytes.NewReader(hb), bo, &hdr); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if hdr.Magic != types.Magic64 {
		return nil, errors.Wrapf(errBadMagic, "magic %#x", uint32(hdr.Magic))
	}
	if hdr.SizeCommands > maxCmdRegion {
		return nil, errors.Wrapf(errCmdOverflow, "sizeofcmds %#x", hdr.SizeCommands)
	}

	cmds, err := v.span(img.Base+headerSize, int(hdr.SizeCommands))
	if err != nil {
		return nil, err
	}

	var (
		symtab     types.SymtabCmd
		dysym      types.DysymtabCmd
		linkedit   types.Segment64
		haveSymtab bool
		haveDysym  bool
		haveLE     bool
		cands      []candidate
	)

	off := 0
	for i := uint32(0); i < hdr.NCommands; i++ {
		if off+8 > len(cmds) {
			return nil, errors.Wrapf(errCmdOverflow, "command %d", i)
		}
		cmd := types.LoadCmd(bo.Uint32(cmds[off:]))
		size := int(bo.Uint32(cmds[off+4:]))
		if size < 8 || off+size > len(cmds) {
			return nil, errors.Wrapf(errCmdOverflow, "command %d size %d", i, size)
		}
		body := cmds[off : off+size]
		off += size

		switch cmd {
		case types.LC_SEGMENT_64:
			if size < segmentCmdSize {
				return nil, errors.Wrapf(errCmdOverflow, "short segment command %d", i)
			}
			var seg types.Segment64
			if err := binary.Read(bytes.NewReader(body), bo, &seg); err != nil {
				return nil, errors.Wrap(err, "read segment")
			}
			if segmentCmdSize+int(seg.Nsect)*sectionCmdSize > size {
				return nil, errors.Wrapf(errCmdOverflow, "segment %q declares %d sections", cstring(seg.Name[:]), seg.Nsect)
			}
			if cstring(seg.Name[:]) == "__LINKEDIT" {
				linkedit, haveLE = seg, true
				break
			}
			segCands, err := pointerSections(v, img, seg, body)
			if err != nil {
				return nil, err
			}
			cands = append(cands, segCands...)

		case types.LC_SYMTAB:
			if err := binary.Read(bytes.NewReader(body), bo, &symtab); err != nil {
				return nil, errors.Wrap(err, "read symtab command")
			}
			haveSymtab = true

		case types.LC_DYSYMTAB:
			if err := binary.Read(bytes.NewReader(body), bo, &dysym); err != nil {
				return nil, errors.Wrap(err, "read dysymtab command")
			}
			haveDysym = true
		}
	}

	// Lazy tables first, then __DATA before __DATA_CONST, preserving
	// in-image order otherwise.
	sort.SliceStable(cands, func(a, b int) bool {
		if cands[a].lazy != cands[b].lazy {
			return cands[a].lazy
		}
		return cands[a].segRank < cands[b].segRank
	})

	lay := &imageLayout{img: img}
	for _, c := range cands {
		if haveDysym && uint64(c.indirectBase)+uint64(c.count) > uint64(dysym.Nindirectsyms) {
			// Reserve1 is an indirect-table index. An index past the
			// table means we are looking at something else entirely.
			continue
		}
		lay.tables = append(lay.tables, c.pointerTable)
	}

	if haveSymtab && symtab.Nsyms > 0 {
		st, err := loadSymtab(v, img, linkedit, haveLE, symtab)
		if err != nil {
			return nil, err
		}
		lay.symtab = st
	}

	return lay, nil
}

// loadSymtab maps the nlist array and string table into views. Symoff and
// Stroff are file offsets; at runtime they are reachable through the
// __LINKEDIT segment's mapping.
func loadSymtab(v imageView, img Image, linkedit types.Segment64, haveLE bool, cmd types.SymtabCmd) (*symtabView, error) {
	if !haveLE {
		return nil, errors.Wrap(errNoSymtab, "no __LINKEDIT segment")
	}
	if cmd.Nsyms > maxNsyms {
		return nil, errors.Wrapf(errOutOfBounds, "nsyms %d", cmd.Nsyms)
	}

	leBase := img.addr(linkedit.Addr)
	contains := func(off, size uint64) bool {
		return off >= linkedit.Offset && off-linkedit.Offset <= linkedit.Filesz &&
			size <= linkedit.Filesz-(off-linkedit.Offset)
	}

	nlSize := uint64(cmd.Nsyms) * nlistSize
	if !contains(uint64(cmd.Symoff), nlSize) {
		return nil, errors.Wrapf(errOutOfBounds, "symtab %#x+%#x outside __LINKEDIT", cmd.Symoff, nlSize)
	}
	if !contains(uint64(cmd.Stroff), uint64(cmd.Strsize)) {
		return nil, errors.Wrapf(errOutOfBounds, "strtab %#x+%#x outside __LINKEDIT", cmd.Stroff, cmd.Strsize)
	}

	nlists, err := v.span(leBase+uintptr(uint64(cmd.Symoff)-linkedit.Offset), int(nlSize))
	if err != nil {
		return nil, err
	}
	strtab, err := v.span(leBase+uintptr(uint64(cmd.Stroff)-linkedit.Offset), int(cmd.Strsize))
	if err != nil {
		return nil, err
	}

	return &symtabView{
		img:    img,
		nlists: nlists,
		nsyms:  int(cmd.Nsyms),
		strtab: strtab,
	}, nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
