package rebind

import "errors"

// Classification labels the outcome of a rebind attempt. Per-image and
// per-slot failures are reported through it rather than aborting the scan.
type Classification uint8

const (
	// ClassNone marks a successful rebind.
	ClassNone Classification = iota

	// ClassSymbolNotFound means the scan exhausted every image and slot
	// without finding the target symbol. This is a normal outcome for
	// symbols that are not lazily imported.
	ClassSymbolNotFound

	// ClassImageLayoutUnsupported means an image could not be used: a
	// malformed header or symbol table, no parsable image in the whole
	// catalog, or a matched slot whose page protection could not be
	// changed. A single bad image is skipped and the scan continues.
	ClassImageLayoutUnsupported

	// ClassConcurrentModification means the compare-and-swap lost a race:
	// the slot changed between discovery and the patch. The request fails,
	// retrying is up to the caller.
	ClassConcurrentModification

	// ClassUnsupportedArchitecture means the engine cannot operate on this
	// build target. Only 64-bit amd64 and arm64 are supported.
	ClassUnsupportedArchitecture

	// ClassInvalidSymbolFormat means the request itself was malformed:
	// an empty symbol name or a zero replacement address.
	ClassInvalidSymbolFormat
)

func (c Classification) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassSymbolNotFound:
		return "symbol not found"
	case ClassImageLayoutUnsupported:
		return "image layout unsupported"
	case ClassConcurrentModification:
		return "concurrent modification"
	case ClassUnsupportedArchitecture:
		return "unsupported architecture"
	case ClassInvalidSymbolFormat:
		return "invalid symbol format"
	}
	return "unknown"
}

var (
	errBadMagic       = errors.New("not a 64-bit Mach-O image")
	errCmdOverflow    = errors.New("load command overruns command region")
	errOutOfBounds    = errors.New("offset outside mapped image")
	errNoSymtab       = errors.New("image has no symbol table")
	errSlotChanged    = errors.New("pointer slot changed during rebind")
	errEmptySymbol    = errors.New("empty symbol name")
	errNilReplacement = errors.New("replacement address is zero")
)
