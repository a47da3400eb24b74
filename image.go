package rebind

// Image describes one executable image mapped into the process. The Base
// address is a borrowed view into process memory and stays valid only while
// the image remains mapped.
type Image struct {
	// Base is the address of the image's Mach-O header.
	Base uintptr

	// Slide is the load-time bias added to the image's statically assigned
	// addresses to obtain runtime addresses. May be negative.
	Slide int64

	// Name is the image's path as reported by the loader.
	Name string

	// MaxSize bounds the readable bytes at Base. Zero means the extent is
	// unknown and must be derived from the image's own load commands.
	MaxSize uintptr
}

// addr translates a static address from the image's tables into a runtime
// address.
func (img Image) addr(static uint64) uintptr {
	return uintptr(int64(static) + img.Slide)
}

// ImageSource enumerates the images mapped into the process. Images returns
// a fresh snapshot on every call; images loading concurrently with the call
// may or may not appear. An empty slice is a valid result, not an error.
type ImageSource interface {
	Images() []Image
}

// StaticSource is an ImageSource over a fixed set of images. It is meant for
// embedders that manage foreign images themselves and for tests.
type StaticSource []Image

// Images returns a copy of the registered images.
func (s StaticSource) Images() []Image {
	out := make([]Image, len(s))
	copy(out, s)
	return out
}
