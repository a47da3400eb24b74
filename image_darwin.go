//go:build darwin && cgo

package rebind

/*
#include <mach-o/dyld.h>
*/
import "C"

import "unsafe"

// dyldSource enumerates images through the dyld runtime API. The returned
// snapshot is best-effort: dyld may load or unload images concurrently.
type dyldSource struct{}

func (dyldSource) Images() []Image {
	count := uint32(C._dyld_image_count())
	images := make([]Image, 0, count)

	for i := uint32(0); i < count; i++ {
		hdr := C._dyld_get_image_header(C.uint32_t(i))
		if hdr == nil {
			// Image unloaded between count and fetch.
			continue
		}
		images = append(images, Image{
			Base:  uintptr(unsafe.Pointer(hdr)),
			Slide: int64(C._dyld_get_image_vmaddr_slide(C.uint32_t(i))),
			Name:  C.GoString(C._dyld_get_image_name(C.uint32_t(i))),
		})
	}

	return images
}

func defaultSource() ImageSource { return dyldSource{} }
