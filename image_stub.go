//go:build !darwin || !cgo

package rebind

// Without dyld there is no ambient image map to enumerate. The default
// catalog is empty; embedders hosting foreign images supply their own
// source with WithImageSource.
func defaultSource() ImageSource { return StaticSource(nil) }
