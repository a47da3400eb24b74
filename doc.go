// Package rebind interposes functions in a running process by rewriting the
// lazy-bound symbol pointers inside loaded Mach-O images. A rebind redirects
// calls through a named import to a replacement address while handing back
// the original, without relinking or restarting anything.
//
// Limitations:
//   - Only supports 64-bit Mach-O images on amd64 and arm64
//   - Images with stripped symbol tables cannot be matched
//   - Calls that bypass the indirect pointer tables (static or inlined
//     calls) are not interposed
//   - A symbol cache entry goes stale if an image is unloaded and another
//     mapped at the same address
package rebind
