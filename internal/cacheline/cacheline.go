// Package cacheline exposes the platform cache line size used to pad
// hot structures and avoid false sharing between goroutines that touch
// neighboring buckets or counters concurrently.
package cacheline

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// Size is used in structure padding to prevent false sharing. Padding
// array lengths must stay constant expressions (Go array types cannot be
// sized by an ordinary function call), so callers compute
// `(Size - N%Size) % Size` inline with Size rather than calling a
// PadFor-style helper.
const Size = unsafe.Sizeof(cpu.CacheLinePad{})
