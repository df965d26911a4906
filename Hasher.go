package Hazmap

import (
	_ "runtime"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

//go:linkname rtHash runtime.memhash
//go:noescape
func rtHash(ptr unsafe.Pointer, seed uint, len uintptr) uint

//go:linkname rtHash64 runtime.memhash64
//go:noescape
func rtHash64(ptr unsafe.Pointer, seed uint) uint

//go:linkname rtHash32 runtime.memhash32
//go:noescape
func rtHash32(ptr unsafe.Pointer, seed uint) uint

// Fold compresses a 64-bit hash onto the 32-bit space the split-ordered keys
// live in.
func Fold(h uint64) uint32 {
	return uint32(h>>32) ^ uint32(h)
}

// Hasher produces the 32-bit hashes SOMap consumes. The receivers are
// thread-safe, but the memory contents aren't read in a thread-safe way, so
// only use it on synchronized memory.
type Hasher uint

// HashMem hashes the memory contents in the range [addr, addr+size) as bytes.
func (u Hasher) HashMem(addr unsafe.Pointer, size uintptr) uint32 {
	if size == 4 {
		return uint32(rtHash32(addr, uint(u)))
	} else if size == 8 {
		return uint32(rtHash64(addr, uint(u)))
	}
	return uint32(rtHash(addr, uint(u), size))
}

// HashInt hashes v.
func (u Hasher) HashInt(v int) uint32 {
	if unsafe.Sizeof(v) == 4 {
		return uint32(rtHash32(unsafe.Pointer(&v), uint(u)))
	}
	return uint32(rtHash64(unsafe.Pointer(&v), uint(u)))
}

// HashBytes hashes the given byte slice.
func (u Hasher) HashBytes(b []byte) uint32 {
	return Fold(xxhash.Sum64(b)) ^ uint32(u)
}

// HashString directly hashes a string without copying it.
func (u Hasher) HashString(v string) uint32 {
	return Fold(xxhash.Sum64String(v)) ^ uint32(u)
}
