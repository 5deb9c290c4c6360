package dbt

import "fmt"

// GuestAddr is a flat 32-bit guest virtual address. A distinct type keeps
// a guest PC and a cache offset from being silently interchangeable.
type GuestAddr uint32

func (a GuestAddr) String() string { return fmt.Sprintf("0x%08x", uint32(a)) }

// CacheAddr is an offset into the code cache buffer. It is not a host
// pointer: this package never executes the bytes it emits (running
// translated code is the job of the out-of-scope assembly stubs), so a
// byte offset is all a CacheAddr needs to be.
type CacheAddr int32

func (a CacheAddr) String() string {
	if a < 0 {
		// Runtime stub addresses sit below the cache base.
		return fmt.Sprintf("cache-0x%x", uint32(-int32(a)))
	}
	return fmt.Sprintf("cache+0x%x", int32(a))
}
