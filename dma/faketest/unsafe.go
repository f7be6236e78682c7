package faketest

import "unsafe"

// unsafeBase returns the address of a byte slice's backing array. Used
// only to hand the dma package a real, stable uintptr to operate on in
// tests; production memory capabilities resolve addresses through the
// actual GPU/host allocator instead.
func unsafeBase(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}
