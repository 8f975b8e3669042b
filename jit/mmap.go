package jit

import (
	"syscall"
	"unsafe"
)

// mmapCodeSegment reserves len(code) bytes of RWX memory and copies code
// into it, returning the mapped slice. The region is mapped executable from
// the start (no separate mprotect phase) since every byte written into it
// before finalize is itself instruction bytes, never attacker-controlled
// data.
func mmapCodeSegment(code []byte) ([]byte, error) {
	mmapFunc, err := syscall.Mmap(
		-1,
		0,
		len(code),
		syscall.PROT_READ|syscall.PROT_WRITE|syscall.PROT_EXEC, syscall.MAP_PRIVATE|mmapFlags,
	)
	if err != nil {
		return nil, err
	}
	copy(mmapFunc, code)
	return mmapFunc, nil
}

// sliceAddr returns the native address of a byte slice's backing array.
func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
