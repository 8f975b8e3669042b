//go:build amd64
// +build amd64

package jit

// jitcall and longjmpToEntry are implemented in jitentry_amd64.s.

//go:noescape
func jitcall(codeAddr, ctxPtr, memBase, callDepth, argsBase, numArgs uintptr) (result uint64, status uint32)

//go:noescape
func longjmpToEntry(ctxPtr uintptr)
