//go:build amd64
// +build amd64

package jit

import "github.com/twitchyliquid64/golang-asm/obj/x86"

// Every place generated code calls directly into an ordinary Go function —
// trapHelper, hostDispatch, memorySizeHelper, memoryGrowHelper, all in
// dispatch_amd64.go — uses the integer-argument register order Go's
// register-based internal calling convention assigns on amd64 (AX, BX, CX,
// DI, SI, R8, R9, R10, R11 — see cmd/compile/internal/abi's register
// allocation doc), rather than this compiler's own C-like ABI. A Go
// function gives no guarantee about which registers survive a call, which
// is why every call site using these constants is paired with the
// save/restore sequence in emitGoCall.
const (
	goArg0 = x86.REG_AX
	goArg1 = x86.REG_BX
	goArg2 = x86.REG_CX
	goRet  = x86.REG_AX
)
