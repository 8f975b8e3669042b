//go:build amd64
// +build amd64

package jit

import (
	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

// Host-call trampolines bridge a native CALL site to a Go HostFunction,
// per spec.md §4.4: generated code calls through a fixed-size slot exactly
// like a direct call to a defined function, so call_indirect and regular
// call need no special case for imports. Each trampoline implements the
// seven steps spec.md describes, with step 4 ("re-align SP to 16 bytes
// before calling into host code") dropped: the dispatcher below is an
// ordinary Go function rather than a C routine, and Go's calling
// convention carries no alignment requirement of its own — see
// goabi_amd64.go.
const hostTrampolineStride = 56

// buildHostTrampolines emits one trampoline per imported function and
// returns their addresses in import-index order.
func buildHostTrampolines(region *Region, numImports int, dispatcherAddr uintptr) ([]uintptr, error) {
	addrs := make([]uintptr, numImports)
	for i := 0; i < numImports; i++ {
		off, err := region.Alloc(hostTrampolineStride)
		if err != nil {
			return nil, err
		}
		region.Write(off, assembleHostTrampoline(uint32(i), dispatcherAddr))
		addrs[i] = region.Base() + uintptr(off)
	}
	return addrs, nil
}

// assembleHostTrampoline builds: (1) stage importIdx ; (2) save
// context/memory-base/call-depth, this compiler's three callee-preserved
// registers, none of which an ordinary Go function promises to leave alone
// ; (3) compute a pointer to the argument slots the CALL site left on the
// stack, below its own pushed return address and the three just-saved
// registers ; (5) call the dispatcher ; (6) restore the saved registers
// (the dispatcher's result in AX survives untouched, POP never touches it)
// ; (7) return to the original call site with the result already in AX —
// exactly where a direct call to a defined function would have left it.
func assembleHostTrampoline(importIdx uint32, dispatcherAddr uintptr) []byte {
	b, err := asm.NewBuilder("amd64", 16)
	if err != nil {
		panic(err)
	}

	push := func(reg int16) {
		p := b.NewProg()
		p.As = x86.APUSHQ
		p.From.Type = obj.TYPE_REG
		p.From.Reg = reg
		b.AddInstruction(p)
	}
	pop := func(reg int16) {
		p := b.NewProg()
		p.As = x86.APOPQ
		p.To.Type = obj.TYPE_REG
		p.To.Reg = reg
		b.AddInstruction(p)
	}

	push(regCallDepth)
	push(regMemBase)
	push(regContext)

	movCtx := b.NewProg()
	movCtx.As = x86.AMOVQ
	movCtx.From.Type = obj.TYPE_REG
	movCtx.From.Reg = regContext
	movCtx.To.Type = obj.TYPE_REG
	movCtx.To.Reg = goArg0
	b.AddInstruction(movCtx)

	movIdx := b.NewProg()
	movIdx.As = x86.AMOVL
	movIdx.From.Type = obj.TYPE_CONST
	movIdx.From.Offset = int64(importIdx)
	movIdx.To.Type = obj.TYPE_REG
	movIdx.To.Reg = goArg1
	b.AddInstruction(movIdx)

	// argsBase: the three pushes above moved SP down by 24 bytes beyond
	// where it stood when this trampoline's own CALL pushed its return
	// address; the first argument slot sits 8 bytes above that.
	lea := b.NewProg()
	lea.As = x86.ALEAQ
	lea.From.Type = obj.TYPE_MEM
	lea.From.Reg = x86.REG_SP
	lea.From.Offset = 32
	lea.To.Type = obj.TYPE_REG
	lea.To.Reg = goArg2
	b.AddInstruction(lea)

	movDispatcher := b.NewProg()
	movDispatcher.As = x86.AMOVQ
	movDispatcher.From.Type = obj.TYPE_CONST
	movDispatcher.From.Offset = int64(dispatcherAddr)
	movDispatcher.To.Type = obj.TYPE_REG
	movDispatcher.To.Reg = regReloc
	b.AddInstruction(movDispatcher)

	call := b.NewProg()
	call.As = obj.ACALL
	call.To.Type = obj.TYPE_REG
	call.To.Reg = regReloc
	b.AddInstruction(call)

	pop(regContext)
	pop(regMemBase)
	pop(regCallDepth)

	ret := b.NewProg()
	ret.As = obj.ARET
	b.AddInstruction(ret)

	return b.Assemble()
}
