//go:build amd64
// +build amd64

package jit

import (
	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

// Six fixed-size trap stubs live once per module, near the front of the
// shared region, per spec.md §4.3: rather than inline the host-call
// sequence at every trap site, generated code CALLs through a shared slot
// and every stub shares the same calling convention — this compiler's
// context pointer moved into trapHelper's first Go-ABI argument register,
// the trap reason baked into the stub as an immediate in its second, the
// faulting call site's return address already on the stack from the CALL
// itself (trapHelper never uses it — it discards the whole frame via
// longjmpToEntry — but CALL rather than JMP is still used here: it keeps the trap path symmetric with every other
// absolute-call idiom in this compiler rather than a special case).
//
// Each stub: MOVQ regContext, goArg0 (3 bytes) ; MOVL $reason, goArg1 (5
// bytes) ; MOVQ $helperAddr, R11 (10 bytes) ; CALL R11 (3 bytes) totals 21
// bytes, rounded up to a 24-byte stride so every stub starts at an
// 8-byte-aligned offset; the spec's own 16-byte figure assumes a narrower
// encoding this assembler's generic MOVQ-immediate form doesn't produce, so
// this implementation simply fixes its own stride instead of fighting the
// encoding.
const trapStubStride = 24

// buildTrapStubs emits the six stubs at the front of region and returns
// their native addresses in TrapReason order.
func buildTrapStubs(region *Region, trapHelperAddr uintptr) (addrs [6]uintptr, err error) {
	reasons := []TrapReason{
		TrapUnreachable, TrapIntegerDivide, TrapFloatConversion,
		TrapIndirectCallRange, TrapIndirectCallType, TrapStackOverflow,
	}
	for i, reason := range reasons {
		off, aerr := region.Alloc(trapStubStride)
		if aerr != nil {
			return addrs, aerr
		}
		code := assembleTrapStub(int32(reason), trapHelperAddr)
		region.Write(off, code)
		addrs[i] = region.Base() + uintptr(off)
	}
	return addrs, nil
}

// assembleTrapStub returns the stub's machine code. trapHelperAddr is the
// Go-side trap delivery function (see errors.go's TrapError), invoked via
// the same absolute-pointer-in-scratch-register idiom as every other
// cross-region call in this compiler.
func assembleTrapStub(reason int32, trapHelperAddr uintptr) []byte {
	b, err := asm.NewBuilder("amd64", 8)
	if err != nil {
		panic(err) // stub assembly has no user-controlled input; a failure here is a programming error
	}
	movCtx := b.NewProg()
	movCtx.As = x86.AMOVQ
	movCtx.From.Type = obj.TYPE_REG
	movCtx.From.Reg = regContext
	movCtx.To.Type = obj.TYPE_REG
	movCtx.To.Reg = goArg0
	b.AddInstruction(movCtx)

	movReason := b.NewProg()
	movReason.As = x86.AMOVL
	movReason.From.Type = obj.TYPE_CONST
	movReason.From.Offset = int64(reason)
	movReason.To.Type = obj.TYPE_REG
	movReason.To.Reg = goArg1
	b.AddInstruction(movReason)

	movHelper := b.NewProg()
	movHelper.As = x86.AMOVQ
	movHelper.From.Type = obj.TYPE_CONST
	movHelper.From.Offset = int64(trapHelperAddr)
	movHelper.To.Type = obj.TYPE_REG
	movHelper.To.Reg = regReloc
	b.AddInstruction(movHelper)

	call := b.NewProg()
	call.As = obj.ACALL
	call.To.Type = obj.TYPE_REG
	call.To.Reg = regReloc
	b.AddInstruction(call)

	return b.Assemble()
}
