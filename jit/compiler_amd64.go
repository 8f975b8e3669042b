//go:build amd64
// +build amd64

package jit

// This file implements the per-instruction lowering core: one emitter per
// Wasm opcode family, streaming native x86-64 instructions into a single
// golang-asm Builder per function. Every Wasm value lives on the native
// stack between instructions — no value is cached in a register across an
// instruction boundary — so every emitter below begins and ends with the
// operand stack entirely in memory. Please refer to
// https://www.felixcloutier.com/x86/index.html for the instructions used.

import (
	"fmt"
	"unsafe"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/kjx98/athena/internal/buildoptions"
	"github.com/kjx98/athena/ir"
)

// Reserved registers, preserved across the whole native call chain per the
// ABI in spec.md §6.
const (
	regContext   = x86.REG_DI // rdi: opaque context pointer
	regMemBase   = x86.REG_SI // rsi: linear-memory base pointer
	regCallDepth = x86.REG_BX // rbx: call-depth counter

	// Scratch registers, clobbered freely within one instruction's emission.
	regScratch0 = x86.REG_AX
	regScratch1 = x86.REG_DX
	regScratch2 = x86.REG_CX
	regScratch3 = x86.REG_R8
	regScratch4 = x86.REG_R9
	regAddr     = x86.REG_R10 // absolute-address materialization scratch
	regReloc    = x86.REG_R11 // relocatable-call target scratch

	fpScratch0 = x86.REG_X0
	fpScratch1 = x86.REG_X1
	fpScratch2 = x86.REG_X2
)

// label is one entry of the control-flow label stack; kind mirrors ir.BlockKind.
type label struct {
	kind       ir.BlockKind
	entryProg  *obj.Prog // loop: jump target for backward branches; else: nil until seen
	pendingEnd []*obj.Prog
	elseHole   *obj.Prog
}

// amd64Compiler lowers one function body into a self-contained byte slice.
// Cross-function addresses (calls, jumps into the stub/trampoline/jumptable
// region) are left as absolute-pointer placeholders patched after the
// function's bytes are copied into the shared Region; see emitAbsoluteCall.
type amd64Compiler struct {
	mod    *ir.Module
	fnIdx  uint32
	ft     *ir.FuncType
	body   *ir.FunctionBody
	region *Region
	relocs *relocationTable
	cfg    *Config
	rt     *runtimeAddrs

	builder       *asm.Builder
	setJmpOrigins []*obj.Prog
	labels        []*label

	// relocSites collects (byte-offset-into-assembled-code, calleeFuncIdx)
	// for every cross-function absolute call emitted; resolved once the
	// function's bytes are known to be at a fixed region offset.
	relocSites []pendingReloc
}

type pendingReloc struct {
	progOffset int // filled in after Assemble(), see resolveRelocSites
	prog       *obj.Prog
	callee     uint32 // function index, or one of the stub* sentinels for trap stubs and Go helpers
}

// Sentinel callee indices above any real function index, used to route a
// relocation site at a fixed stub/trampoline address instead of a function.
const (
	stubUnreachable = 1<<32 - 1 - iota
	stubIntDivTrap
	stubFPTrap
	stubIndirectRangeTrap
	stubIndirectTypeTrap
	stubStackOverflowTrap
)

// runtimeAddrs holds the module-wide fixed addresses computed once by the
// engine before any function is compiled: the six trap stubs (one per
// TrapReason the compiler can statically route to — memory-out-of-bounds is
// reached only via the hardware fault path, not a call site) and the
// import trampolines/jump table base, per spec.md §4.3-§4.5.
type runtimeAddrs struct {
	trapStubs       [6]uintptr // indexed by TrapReason; see buildTrapStubs
	hostTrampolines []uintptr
	jumpTableBase   uintptr
	jumpTableStride int
}

func (rt *runtimeAddrs) trapAddr(r TrapReason) uintptr { return rt.trapStubs[r] }

func newAMD64Compiler(mod *ir.Module, fnIdx uint32, region *Region, relocs *relocationTable, cfg *Config, rt *runtimeAddrs) (*amd64Compiler, error) {
	b, err := asm.NewBuilder("amd64", 1024)
	if err != nil {
		return nil, err
	}
	ft := mod.FuncTypeOf(fnIdx)
	body := &mod.Code[fnIdx-uint32(mod.NumImportedFunctions())]
	return &amd64Compiler{
		mod: mod, fnIdx: fnIdx, ft: ft, body: body,
		region: region, relocs: relocs, cfg: cfg, rt: rt,
		builder: b,
	}, nil
}

func (c *amd64Compiler) newProg() *obj.Prog { return c.builder.NewProg() }

func (c *amd64Compiler) addInstruction(prog *obj.Prog) {
	c.builder.AddInstruction(prog)
	for _, origin := range c.setJmpOrigins {
		origin.To.SetTarget(prog)
	}
	c.setJmpOrigins = nil
}

func (c *amd64Compiler) addSetJmpOrigins(progs ...*obj.Prog) {
	c.setJmpOrigins = append(c.setJmpOrigins, progs...)
}

// --- primitive emitters -----------------------------------------------

func (c *amd64Compiler) movRegReg(as obj.As, src, dst int16) {
	p := c.newProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	c.addInstruction(p)
}

func (c *amd64Compiler) movImm64(value int64, dst int16) {
	p := c.newProg()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = value
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	c.addInstruction(p)
}

// movImm32 emits a 32-bit immediate move, which on amd64 always zero-extends
// the destination's upper 32 bits — the form i32.const must use to honor the
// zero-extended-slot invariant (spec.md §3); movImm64 would sign-extend a
// negative i32 across the whole 8-byte slot instead.
func (c *amd64Compiler) movImm32(value uint32, dst int16) {
	p := c.newProg()
	p.As = x86.AMOVL
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(value)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	c.addInstruction(p)
}

// movAbsMemToReg loads the 8/4 bytes at the fixed host address addr into
// dst through a TYPE_MEM operand with the address as its Offset and no base
// register. Global storage cells do not use it: compileGlobalGet/Set
// materialize the cell's address into regAddr first.
func (c *amd64Compiler) movAbsMemToReg(as obj.As, addr uintptr, dst int16) {
	p := c.newProg()
	p.As = as
	p.From.Type = obj.TYPE_MEM
	p.From.Offset = int64(addr)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	c.addInstruction(p)
}

func (c *amd64Compiler) movRegToAbsMem(as obj.As, src int16, addr uintptr) {
	p := c.newProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_MEM
	p.To.Offset = int64(addr)
	c.addInstruction(p)
}

// pushReg/popReg realize the operand-stack-on-native-stack contract: every
// emitter's boundary state has all Wasm values in memory at [SP].
func (c *amd64Compiler) pushReg(reg int16) {
	p := c.newProg()
	p.As = x86.APUSHQ
	p.From.Type = obj.TYPE_REG
	p.From.Reg = reg
	c.addInstruction(p)
}

func (c *amd64Compiler) popReg(reg int16) {
	p := c.newProg()
	p.As = x86.APOPQ
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	c.addInstruction(p)
}

func (c *amd64Compiler) popFloat(xmm int16) {
	c.popReg(regAddr)
	c.movRegReg(x86.AMOVQ, regAddr, xmm)
}

func (c *amd64Compiler) pushFloat(xmm int16) {
	c.movRegReg(x86.AMOVQ, xmm, regAddr)
	c.pushReg(regAddr)
}

// peekMemToReg/regToPeekMem read/write the 8-byte slot at depth*8(SP)
// without moving SP.
func (c *amd64Compiler) peekMemToReg(as obj.As, depthSlots int, dst int16) {
	p := c.newProg()
	p.As = as
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = x86.REG_SP
	p.From.Offset = int64(depthSlots) * 8
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	c.addInstruction(p)
}

func (c *amd64Compiler) regToPeekMem(as obj.As, src int16, depthSlots int) {
	p := c.newProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = x86.REG_SP
	p.To.Offset = int64(depthSlots) * 8
	c.addInstruction(p)
}

// dropSlots discards n 8-byte slots from the top of stack in place (used by
// drop, br's SP adjustment, and call's argument cleanup).
func (c *amd64Compiler) dropSlots(n int) {
	if n == 0 {
		return
	}
	p := c.newProg()
	p.As = x86.AADDQ
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(n) * 8
	p.To.Type = obj.TYPE_REG
	p.To.Reg = x86.REG_SP
	c.addInstruction(p)
}

func (c *amd64Compiler) jmp(as obj.As) *obj.Prog {
	p := c.newProg()
	p.As = as
	p.To.Type = obj.TYPE_BRANCH
	c.addInstruction(p)
	return p
}

func (c *amd64Compiler) cmpRegConst(as obj.As, reg int16, v int64) {
	p := c.newProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = reg
	p.To.Type = obj.TYPE_CONST
	p.To.Offset = v
	c.addInstruction(p)
}

// relocPlaceholder is the MOVQ immediate emitAbsoluteCall stages before the
// callee's real address is known. golang-asm chooses the MOVQ encoding from
// the immediate's value at assemble time: anything that fits in a signed
// 32-bit range gets the 7-byte `48 C7 C0 id` sign-extending form, and only a
// wider value forces the 10-byte `48 B8 <imm64>` form this compiler's
// post-assembly patch assumes (progOffset skips exactly REX+opcode, 2
// bytes, to land on the imm64 field). Patching a placeholder that assembled
// short would corrupt the instruction, so the placeholder itself must
// already be outside int32 range.
const relocPlaceholder = 0x1122334455667788

// emitAbsoluteCall materializes an 8-byte placeholder pointer into regReloc
// and calls through it. The MOVQ's immediate bytes are patched after
// assembly once the function's final region offset is known (see
// resolveRelocSites) — this is eos-vm's own documented fix_branch64
// fallback, used unconditionally rather than a rel32 CALL because the
// mmap'd region and an arbitrary callee are not guaranteed to land within
// +-2GiB of each other the way a single static binary's text segment does.
func (c *amd64Compiler) emitAbsoluteCall(callee uint32) {
	mov := c.newProg()
	mov.As = x86.AMOVQ
	mov.From.Type = obj.TYPE_CONST
	mov.From.Offset = relocPlaceholder // forces the imm64 encoding; patched post-assembly
	mov.To.Type = obj.TYPE_REG
	mov.To.Reg = regReloc
	c.addInstruction(mov)

	call := c.newProg()
	call.As = obj.ACALL
	call.To.Type = obj.TYPE_REG
	call.To.Reg = regReloc
	c.addInstruction(call)

	c.relocSites = append(c.relocSites, pendingReloc{prog: mov, callee: callee})
}

// emitTrapCall is emitAbsoluteCall applied to the trap-stub call sites:
// MOVQ $stub, regReloc; CALL regReloc. Trap stubs never return, but using
// CALL (not JMP) keeps the return address on the stack so the longjmp-style
// stack reset in jitentry_amd64.s has a consistent frame to unwind from.
func (c *amd64Compiler) emitTrapCall(stub uint32) { c.emitAbsoluteCall(stub) }

// --- prologue / epilogue (spec.md §4.6) --------------------------------

func (c *amd64Compiler) emitPrologue() {
	push := c.newProg()
	push.As = x86.APUSHQ
	push.From.Type = obj.TYPE_REG
	push.From.Reg = x86.REG_BP
	c.addInstruction(push)

	c.movRegReg(x86.AMOVQ, x86.REG_SP, x86.REG_BP)

	n := 0
	for _, l := range c.body.Locals {
		n += int(l.Count)
	}
	if n == 0 {
		return
	}
	if n <= 14 {
		for i := 0; i < n; i++ {
			p := c.newProg()
			p.As = x86.APUSHQ
			p.From.Type = obj.TYPE_CONST
			p.From.Offset = 0
			c.addInstruction(p)
		}
		return
	}
	// Decrement-and-zero loop for large local counts: SUBQ $8*n, SP then a
	// backward store loop, matching eos-vm's non-unrolled zero_locals path.
	sub := c.newProg()
	sub.As = x86.ASUBQ
	sub.From.Type = obj.TYPE_CONST
	sub.From.Offset = int64(n) * 8
	sub.To.Type = obj.TYPE_REG
	sub.To.Reg = x86.REG_SP
	c.addInstruction(sub)

	c.movImm64(int64(n), regScratch2)
	loopTop := c.newProg()
	loopTop.As = x86.AMOVQ
	loopTop.From.Type = obj.TYPE_CONST
	loopTop.From.Offset = 0
	loopTop.To.Type = obj.TYPE_MEM
	loopTop.To.Reg = x86.REG_SP
	loopTop.To.Index = regScratch2
	loopTop.To.Scale = 8
	loopTop.To.Offset = -8 // CX runs n..1, covering 0(SP)..8*(n-1)(SP)
	c.addInstruction(loopTop)
	dec := c.newProg()
	dec.As = x86.ASUBQ
	dec.From.Type = obj.TYPE_CONST
	dec.From.Offset = 1
	dec.To.Type = obj.TYPE_REG
	dec.To.Reg = regScratch2
	c.addInstruction(dec)
	jnz := c.newProg()
	jnz.As = x86.AJNE
	jnz.To.Type = obj.TYPE_BRANCH
	jnz.To.SetTarget(loopTop)
	c.addInstruction(jnz)
}

func (c *amd64Compiler) localSlots() int {
	n := 0
	for _, l := range c.body.Locals {
		n += int(l.Count)
	}
	return n
}

// emitEpilogue pops the result (if any) into rax, discards locals, restores
// the caller's FP, and returns. Emitted exactly once, at the function's
// final `end`.
func (c *amd64Compiler) emitEpilogue() {
	if len(c.ft.Results) == 1 {
		c.popReg(x86.REG_AX)
	}
	c.dropSlots(c.localSlots())

	pop := c.newProg()
	pop.As = x86.APOPQ
	pop.To.Type = obj.TYPE_REG
	pop.To.Reg = x86.REG_BP
	c.addInstruction(pop)

	ret := c.newProg()
	ret.As = obj.ARET
	c.addInstruction(ret)
}

// localAddr returns the FP-relative memory operand for local index idx,
// following the frame layout of spec.md §3: params live above FP (positive
// offset, skipping the saved FP and return address), locals below FP.
func (c *amd64Compiler) localAddr(idx uint32) (base int16, offset int64) {
	np := uint32(len(c.ft.Params))
	if idx < np {
		// [FP+16] is the last param's slot (FP points at the saved FP, [FP+8]
		// is the return address); param_0 sits highest, at [FP+8+8*np].
		return x86.REG_BP, int64(np-idx)*8 + 8
	}
	return x86.REG_BP, -int64(idx-np+1) * 8
}

func localType(ft *ir.FuncType, body *ir.FunctionBody, idx uint32) ir.ValueType {
	if idx < uint32(len(ft.Params)) {
		return ft.Params[idx]
	}
	rem := idx - uint32(len(ft.Params))
	for _, l := range body.Locals {
		if rem < l.Count {
			return l.Type
		}
		rem -= l.Count
	}
	return ir.I32
}

// --- compile ------------------------------------------------------------

// compile lowers the whole function body and returns its assembled bytes,
// the list of cross-function relocation sites (byte offset + callee) for
// the caller to patch once the function's final region address is known,
// and an error if an opcode has no lowering.
func (c *amd64Compiler) compile() ([]byte, []pendingReloc, error) {
	c.emitPrologue()
	c.labels = []*label{{kind: ir.BlockVoid}} // implicit outermost label = function body

	for i := range c.body.Code {
		ins := &c.body.Code[i]
		if err := c.compileOne(ins); err != nil {
			return nil, nil, fmt.Errorf("function %d instruction %d (%s): %w", c.fnIdx, i, ins.Op.Name(), err)
		}
	}

	code := c.builder.Assemble()

	// Resolve each relocation site's byte offset within the assembled code
	// now that Prog.Pc is final.
	for i := range c.relocSites {
		c.relocSites[i].progOffset = int(c.relocSites[i].prog.Pc) + 2 // skip REX+opcode of MOVQ $imm64,reg
	}
	return code, c.relocSites, nil
}

func (c *amd64Compiler) compileOne(ins *ir.Instruction) error {
	switch ins.Op {
	case ir.OpNop:
		return nil
	case ir.OpUnreachable:
		c.emitTrapCall(stubUnreachable)
		return nil
	case ir.OpBlock:
		c.labels = append(c.labels, &label{kind: ir.BlockVoid})
		return nil
	case ir.OpLoop:
		top := c.newProg()
		top.As = obj.ANOP
		c.addInstruction(top)
		c.labels = append(c.labels, &label{kind: ir.BlockLoop, entryProg: top})
		return nil
	case ir.OpIf:
		c.popReg(regScratch0)
		c.cmpRegConst(x86.ACMPQ, regScratch0, 0)
		hole := c.newProg()
		hole.As = x86.AJEQ
		hole.To.Type = obj.TYPE_BRANCH
		c.addInstruction(hole)
		c.labels = append(c.labels, &label{kind: ir.BlockIf, elseHole: hole})
		return nil
	case ir.OpElse:
		l := c.labels[len(c.labels)-1]
		end := c.jmp(obj.AJMP)
		l.pendingEnd = append(l.pendingEnd, end)
		nop := c.newProg()
		nop.As = obj.ANOP
		c.addInstruction(nop)
		l.elseHole.To.SetTarget(nop)
		l.elseHole = nil
		return nil
	case ir.OpEnd:
		l := c.labels[len(c.labels)-1]
		c.labels = c.labels[:len(c.labels)-1]
		nop := c.newProg()
		nop.As = obj.ANOP
		c.addInstruction(nop)
		if l.elseHole != nil {
			l.elseHole.To.SetTarget(nop)
		}
		for _, hole := range l.pendingEnd {
			hole.To.SetTarget(nop)
		}
		if len(c.labels) == 0 {
			// The function body's own implicit block just ended.
			c.emitEpilogue()
		}
		return nil
	case ir.OpBr:
		return c.compileBr(ins, false)
	case ir.OpBrIf:
		return c.compileBr(ins, true)
	case ir.OpBrTable:
		return c.compileBrTable(ins)
	case ir.OpReturn:
		c.dropSlots(int(ins.Imm2))
		if len(c.ft.Results) == 1 {
			c.popReg(x86.REG_AX)
			c.pushReg(x86.REG_AX) // re-park the result so emitEpilogue's pop sees it
		}
		c.jumpToEpilogue()
		return nil
	case ir.OpCall:
		return c.compileCall(ins)
	case ir.OpCallIndirect:
		return c.compileCallIndirect(ins)
	case ir.OpDrop:
		c.dropSlots(1)
		return nil
	case ir.OpSelect:
		return c.compileSelect()
	case ir.OpLocalGet:
		return c.compileLocalGet(ins)
	case ir.OpLocalSet:
		return c.compileLocalSet(ins, false)
	case ir.OpLocalTee:
		return c.compileLocalSet(ins, true)
	case ir.OpGlobalGet:
		return c.compileGlobalGet(ins)
	case ir.OpGlobalSet:
		return c.compileGlobalSet(ins)
	case ir.OpI32Const:
		c.movImm32(uint32(ins.ConstI64), regScratch0)
		c.pushReg(regScratch0)
		return nil
	case ir.OpI64Const:
		c.movImm64(int64(ins.ConstI64), regScratch0)
		c.pushReg(regScratch0)
		return nil
	case ir.OpF32Const, ir.OpF64Const:
		c.movImm64(int64(ins.ConstI64), regScratch0)
		c.pushReg(regScratch0)
		return nil
	case ir.OpMemorySize:
		return c.compileMemorySize()
	case ir.OpMemoryGrow:
		return c.compileMemoryGrow()
	}

	switch {
	case isLoad(ins.Op):
		return c.compileLoad(ins)
	case isStore(ins.Op):
		return c.compileStore(ins)
	case isIntRelop(ins.Op):
		return c.compileIntRelop(ins)
	case isFloatRelop(ins.Op):
		return c.compileFloatRelop(ins)
	case isIntBinop(ins.Op):
		return c.compileIntBinop(ins)
	case isIntUnop(ins.Op):
		return c.compileIntUnop(ins)
	case isFloatUnop(ins.Op):
		return c.compileFloatUnop(ins)
	case isFloatBinop(ins.Op):
		return c.compileFloatBinop(ins)
	case isConversion(ins.Op):
		return c.compileConversion(ins)
	}
	return fmt.Errorf("%w: 0x%02x", ErrUnimplementedOpcode, byte(ins.Op))
}

// jumpToEpilogue emits a forward jump that will be resolved to the
// function's single epilogue once it is emitted at the outermost `end`.
// Implemented by pushing the jump onto the outermost label's pending list.
func (c *amd64Compiler) jumpToEpilogue() {
	j := c.jmp(obj.AJMP)
	outer := c.labels[0]
	outer.pendingEnd = append(outer.pendingEnd, j)
}

// compileBr/compileBrIf: the validator has already computed, per
// spec.md §3's "parser hands the hole back" protocol, both the target
// label's relative depth (Imm1) and the number of slots to discard
// (Imm2) before jumping.
func (c *amd64Compiler) compileBr(ins *ir.Instruction, conditional bool) error {
	var condJmp *obj.Prog
	if conditional {
		c.popReg(regScratch0)
		c.cmpRegConst(x86.ACMPQ, regScratch0, 0)
		condJmp = c.newProg()
		condJmp.As = x86.AJEQ // zero condition: skip the branch
		condJmp.To.Type = obj.TYPE_BRANCH
		c.addInstruction(condJmp)
	}
	c.dropSlots(int(ins.Imm2))
	target := c.labelAt(ins.Imm1)
	j := c.jmp(obj.AJMP)
	c.bindBranch(j, target)
	if conditional {
		nop := c.newProg()
		nop.As = obj.ANOP
		c.addInstruction(nop)
		condJmp.To.SetTarget(nop)
	}
	return nil
}

// labelAt returns the label `depth` levels up from the innermost currently
// open block (0 = innermost).
func (c *amd64Compiler) labelAt(depth uint32) *label {
	return c.labels[len(c.labels)-1-int(depth)]
}

// bindBranch resolves a jump to a label: loops (already-seen address)
// patch immediately; forward labels queue the hole for their `end`/`else`.
func (c *amd64Compiler) bindBranch(j *obj.Prog, l *label) {
	if l.kind == ir.BlockLoop {
		j.To.SetTarget(l.entryProg)
		return
	}
	l.pendingEnd = append(l.pendingEnd, j)
}

// compileBrTable lowers to a balanced binary search over the index: a
// recursive walk over (lo,hi) case ranges that emits each lower half before
// its upper half, producing contiguous code whose only search-tree jumps are
// forward JGEs (only the per-case tail jumps need label binding).
func (c *amd64Compiler) compileBrTable(ins *ir.Instruction) error {
	c.popReg(regScratch0) // index

	type rng struct{ lo, hi int }
	n := len(ins.Targets) - 1 // excludes default
	work := []rng{{0, n}}
	// emit recursively, lower half first, so code is contiguous.
	var emitRange func(r rng)
	emitRange = func(r rng) {
		if r.lo == r.hi {
			c.dropSlots(int(ins.PopCounts[r.lo]))
			j := c.jmp(obj.AJMP)
			c.bindBranch(j, c.labelAt(ins.Targets[r.lo]))
			return
		}
		mid := r.lo + (r.hi-r.lo)/2
		c.cmpRegConst(x86.ACMPL, regScratch0, int64(mid+1))
		jge := c.newProg()
		jge.As = x86.AJGE
		jge.To.Type = obj.TYPE_BRANCH
		c.addInstruction(jge)
		emitRange(rng{r.lo, mid})
		upper := c.newProg()
		upper.As = obj.ANOP
		c.addInstruction(upper)
		jge.To.SetTarget(upper)
		emitRange(rng{mid + 1, r.hi})
	}
	if n >= 0 {
		// Range check against the default case first.
		c.cmpRegConst(x86.ACMPL, regScratch0, int64(n+1))
		jlt := c.newProg()
		jlt.As = x86.AJLT
		jlt.To.Type = obj.TYPE_BRANCH
		c.addInstruction(jlt)
		c.dropSlots(int(ins.PopCounts[len(ins.Targets)-1]))
		j := c.jmp(obj.AJMP)
		c.bindBranch(j, c.labelAt(ins.Targets[len(ins.Targets)-1]))
		inRange := c.newProg()
		inRange.As = obj.ANOP
		c.addInstruction(inRange)
		jlt.To.SetTarget(inRange)
		emitRange(work[0])
	}
	return nil
}

// --- calls (spec.md §4.7, §4.8, §4.4, §4.5) -----------------------------

// emitCallDepthGuard decrements rbx and traps stack-overflow at zero;
// emitCallDepthRelease increments it back after the call returns, per
// spec.md §5 ("Cancellation") and §4.3.
func (c *amd64Compiler) emitCallDepthGuard() {
	if !buildoptions.CheckCallDepth {
		return
	}
	dec := c.newProg()
	dec.As = x86.ASUBQ
	dec.From.Type = obj.TYPE_CONST
	dec.From.Offset = 1
	dec.To.Type = obj.TYPE_REG
	dec.To.Reg = regCallDepth
	c.addInstruction(dec)

	c.cmpRegConst(x86.ACMPQ, regCallDepth, 0)
	jgt := c.newProg()
	jgt.As = x86.AJGT
	jgt.To.Type = obj.TYPE_BRANCH
	c.addInstruction(jgt)
	c.emitTrapCall(stubStackOverflowTrap)
	ok := c.newProg()
	ok.As = obj.ANOP
	c.addInstruction(ok)
	jgt.To.SetTarget(ok)
}

func (c *amd64Compiler) emitCallDepthRelease() {
	if !buildoptions.CheckCallDepth {
		return
	}
	inc := c.newProg()
	inc.As = x86.AADDQ
	inc.From.Type = obj.TYPE_CONST
	inc.From.Offset = 1
	inc.To.Type = obj.TYPE_REG
	inc.To.Reg = regCallDepth
	c.addInstruction(inc)
}

func (c *amd64Compiler) compileCall(ins *ir.Instruction) error {
	c.emitCallDepthGuard()
	c.emitAbsoluteCall(ins.Imm1)
	c.emitCallDepthRelease()
	callee := c.mod.FuncTypeOf(ins.Imm1)
	c.dropSlots(len(callee.Params))
	if len(callee.Results) == 1 {
		c.pushReg(x86.REG_AX)
	}
	return nil
}

// compileCallIndirect pops the table index, range/type-checks it against
// the jump table, and calls through the matching slot, per spec.md §4.5.
func (c *amd64Compiler) compileCallIndirect(ins *ir.Instruction) error {
	if c.rt.jumpTableBase == 0 {
		return ErrNoTable
	}
	c.popReg(regScratch0) // index

	// range check: index < len(table)
	c.cmpRegConst(x86.ACMPL, regScratch0, int64(len(c.mod.Table)))
	jlt := c.newProg()
	jlt.As = x86.AJLT
	jlt.To.Type = obj.TYPE_BRANCH
	c.addInstruction(jlt)
	c.emitTrapCall(stubIndirectRangeTrap)
	inRange := c.newProg()
	inRange.As = obj.ANOP
	c.addInstruction(inRange)
	jlt.To.SetTarget(inRange)

	// slot = jumpTableBase + stride*index; jump into it with the expected
	// type id staged in regScratch1 for the slot's own CMP+JE/trap.
	c.movImm64(int64(c.rt.jumpTableBase), regAddr)
	lea := c.newProg()
	lea.As = x86.AIMULL
	lea.From.Type = obj.TYPE_CONST
	lea.From.Offset = int64(c.rt.jumpTableStride)
	lea.To.Type = obj.TYPE_REG
	lea.To.Reg = regScratch0
	c.addInstruction(lea)
	add := c.newProg()
	add.As = x86.AADDQ
	add.From.Type = obj.TYPE_REG
	add.From.Reg = regScratch0
	add.To.Type = obj.TYPE_REG
	add.To.Reg = regAddr
	c.addInstruction(add)

	c.movImm64(int64(c.mod.TypeAliases[ins.Imm1]), regScratch1) // canonical type id, aliased per §6

	c.emitCallDepthGuard()
	callSlot := c.newProg()
	callSlot.As = obj.ACALL
	callSlot.To.Type = obj.TYPE_REG
	callSlot.To.Reg = regAddr
	c.addInstruction(callSlot)
	// The slot itself tail-jumps into the callee, so the callee's RET pops
	// the return address this CALL pushed and lands right here, just as if
	// the slot had never been involved.
	c.emitCallDepthRelease()

	callee := c.mod.Types[ins.Imm1] // canonical-type placeholder key; real result arity
	c.dropSlots(len(callee.Params))
	if len(callee.Results) == 1 {
		c.pushReg(x86.REG_AX)
	}
	return nil
}

// --- drop/select (SPEC_FULL.md §12) -------------------------------------

func (c *amd64Compiler) compileSelect() error {
	c.popReg(regScratch2) // condition
	c.popReg(regScratch1) // val2 (false case)
	c.popReg(regScratch0) // val1 (true case)
	c.cmpRegConst(x86.ACMPQ, regScratch2, 0)
	cmov := c.newProg()
	cmov.As = x86.ACMOVQEQ
	cmov.From.Type = obj.TYPE_REG
	cmov.From.Reg = regScratch1
	cmov.To.Type = obj.TYPE_REG
	cmov.To.Reg = regScratch0
	c.addInstruction(cmov)
	c.pushReg(regScratch0)
	return nil
}

// --- locals / globals (spec.md §4.7) ------------------------------------

func (c *amd64Compiler) compileLocalGet(ins *ir.Instruction) error {
	base, off := c.localAddr(ins.Imm1)
	p := c.newProg()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Offset = off
	p.To.Type = obj.TYPE_REG
	p.To.Reg = regScratch0
	c.addInstruction(p)
	c.pushReg(regScratch0)
	return nil
}

// compileLocalSet handles both local.set (pop) and local.tee (peek without
// popping, i.e. a get preceded by a stack pop as spec.md puts it: here
// realized as pop-then-repush after the store).
func (c *amd64Compiler) compileLocalSet(ins *ir.Instruction, tee bool) error {
	c.popReg(regScratch0)
	base, off := c.localAddr(ins.Imm1)
	p := c.newProg()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_REG
	p.From.Reg = regScratch0
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Offset = off
	c.addInstruction(p)
	if tee {
		c.pushReg(regScratch0)
	}
	return nil
}

func (c *amd64Compiler) compileGlobalGet(ins *ir.Instruction) error {
	g := &c.mod.Globals[ins.Imm1]
	addr := uintptr(unsafe.Pointer(g.Cell))
	c.movImm64(int64(addr), regAddr)
	as := x86.AMOVL
	if g.Type.Is64() {
		as = x86.AMOVQ
	}
	p := c.newProg()
	p.As = as
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = regAddr
	p.To.Type = obj.TYPE_REG
	p.To.Reg = regScratch0
	c.addInstruction(p)
	c.pushReg(regScratch0)
	return nil
}

func (c *amd64Compiler) compileGlobalSet(ins *ir.Instruction) error {
	g := &c.mod.Globals[ins.Imm1]
	addr := uintptr(unsafe.Pointer(g.Cell))
	c.popReg(regScratch0)
	c.movImm64(int64(addr), regAddr)
	as := x86.AMOVL
	if g.Type.Is64() {
		as = x86.AMOVQ
	}
	p := c.newProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = regScratch0
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = regAddr
	c.addInstruction(p)
	return nil
}

// --- memory load/store (spec.md §4.7) -----------------------------------

func isLoad(op ir.Op) bool  { return op >= ir.OpI32Load && op <= ir.OpI64Load32U }
func isStore(op ir.Op) bool { return op >= ir.OpI32Store && op <= ir.OpI64Store32 }

// effectiveAddr computes regAddr = regMemBase + i32Offset + staticOffset,
// per spec.md's "Memory ops": the static offset is 32-bit; if its high bit
// is set a 64-bit-safe add sequence is used instead of folding it into a
// single 32-bit displacement.
func (c *amd64Compiler) effectiveAddr(staticOffset uint32) {
	c.popReg(regScratch0) // i32 index, zero-extended already by the slot contract
	c.movRegReg(x86.AMOVL, regScratch0, regAddr)
	addMem := c.newProg()
	addMem.As = x86.AADDQ
	addMem.From.Type = obj.TYPE_REG
	addMem.From.Reg = regMemBase
	addMem.To.Type = obj.TYPE_REG
	addMem.To.Reg = regAddr
	c.addInstruction(addMem)

	if staticOffset&0x8000_0000 != 0 {
		c.movImm64(int64(int64(staticOffset)&0xFFFFFFFF), regScratch1)
		add := c.newProg()
		add.As = x86.AADDQ
		add.From.Type = obj.TYPE_REG
		add.From.Reg = regScratch1
		add.To.Type = obj.TYPE_REG
		add.To.Reg = regAddr
		c.addInstruction(add)
		return
	}
	if staticOffset != 0 {
		add := c.newProg()
		add.As = x86.AADDQ
		add.From.Type = obj.TYPE_CONST
		add.From.Offset = int64(staticOffset)
		add.To.Type = obj.TYPE_REG
		add.To.Reg = regAddr
		c.addInstruction(add)
	}
}

func (c *amd64Compiler) compileLoad(ins *ir.Instruction) error {
	c.effectiveAddr(ins.Imm2)
	var as obj.As
	float := false
	switch ins.Op {
	case ir.OpI32Load:
		as = x86.AMOVL
	case ir.OpI64Load:
		as = x86.AMOVQ
	case ir.OpF32Load:
		as, float = x86.AMOVL, true
	case ir.OpF64Load:
		as, float = x86.AMOVQ, true
	case ir.OpI32Load8S:
		as = x86.AMOVBLSX
	case ir.OpI32Load8U:
		as = x86.AMOVBLZX
	case ir.OpI32Load16S:
		as = x86.AMOVWLSX
	case ir.OpI32Load16U:
		as = x86.AMOVWLZX
	case ir.OpI64Load8S:
		as = x86.AMOVBQSX
	case ir.OpI64Load8U:
		as = x86.AMOVBQZX
	case ir.OpI64Load16S:
		as = x86.AMOVWQSX
	case ir.OpI64Load16U:
		as = x86.AMOVWQZX
	case ir.OpI64Load32S:
		as = x86.AMOVLQSX
	case ir.OpI64Load32U:
		as = x86.AMOVLQZX
	default:
		return fmt.Errorf("%w: load 0x%02x", ErrUnimplementedOpcode, byte(ins.Op))
	}
	p := c.newProg()
	p.As = as
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = regAddr
	p.To.Type = obj.TYPE_REG
	p.To.Reg = regScratch0
	c.addInstruction(p)
	if float {
		c.pushFloatFromGP(as, regScratch0)
	} else {
		c.pushReg(regScratch0)
	}
	return nil
}

// pushFloatFromGP pushes a 32/64-bit float load result held in a GP scratch
// register as a float slot without passing it through an XMM register
// (MOVL/MOVQ from TYPE_MEM into an XMM register is a different mnemonic,
// MOVSS/MOVSD; reusing the same integer load keeps bit patterns exact,
// which is what reinterpret semantics require anyway).
func (c *amd64Compiler) pushFloatFromGP(as obj.As, gp int16) {
	if as == x86.AMOVL {
		c.movRegReg(x86.AMOVL, gp, gp) // zero-extends high 32 bits, matching slot contract
	}
	c.pushReg(gp)
}

func (c *amd64Compiler) compileStore(ins *ir.Instruction) error {
	c.popReg(regScratch1) // value
	c.effectiveAddr(ins.Imm2)
	var as obj.As
	switch ins.Op {
	case ir.OpI32Store, ir.OpF32Store:
		as = x86.AMOVL
	case ir.OpI64Store, ir.OpF64Store:
		as = x86.AMOVQ
	case ir.OpI32Store8, ir.OpI64Store8:
		as = x86.AMOVB
	case ir.OpI32Store16, ir.OpI64Store16:
		as = x86.AMOVW
	case ir.OpI64Store32:
		as = x86.AMOVL
	default:
		return fmt.Errorf("%w: store 0x%02x", ErrUnimplementedOpcode, byte(ins.Op))
	}
	p := c.newProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = regScratch1
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = regAddr
	c.addInstruction(p)
	return nil
}

// compileMemorySize/compileMemoryGrow lower to a call through the runtime
// callback slot rather than inline arithmetic, per SPEC_FULL.md §12: memory
// growth can require re-mmapping and invalidating regMemBase in every live
// frame, which the code-generation core alone cannot do safely. Both call
// straight into a Go function (memorySizeHelper/memoryGrowHelper in
// dispatch_amd64.go) rather than a region-resident stub, so the three
// registers this compiler's ABI preserves across calls — context,
// memory-base, call-depth — must be saved around the call exactly as
// emitGoCall documents, since an ordinary Go function gives no such
// guarantee.
func (c *amd64Compiler) compileMemorySize() error {
	c.emitGoCall(stubMemorySizeHelper, nil)
	c.pushReg(x86.REG_AX)
	return nil
}

func (c *amd64Compiler) compileMemoryGrow() error {
	c.popReg(regScratch3) // delta pages, stashed ahead of the save/call sequence
	c.emitGoCall(stubMemoryGrowHelper, func() {
		c.movRegReg(x86.AMOVL, regScratch3, x86.REG_BX) // goArg1: deltaPages
	})
	c.pushReg(x86.REG_AX)
	return nil
}

// emitGoCall bridges generated code to an ordinary Go function reached by
// raw address (trap helpers, the host-call dispatcher, and the memory
// size/grow callbacks all do this — see goabi_amd64.go for the register
// convention). Go functions make no promise to preserve any register, so
// every call site crossing into one first saves this ABI's three preserved
// registers and restores them once the callee returns; extra sets up any
// additional Go-side arguments after the save, in goArg1/goArg2, using
// whichever scratch registers still hold live values at that point.
func (c *amd64Compiler) emitGoCall(callee uint32, extra func()) {
	c.pushReg(regCallDepth)
	c.pushReg(regMemBase)
	c.pushReg(regContext)
	c.movRegReg(x86.AMOVQ, regContext, goArg0)
	if extra != nil {
		extra()
	}
	c.emitAbsoluteCall(callee)
	c.popReg(regContext)
	c.popReg(regMemBase)
	c.popReg(regCallDepth)
}

const (
	stubMemorySizeHelper uint32 = 1<<32 - 100
	stubMemoryGrowHelper uint32 = 1<<32 - 101
)
