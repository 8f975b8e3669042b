//go:build amd64
// +build amd64

package jit

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/kjx98/athena/ir"
)

// Package-level absolute-address constants, materialized once at process
// startup via init() and referenced by emitted code as bare TYPE_MEM
// operands with Offset set to the address and no base register (global
// cells instead go through an address materialized into regAddr, and trap
// stubs through an absolute MOVQ+CALL). Keeping these in Go static storage means the
// compiler never has to embed float literals as code-adjacent data.
var (
	float32SignBitMask        uint32 = 1 << 31
	float32RestBitMask        uint32 = ^float32SignBitMask
	float64SignBitMask        uint64 = 1 << 63
	float64RestBitMask        uint64 = ^float64SignBitMask

	float32MinI32 float32 = math.Float32frombits(0xCF00_0000) // -2^31
	float64MinI32 float64 = math.Float64frombits(0xC1E0_0000_0020_0000)
	float32MinI64 float32 = math.Float32frombits(0xDF00_0000) // -2^63
	float64MinI64 float64 = math.Float64frombits(0xC3E0_0000_0000_0000)

	float32MaxI32Plus1 float32 = math.Float32frombits(0x4F00_0000) // 2^31
	float64MaxI32Plus1 float64 = math.Float64frombits(0x41E0_0000_0000_0000)
	float32MaxI64Plus1 float32 = math.Float32frombits(0x5F00_0000) // 2^63
	float64MaxI64Plus1 float64 = math.Float64frombits(0x43E0_0000_0000_0000)

	addrFloat32SignBitMask uintptr
	addrFloat32RestBitMask uintptr
	addrFloat64SignBitMask uintptr
	addrFloat64RestBitMask uintptr
	addrFloat32MinI32      uintptr
	addrFloat64MinI32      uintptr
	addrFloat32MinI64      uintptr
	addrFloat64MinI64      uintptr
	addrFloat32MaxI32Plus1 uintptr
	addrFloat64MaxI32Plus1 uintptr
	addrFloat32MaxI64Plus1 uintptr
	addrFloat64MaxI64Plus1 uintptr
)

func init() {
	addrFloat32SignBitMask = uintptr(unsafe.Pointer(&float32SignBitMask))
	addrFloat32RestBitMask = uintptr(unsafe.Pointer(&float32RestBitMask))
	addrFloat64SignBitMask = uintptr(unsafe.Pointer(&float64SignBitMask))
	addrFloat64RestBitMask = uintptr(unsafe.Pointer(&float64RestBitMask))
	addrFloat32MinI32 = uintptr(unsafe.Pointer(&float32MinI32))
	addrFloat64MinI32 = uintptr(unsafe.Pointer(&float64MinI32))
	addrFloat32MinI64 = uintptr(unsafe.Pointer(&float32MinI64))
	addrFloat64MinI64 = uintptr(unsafe.Pointer(&float64MinI64))
	addrFloat32MaxI32Plus1 = uintptr(unsafe.Pointer(&float32MaxI32Plus1))
	addrFloat64MaxI32Plus1 = uintptr(unsafe.Pointer(&float64MaxI32Plus1))
	addrFloat32MaxI64Plus1 = uintptr(unsafe.Pointer(&float32MaxI64Plus1))
	addrFloat64MaxI64Plus1 = uintptr(unsafe.Pointer(&float64MaxI64Plus1))
}

// --- opcode-family predicates --------------------------------------------

func isIntRelop(op ir.Op) bool {
	return (op >= ir.OpI32Eqz && op <= ir.OpI32GeU) || (op >= ir.OpI64Eqz && op <= ir.OpI64GeU)
}

func isFloatRelop(op ir.Op) bool {
	return op >= ir.OpF32Eq && op <= ir.OpF64Ge
}

func isIntUnop(op ir.Op) bool {
	switch op {
	case ir.OpI32Clz, ir.OpI32Ctz, ir.OpI32Popcnt, ir.OpI64Clz, ir.OpI64Ctz, ir.OpI64Popcnt:
		return true
	}
	return false
}

func isIntBinop(op ir.Op) bool {
	return (op >= ir.OpI32Add && op <= ir.OpI32Rotr) || (op >= ir.OpI64Add && op <= ir.OpI64Rotr)
}

func isFloatUnop(op ir.Op) bool {
	switch op {
	case ir.OpF32Abs, ir.OpF32Neg, ir.OpF32Ceil, ir.OpF32Floor, ir.OpF32Trunc, ir.OpF32Nearest, ir.OpF32Sqrt,
		ir.OpF64Abs, ir.OpF64Neg, ir.OpF64Ceil, ir.OpF64Floor, ir.OpF64Trunc, ir.OpF64Nearest, ir.OpF64Sqrt:
		return true
	}
	return false
}

func isFloatBinop(op ir.Op) bool {
	switch op {
	case ir.OpF32Add, ir.OpF32Sub, ir.OpF32Mul, ir.OpF32Div, ir.OpF32Min, ir.OpF32Max, ir.OpF32Copysign,
		ir.OpF64Add, ir.OpF64Sub, ir.OpF64Mul, ir.OpF64Div, ir.OpF64Min, ir.OpF64Max, ir.OpF64Copysign:
		return true
	}
	return false
}

func isConversion(op ir.Op) bool {
	return op >= ir.OpI32WrapI64 && op <= ir.OpF64ReinterpretI64
}

// --- integer comparisons --------------------------------------------------

func (c *amd64Compiler) compileIntRelop(ins *ir.Instruction) error {
	is64 := ins.Op >= ir.OpI64Eqz

	if ins.Op == ir.OpI32Eqz || ins.Op == ir.OpI64Eqz {
		c.popReg(regScratch0)
		c.cmpRegConst(pick(is64, x86.ACMPQ, x86.ACMPL), regScratch0, 0)
		c.emitSetCC(x86.ASETEQ)
		c.pushReg(regScratch0)
		return nil
	}

	c.popReg(regScratch1) // rhs
	c.popReg(regScratch0) // lhs
	cmp := c.newProg()
	cmp.As = pick(is64, x86.ACMPQ, x86.ACMPL)
	cmp.From.Type = obj.TYPE_REG
	cmp.From.Reg = regScratch0
	cmp.To.Type = obj.TYPE_REG
	cmp.To.Reg = regScratch1
	c.addInstruction(cmp)

	var setcc obj.As
	switch stripWidth(ins.Op) {
	case ir.OpI32Eq:
		setcc = x86.ASETEQ
	case ir.OpI32Ne:
		setcc = x86.ASETNE
	case ir.OpI32LtS:
		setcc = x86.ASETLT
	case ir.OpI32LtU:
		setcc = x86.ASETCS
	case ir.OpI32GtS:
		setcc = x86.ASETGT
	case ir.OpI32GtU:
		setcc = x86.ASETHI
	case ir.OpI32LeS:
		setcc = x86.ASETLE
	case ir.OpI32LeU:
		setcc = x86.ASETLS
	case ir.OpI32GeS:
		setcc = x86.ASETGE
	case ir.OpI32GeU:
		setcc = x86.ASETCC
	default:
		return fmt.Errorf("%w: relop 0x%02x", ErrUnimplementedOpcode, byte(ins.Op))
	}
	c.emitSetCC(setcc)
	c.pushReg(regScratch0)
	return nil
}

// stripWidth maps an i64 relop/arith opcode onto its i32 counterpart so a
// single switch drives both widths; the two families are laid out with an
// identical relative ordering in ir/opcode.go.
func stripWidth(op ir.Op) ir.Op {
	if op >= ir.OpI64Eqz && op <= ir.OpI64GeU {
		return op - (ir.OpI64Eqz - ir.OpI32Eqz)
	}
	if op >= ir.OpI64Add && op <= ir.OpI64Rotr {
		return op - (ir.OpI64Add - ir.OpI32Add)
	}
	return op
}

func (c *amd64Compiler) emitSetCC(setcc obj.As) {
	p := c.newProg()
	p.As = setcc
	p.To.Type = obj.TYPE_REG
	p.To.Reg = regScratch0
	c.addInstruction(p)
	// SETcc only writes the low byte; the slot contract requires the full
	// 8 bytes to hold a defined value.
	c.movRegReg(x86.AMOVBLZX, regScratch0, regScratch0)
}

func pick(cond bool, a, b obj.As) obj.As {
	if cond {
		return a
	}
	return b
}

// --- integer unary ops: clz/ctz/popcnt ------------------------------------

func (c *amd64Compiler) compileIntUnop(ins *ir.Instruction) error {
	is64 := ins.Op == ir.OpI64Clz || ins.Op == ir.OpI64Ctz || ins.Op == ir.OpI64Popcnt
	c.popReg(regScratch0)

	switch stripWidth(ins.Op) {
	case ir.OpI32Popcnt:
		p := c.newProg()
		p.As = pick(is64, x86.APOPCNTQ, x86.APOPCNTL)
		p.From.Type = obj.TYPE_REG
		p.From.Reg = regScratch0
		p.To.Type = obj.TYPE_REG
		p.To.Reg = regScratch0
		c.addInstruction(p)
	case ir.OpI32Clz:
		c.emitClz(is64)
	case ir.OpI32Ctz:
		c.emitCtz(is64)
	default:
		return fmt.Errorf("%w: unop 0x%02x", ErrUnimplementedOpcode, byte(ins.Op))
	}
	c.pushReg(regScratch0)
	return nil
}

// emitClz follows the BSR+XOR-bitlength fallback used when LZCNT is
// unavailable, keyed on CPUID detection rather than GOOS, and falls
// through to a bare LZCNT/LZCNTQ when the feature is present.
func (c *amd64Compiler) emitClz(is64 bool) {
	if c.cfg.features().hasLZCNT {
		p := c.newProg()
		p.As = pick(is64, x86.ALZCNTQ, x86.ALZCNTL)
		p.From.Type = obj.TYPE_REG
		p.From.Reg = regScratch0
		p.To.Type = obj.TYPE_REG
		p.To.Reg = regScratch0
		c.addInstruction(p)
		return
	}
	c.cmpRegConst(x86.ACMPQ, regScratch0, 0)
	jne := c.newProg()
	jne.As = x86.AJNE
	jne.To.Type = obj.TYPE_BRANCH
	c.addInstruction(jne)
	c.movImm64(pickI64(is64, 64, 32), regScratch0)
	jmpEnd := c.jmp(obj.AJMP)

	bsr := c.newProg()
	jne.To.SetTarget(bsr)
	bsr.As = pick(is64, x86.ABSRQ, x86.ABSRL)
	bsr.From.Type = obj.TYPE_REG
	bsr.From.Reg = regScratch0
	bsr.To.Type = obj.TYPE_REG
	bsr.To.Reg = regScratch0
	c.addInstruction(bsr)

	xorBits := c.newProg()
	xorBits.As = pick(is64, x86.AXORQ, x86.AXORL)
	xorBits.From.Type = obj.TYPE_CONST
	xorBits.From.Offset = pickI64(is64, 63, 31)
	xorBits.To.Type = obj.TYPE_REG
	xorBits.To.Reg = regScratch0
	c.addInstruction(xorBits)

	c.addSetJmpOrigins(jmpEnd)
}

func (c *amd64Compiler) emitCtz(is64 bool) {
	if c.cfg.features().hasTZCNT {
		p := c.newProg()
		p.As = pick(is64, x86.ATZCNTQ, x86.ATZCNTL)
		p.From.Type = obj.TYPE_REG
		p.From.Reg = regScratch0
		p.To.Type = obj.TYPE_REG
		p.To.Reg = regScratch0
		c.addInstruction(p)
		return
	}
	c.cmpRegConst(x86.ACMPQ, regScratch0, 0)
	jne := c.newProg()
	jne.As = x86.AJNE
	jne.To.Type = obj.TYPE_BRANCH
	c.addInstruction(jne)
	c.movImm64(pickI64(is64, 64, 32), regScratch0)
	jmpEnd := c.jmp(obj.AJMP)

	bsf := c.newProg()
	jne.To.SetTarget(bsf)
	bsf.As = pick(is64, x86.ABSFQ, x86.ABSFL)
	bsf.From.Type = obj.TYPE_REG
	bsf.From.Reg = regScratch0
	bsf.To.Type = obj.TYPE_REG
	bsf.To.Reg = regScratch0
	c.addInstruction(bsf)

	c.addSetJmpOrigins(jmpEnd)
}

// --- integer binary ops ----------------------------------------------------

func (c *amd64Compiler) compileIntBinop(ins *ir.Instruction) error {
	is64 := ins.Op >= ir.OpI64Add
	base := stripWidth(ins.Op)

	switch base {
	case ir.OpI32DivS, ir.OpI32DivU, ir.OpI32RemS, ir.OpI32RemU:
		return c.compileDivRem(base, is64)
	case ir.OpI32Shl, ir.OpI32ShrS, ir.OpI32ShrU, ir.OpI32Rotl, ir.OpI32Rotr:
		return c.compileShift(base, is64)
	}

	c.popReg(regScratch1) // rhs
	c.popReg(regScratch0) // lhs

	var as obj.As
	switch base {
	case ir.OpI32Add:
		as = pick(is64, x86.AADDQ, x86.AADDL)
	case ir.OpI32Sub:
		as = pick(is64, x86.ASUBQ, x86.ASUBL)
	case ir.OpI32Mul:
		as = pick(is64, x86.AIMULQ, x86.AIMULL)
	case ir.OpI32And:
		as = pick(is64, x86.AANDQ, x86.AANDL)
	case ir.OpI32Or:
		as = pick(is64, x86.AORQ, x86.AORL)
	case ir.OpI32Xor:
		as = pick(is64, x86.AXORQ, x86.AXORL)
	default:
		return fmt.Errorf("%w: binop 0x%02x", ErrUnimplementedOpcode, byte(ins.Op))
	}
	p := c.newProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = regScratch1
	p.To.Type = obj.TYPE_REG
	p.To.Reg = regScratch0
	c.addInstruction(p)
	c.pushReg(regScratch0)
	return nil
}

// compileDivRem routes signed/unsigned divide and remainder through
// RAX:RDX, as the hardware IDIV/DIV instructions require. A zero divisor
// traps through stubIntDivTrap. A signed remainder by -1 yields 0 without
// executing IDIV; a signed division of INT_MIN by -1 is left to IDIV, which
// raises the CPU's divide-error exception.
func (c *amd64Compiler) compileDivRem(base ir.Op, is64 bool) error {
	c.popReg(regScratch2) // divisor; RDX (regScratch1) is overwritten before the divide
	c.popReg(x86.REG_AX)  // dividend

	c.cmpRegConst(pick(is64, x86.ACMPQ, x86.ACMPL), regScratch2, 0)
	jne := c.newProg()
	jne.As = x86.AJNE
	jne.To.Type = obj.TYPE_BRANCH
	c.addInstruction(jne)
	c.emitTrapCall(stubIntDivTrap)
	ok := c.newProg()
	ok.As = obj.ANOP
	c.addInstruction(ok)
	jne.To.SetTarget(ok)

	signed := base == ir.OpI32DivS || base == ir.OpI32RemS
	if signed {
		// Sign-extend AX into DX:AX (or RAX into RDX:RAX).
		ext := c.newProg()
		ext.As = pick(is64, x86.ACQO, x86.ACDQ)
		var remByNegOne *obj.Prog
		if base == ir.OpI32RemS {
			// x rem -1 is 0 for every x; IDIV itself would fault on INT_MIN rem -1.
			c.cmpRegConst(pick(is64, x86.ACMPQ, x86.ACMPL), regScratch2, -1)
			toDiv := c.newProg()
			toDiv.As = x86.AJNE
			toDiv.To.Type = obj.TYPE_BRANCH
			toDiv.To.SetTarget(ext)
			c.addInstruction(toDiv)
			c.movImm64(0, x86.REG_DX)
			remByNegOne = c.jmp(obj.AJMP)
		}
		c.addInstruction(ext)
		div := c.newProg()
		div.As = pick(is64, x86.AIDIVQ, x86.AIDIVL)
		div.From.Type = obj.TYPE_REG
		div.From.Reg = regScratch2
		c.addInstruction(div)
		if remByNegOne != nil {
			c.addSetJmpOrigins(remByNegOne)
		}
	} else {
		c.movImm64(0, x86.REG_DX)
		div := c.newProg()
		div.As = pick(is64, x86.ADIVQ, x86.ADIVL)
		div.From.Type = obj.TYPE_REG
		div.From.Reg = regScratch2
		c.addInstruction(div)
	}

	if base == ir.OpI32DivS || base == ir.OpI32DivU {
		c.pushReg(x86.REG_AX)
	} else {
		c.pushReg(x86.REG_DX)
	}
	return nil
}

// compileShift handles shl/shr_s/shr_u/rotl/rotr, whose shift-count operand
// must be loaded into CL, the only operand hardware shift/rotate
// instructions accept for a non-immediate count.
func (c *amd64Compiler) compileShift(base ir.Op, is64 bool) error {
	c.popReg(regScratch2) // count
	c.popReg(regScratch0) // value
	c.movRegReg(x86.AMOVL, regScratch2, x86.REG_CX)

	var as obj.As
	switch base {
	case ir.OpI32Shl:
		as = pick(is64, x86.ASHLQ, x86.ASHLL)
	case ir.OpI32ShrS:
		as = pick(is64, x86.ASARQ, x86.ASARL)
	case ir.OpI32ShrU:
		as = pick(is64, x86.ASHRQ, x86.ASHRL)
	case ir.OpI32Rotl:
		as = pick(is64, x86.AROLQ, x86.AROLL)
	case ir.OpI32Rotr:
		as = pick(is64, x86.ARORQ, x86.ARORL)
	default:
		return fmt.Errorf("%w: shift 0x%02x", ErrUnimplementedOpcode, byte(base))
	}
	p := c.newProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = x86.REG_CX
	p.To.Type = obj.TYPE_REG
	p.To.Reg = regScratch0
	c.addInstruction(p)
	c.pushReg(regScratch0)
	return nil
}

// --- floating-point comparisons --------------------------------------------

func (c *amd64Compiler) compileFloatRelop(ins *ir.Instruction) error {
	is64 := ins.Op >= ir.OpF64Eq
	c.popFloat(fpScratch1)
	c.popFloat(fpScratch0)

	cmp := c.newProg()
	cmp.As = pick(is64, x86.AUCOMISD, x86.AUCOMISS)
	cmp.From.Type = obj.TYPE_REG
	cmp.From.Reg = fpScratch1
	cmp.To.Type = obj.TYPE_REG
	cmp.To.Reg = fpScratch0
	c.addInstruction(cmp)

	var setcc obj.As
	switch stripFloatWidth(ins.Op) {
	case ir.OpF32Eq:
		setcc = x86.ASETEQ
	case ir.OpF32Ne:
		setcc = x86.ASETNE
	case ir.OpF32Lt:
		setcc = x86.ASETCS
	case ir.OpF32Gt:
		setcc = x86.ASETHI
	case ir.OpF32Le:
		setcc = x86.ASETLS
	case ir.OpF32Ge:
		setcc = x86.ASETCC
	default:
		return fmt.Errorf("%w: float relop 0x%02x", ErrUnimplementedOpcode, byte(ins.Op))
	}
	c.emitSetCC(setcc)
	c.pushReg(regScratch0)
	return nil
}

func stripFloatWidth(op ir.Op) ir.Op {
	if op >= ir.OpF64Eq && op <= ir.OpF64Ge {
		return op - (ir.OpF64Eq - ir.OpF32Eq)
	}
	return op
}

// --- floating-point unary ops -----------------------------------------------

func (c *amd64Compiler) compileFloatUnop(ins *ir.Instruction) error {
	is64 := isF64Unop(ins.Op)
	c.popFloat(fpScratch0)

	switch stripFloatUnopWidth(ins.Op) {
	case ir.OpF32Abs:
		c.emitSignBitOp(is64, true)
	case ir.OpF32Neg:
		c.emitSignBitOp(is64, false)
	case ir.OpF32Sqrt:
		p := c.newProg()
		p.As = pick(is64, x86.ASQRTSD, x86.ASQRTSS)
		p.From.Type, p.From.Reg = obj.TYPE_REG, fpScratch0
		p.To.Type, p.To.Reg = obj.TYPE_REG, fpScratch0
		c.addInstruction(p)
	case ir.OpF32Ceil:
		c.emitRound(is64, 0x02)
	case ir.OpF32Floor:
		c.emitRound(is64, 0x01)
	case ir.OpF32Trunc:
		c.emitRound(is64, 0x03)
	case ir.OpF32Nearest:
		c.emitRound(is64, 0x00)
	default:
		return fmt.Errorf("%w: float unop 0x%02x", ErrUnimplementedOpcode, byte(ins.Op))
	}
	c.pushFloat(fpScratch0)
	return nil
}

func isF64Unop(op ir.Op) bool { return op >= ir.OpF64Abs }

func stripFloatUnopWidth(op ir.Op) ir.Op {
	if op >= ir.OpF64Abs && op <= ir.OpF64Sqrt {
		return op - (ir.OpF64Abs - ir.OpF32Abs)
	}
	return op
}

// emitSignBitOp implements abs via shift-left-then-right-by-one (clearing
// the sign bit) and neg via XOR against the sign-bit mask loaded from its
// fixed address — both grounded verbatim on the same bit tricks, since a
// plain ANDPS/XORPS against an immediate is not encodable; the mask must
// live in addressable memory first.
func (c *amd64Compiler) emitSignBitOp(is64, abs bool) {
	if abs {
		shl := c.newProg()
		shl.As = pick(is64, x86.APSLLQ, x86.APSLLL)
		shl.From.Type, shl.From.Offset = obj.TYPE_CONST, 1
		shl.To.Type, shl.To.Reg = obj.TYPE_REG, fpScratch0
		c.addInstruction(shl)
		shr := c.newProg()
		shr.As = pick(is64, x86.APSRLQ, x86.APSRLL)
		shr.From.Type, shr.From.Offset = obj.TYPE_CONST, 1
		shr.To.Type, shr.To.Reg = obj.TYPE_REG, fpScratch0
		c.addInstruction(shr)
		return
	}
	c.movAbsMemToXMM(is64, addrFloat64SignBitMask, addrFloat32SignBitMask, fpScratch1)
	xorOp := c.newProg()
	xorOp.As = pick(is64, x86.AXORPD, x86.AXORPS)
	xorOp.From.Type, xorOp.From.Reg = obj.TYPE_REG, fpScratch1
	xorOp.To.Type, xorOp.To.Reg = obj.TYPE_REG, fpScratch0
	c.addInstruction(xorOp)
}

func pickAddr(cond bool, a, b uintptr) uintptr {
	if cond {
		return a
	}
	return b
}

func pickI64(cond bool, a, b int64) int64 {
	if cond {
		return a
	}
	return b
}

func (c *amd64Compiler) emitRound(is64 bool, mode int64) {
	p := c.newProg()
	p.As = pick(is64, x86.AROUNDSD, x86.AROUNDSS)
	p.From.Type, p.From.Offset = obj.TYPE_CONST, mode
	p.RestArgs = append(p.RestArgs, obj.Addr{Type: obj.TYPE_REG, Reg: fpScratch0})
	p.To.Type, p.To.Reg = obj.TYPE_REG, fpScratch0
	c.addInstruction(p)
}

// --- floating-point binary ops -----------------------------------------------

func (c *amd64Compiler) compileFloatBinop(ins *ir.Instruction) error {
	is64 := isF64Binop(ins.Op)
	c.popFloat(fpScratch1)
	c.popFloat(fpScratch0)

	switch stripFloatBinopWidth(ins.Op) {
	case ir.OpF32Add:
		c.emitFloatArith(pick(is64, x86.AADDSD, x86.AADDSS))
	case ir.OpF32Sub:
		c.emitFloatArith(pick(is64, x86.ASUBSD, x86.ASUBSS))
	case ir.OpF32Mul:
		c.emitFloatArith(pick(is64, x86.AMULSD, x86.AMULSS))
	case ir.OpF32Div:
		c.emitFloatArith(pick(is64, x86.ADIVSD, x86.ADIVSS))
	case ir.OpF32Min:
		c.emitMinMax(is64, true)
	case ir.OpF32Max:
		c.emitMinMax(is64, false)
	case ir.OpF32Copysign:
		c.emitCopysign(is64)
	default:
		return fmt.Errorf("%w: float binop 0x%02x", ErrUnimplementedOpcode, byte(ins.Op))
	}
	c.pushFloat(fpScratch0)
	return nil
}

func isF64Binop(op ir.Op) bool { return op >= ir.OpF64Add }

func stripFloatBinopWidth(op ir.Op) ir.Op {
	if op >= ir.OpF64Add && op <= ir.OpF64Copysign {
		return op - (ir.OpF64Add - ir.OpF32Add)
	}
	return op
}

func (c *amd64Compiler) emitFloatArith(as obj.As) {
	p := c.newProg()
	p.As = as
	p.From.Type, p.From.Reg = obj.TYPE_REG, fpScratch1
	p.To.Type, p.To.Reg = obj.TYPE_REG, fpScratch0
	c.addInstruction(p)
}

// emitMinMax reproduces Wasm's NaN-propagating min/max on top of the
// native MINSD/MAXSD/MINSS/MAXSS, which silently prefer the non-NaN
// operand instead: UCOMISx first classifies the pair into NaN-free-unequal
// (native min/max is correct as-is), NaN-free-equal (native min/max would
// wrongly pick based on sign of zero; the only equal pair whose bits differ
// is +0/-0, so ORPx for min yields -0 and ANDPx for max yields +0, and
// identical operands pass through unchanged), or NaN-involved (ADDSx forces
// the NaN to propagate into the result, since any arithmetic op on a NaN
// yields NaN).
func (c *amd64Compiler) emitMinMax(is64, isMin bool) {
	cmp := c.newProg()
	cmp.As = pick(is64, x86.AUCOMISD, x86.AUCOMISS)
	cmp.From.Type, cmp.From.Reg = obj.TYPE_REG, fpScratch1
	cmp.To.Type, cmp.To.Reg = obj.TYPE_REG, fpScratch0
	c.addInstruction(cmp)

	jne := c.newProg()
	jne.As = x86.AJNE
	jne.To.Type = obj.TYPE_BRANCH
	c.addInstruction(jne)

	jpc := c.newProg()
	jpc.As = x86.AJPC
	jpc.To.Type = obj.TYPE_BRANCH
	c.addInstruction(jpc)

	addNaN := c.newProg()
	addNaN.As = pick(is64, x86.AADDSD, x86.AADDSS)
	addNaN.From.Type, addNaN.From.Reg = obj.TYPE_REG, fpScratch1
	addNaN.To.Type, addNaN.To.Reg = obj.TYPE_REG, fpScratch0
	c.addInstruction(addNaN)
	jmpEnd := c.jmp(obj.AJMP)

	equal := c.newProg()
	jpc.To.SetTarget(equal)
	if isMin {
		equal.As = pick(is64, x86.AORPD, x86.AORPS)
	} else {
		equal.As = pick(is64, x86.AANDPD, x86.AANDPS)
	}
	equal.From.Type, equal.From.Reg = obj.TYPE_REG, fpScratch1
	equal.To.Type, equal.To.Reg = obj.TYPE_REG, fpScratch0
	c.addInstruction(equal)
	jmpEqualEnd := c.jmp(obj.AJMP)

	nanFree := c.newProg()
	jne.To.SetTarget(nanFree)
	if isMin {
		nanFree.As = pick(is64, x86.AMINSD, x86.AMINSS)
	} else {
		nanFree.As = pick(is64, x86.AMAXSD, x86.AMAXSS)
	}
	nanFree.From.Type, nanFree.From.Reg = obj.TYPE_REG, fpScratch1
	nanFree.To.Type, nanFree.To.Reg = obj.TYPE_REG, fpScratch0
	c.addInstruction(nanFree)

	c.addSetJmpOrigins(jmpEnd, jmpEqualEnd)
}

// emitCopysign copies the sign bit of fpScratch1 onto fpScratch0's
// magnitude: mask fpScratch0 down to its magnitude, mask fpScratch1 down to
// its sign bit alone, then OR the two together. Both masks load straight
// from their fixed host address into an XMM register — a plain MOVL/MOVQ
// moves raw bytes regardless of the destination register class, so no GP
// staging register is needed, same as this compiler's other absolute-mask
// loads (see emitSignBitOp's neg case).
func (c *amd64Compiler) emitCopysign(is64 bool) {
	c.movAbsMemToXMM(is64, addrFloat64RestBitMask, addrFloat32RestBitMask, fpScratch2)
	andMag := c.newProg()
	andMag.As = pick(is64, x86.AANDPD, x86.AANDPS)
	andMag.From.Type, andMag.From.Reg = obj.TYPE_REG, fpScratch2
	andMag.To.Type, andMag.To.Reg = obj.TYPE_REG, fpScratch0
	c.addInstruction(andMag)

	c.movAbsMemToXMM(is64, addrFloat64SignBitMask, addrFloat32SignBitMask, fpScratch2)
	andSign := c.newProg()
	andSign.As = pick(is64, x86.AANDPD, x86.AANDPS)
	andSign.From.Type, andSign.From.Reg = obj.TYPE_REG, fpScratch2
	andSign.To.Type, andSign.To.Reg = obj.TYPE_REG, fpScratch1
	c.addInstruction(andSign)

	orSign := c.newProg()
	orSign.As = pick(is64, x86.AORPD, x86.AORPS)
	orSign.From.Type, orSign.From.Reg = obj.TYPE_REG, fpScratch1
	orSign.To.Type, orSign.To.Reg = obj.TYPE_REG, fpScratch0
	c.addInstruction(orSign)
}

// movAbsMemToXMM loads the 32/64-bit value at a fixed host address directly
// into an XMM register.
func (c *amd64Compiler) movAbsMemToXMM(is64 bool, addr64, addr32 uintptr, xmm int16) {
	p := c.newProg()
	p.As = pick(is64, x86.AMOVQ, x86.AMOVL)
	p.From.Type = obj.TYPE_MEM
	p.From.Offset = int64(pickAddr(is64, addr64, addr32))
	p.To.Type, p.To.Reg = obj.TYPE_REG, xmm
	c.addInstruction(p)
}

// --- conversions ------------------------------------------------------------

func (c *amd64Compiler) compileConversion(ins *ir.Instruction) error {
	switch ins.Op {
	case ir.OpI32WrapI64:
		c.popReg(regScratch0)
		c.movRegReg(x86.AMOVL, regScratch0, regScratch0) // truncate to low 32, zero-extend the slot
		c.pushReg(regScratch0)
		return nil
	case ir.OpI64ExtendI32S:
		c.popReg(regScratch0)
		c.movRegReg(x86.AMOVLQSX, regScratch0, regScratch0)
		c.pushReg(regScratch0)
		return nil
	case ir.OpI64ExtendI32U:
		c.popReg(regScratch0)
		c.movRegReg(x86.AMOVLQZX, regScratch0, regScratch0)
		c.pushReg(regScratch0)
		return nil
	case ir.OpF32DemoteF64:
		c.popFloat(fpScratch0)
		p := c.newProg()
		p.As = x86.ACVTSD2SS
		p.From.Type, p.From.Reg = obj.TYPE_REG, fpScratch0
		p.To.Type, p.To.Reg = obj.TYPE_REG, fpScratch0
		c.addInstruction(p)
		c.pushFloat(fpScratch0)
		return nil
	case ir.OpF64PromoteF32:
		c.popFloat(fpScratch0)
		p := c.newProg()
		p.As = x86.ACVTSS2SD
		p.From.Type, p.From.Reg = obj.TYPE_REG, fpScratch0
		p.To.Type, p.To.Reg = obj.TYPE_REG, fpScratch0
		c.addInstruction(p)
		c.pushFloat(fpScratch0)
		return nil
	case ir.OpI32ReinterpretF32, ir.OpI64ReinterpretF64:
		c.popFloat(fpScratch0)
		c.pushFloat(fpScratch0) // identical bit pattern; slot already holds it raw
		return nil
	case ir.OpF32ReinterpretI32, ir.OpF64ReinterpretI64:
		c.popReg(regScratch0)
		c.pushReg(regScratch0)
		return nil
	}

	if isIntToFloat(ins.Op) {
		return c.compileIntToFloat(ins.Op)
	}
	if isFloatToInt(ins.Op) {
		return c.compileFloatToInt(ins.Op)
	}
	return fmt.Errorf("%w: conversion 0x%02x", ErrUnimplementedOpcode, byte(ins.Op))
}

func isIntToFloat(op ir.Op) bool {
	switch op {
	case ir.OpF32ConvertI32S, ir.OpF32ConvertI32U, ir.OpF32ConvertI64S, ir.OpF32ConvertI64U,
		ir.OpF64ConvertI32S, ir.OpF64ConvertI32U, ir.OpF64ConvertI64S, ir.OpF64ConvertI64U:
		return true
	}
	return false
}

func isFloatToInt(op ir.Op) bool {
	switch op {
	case ir.OpI32TruncF32S, ir.OpI32TruncF32U, ir.OpI32TruncF64S, ir.OpI32TruncF64U,
		ir.OpI64TruncF32S, ir.OpI64TruncF32U, ir.OpI64TruncF64S, ir.OpI64TruncF64U:
		return true
	}
	return false
}

func (c *amd64Compiler) compileIntToFloat(op ir.Op) error {
	c.popReg(regScratch0)
	f64 := op == ir.OpF64ConvertI32S || op == ir.OpF64ConvertI32U || op == ir.OpF64ConvertI64S || op == ir.OpF64ConvertI64U
	i64 := op == ir.OpF32ConvertI64S || op == ir.OpF32ConvertI64U || op == ir.OpF64ConvertI64S || op == ir.OpF64ConvertI64U
	unsigned := op == ir.OpF32ConvertI32U || op == ir.OpF32ConvertI64U || op == ir.OpF64ConvertI32U || op == ir.OpF64ConvertI64U

	if unsigned && i64 {
		// CVTSQ2SD/SS treat the source as signed; an unsigned i64 whose sign
		// bit is set must be split: add 2^64 back after converting as signed
		// by halving-and-doubling, the standard branch-free unsigned-to-
		// double idiom for x86 lacking a native unsigned convert.
		return c.emitUnsignedI64ToFloat(f64)
	}
	if unsigned && !i64 {
		// Zero-extend the i32 into a 64-bit register first so the signed
		// convert instruction sees the correct magnitude.
		c.movRegReg(x86.AMOVLQZX, regScratch0, regScratch0)
		i64 = true
	}

	var as obj.As
	switch {
	case f64 && i64:
		as = x86.ACVTSQ2SD
	case f64 && !i64:
		as = x86.ACVTSL2SD
	case !f64 && i64:
		as = x86.ACVTSQ2SS
	default:
		as = x86.ACVTSL2SS
	}
	p := c.newProg()
	p.As = as
	p.From.Type, p.From.Reg = obj.TYPE_REG, regScratch0
	p.To.Type, p.To.Reg = obj.TYPE_REG, fpScratch0
	c.addInstruction(p)
	c.pushFloat(fpScratch0)
	return nil
}

// emitUnsignedI64ToFloat implements the classic "shift right 1, convert,
// double" trick only for the top half of the unsigned range: if the value
// is non-negative as a signed i64 the ordinary signed convert is already
// exact, so a branch picks between the fast path and the correction.
func (c *amd64Compiler) emitUnsignedI64ToFloat(f64 bool) error {
	c.cmpRegConst(x86.ACMPQ, regScratch0, 0)
	jlt := c.newProg()
	jlt.As = x86.AJLT
	jlt.To.Type = obj.TYPE_BRANCH
	c.addInstruction(jlt)

	fast := c.newProg()
	fast.As = pick(f64, x86.ACVTSQ2SD, x86.ACVTSQ2SS)
	fast.From.Type, fast.From.Reg = obj.TYPE_REG, regScratch0
	fast.To.Type, fast.To.Reg = obj.TYPE_REG, fpScratch0
	c.addInstruction(fast)
	jmpEnd := c.jmp(obj.AJMP)

	slow := c.newProg()
	slow.As = obj.ANOP
	c.addInstruction(slow)
	jlt.To.SetTarget(slow)
	// half = (value >> 1) | (value & 1); exact for odd values because the
	// lost bit is recovered by the OR before the shift-right-by-one below
	// would otherwise drop it silently.
	c.movRegReg(x86.AMOVQ, regScratch0, regScratch1)
	lowBit := c.newProg()
	lowBit.As = x86.AANDQ
	lowBit.From.Type, lowBit.From.Offset = obj.TYPE_CONST, 1
	lowBit.To.Type, lowBit.To.Reg = obj.TYPE_REG, regScratch1
	c.addInstruction(lowBit)
	shr := c.newProg()
	shr.As = x86.ASHRQ
	shr.From.Type, shr.From.Offset = obj.TYPE_CONST, 1
	shr.To.Type, shr.To.Reg = obj.TYPE_REG, regScratch0
	c.addInstruction(shr)
	orBit := c.newProg()
	orBit.As = x86.AORQ
	orBit.From.Type, orBit.From.Reg = obj.TYPE_REG, regScratch1
	orBit.To.Type, orBit.To.Reg = obj.TYPE_REG, regScratch0
	c.addInstruction(orBit)
	conv := c.newProg()
	conv.As = pick(f64, x86.ACVTSQ2SD, x86.ACVTSQ2SS)
	conv.From.Type, conv.From.Reg = obj.TYPE_REG, regScratch0
	conv.To.Type, conv.To.Reg = obj.TYPE_REG, fpScratch0
	c.addInstruction(conv)
	double := c.newProg()
	double.As = pick(f64, x86.AADDSD, x86.AADDSS)
	double.From.Type, double.From.Reg = obj.TYPE_REG, fpScratch0
	double.To.Type, double.To.Reg = obj.TYPE_REG, fpScratch0
	c.addInstruction(double)

	c.addSetJmpOrigins(jmpEnd)
	c.pushFloat(fpScratch0)
	return nil
}

// compileFloatToInt implements trunc with the range check spec.md §4.7
// requires: out-of-range or NaN source traps rather than producing an
// implementation-defined integer, which is what the bare CVTTSx2SI
// instructions would otherwise do (they return the "integer indefinite"
// pattern on overflow, silently).
func (c *amd64Compiler) compileFloatToInt(op ir.Op) error {
	c.popFloat(fpScratch0)
	f64Src := op == ir.OpI32TruncF64S || op == ir.OpI32TruncF64U || op == ir.OpI64TruncF64S || op == ir.OpI64TruncF64U
	i64Dst := op == ir.OpI64TruncF32S || op == ir.OpI64TruncF32U || op == ir.OpI64TruncF64S || op == ir.OpI64TruncF64U
	unsigned := op == ir.OpI32TruncF32U || op == ir.OpI32TruncF64U || op == ir.OpI64TruncF32U || op == ir.OpI64TruncF64U

	// NaN check: UCOMISx against itself sets the parity flag iff NaN.
	selfCmp := c.newProg()
	selfCmp.As = pick(f64Src, x86.AUCOMISD, x86.AUCOMISS)
	selfCmp.From.Type, selfCmp.From.Reg = obj.TYPE_REG, fpScratch0
	selfCmp.To.Type, selfCmp.To.Reg = obj.TYPE_REG, fpScratch0
	c.addInstruction(selfCmp)
	jpc := c.newProg()
	jpc.As = x86.AJPC // jump if NOT NaN
	jpc.To.Type = obj.TYPE_BRANCH
	c.addInstruction(jpc)
	c.emitTrapCall(stubFPTrap)
	notNaN := c.newProg()
	notNaN.As = obj.ANOP
	c.addInstruction(notNaN)
	jpc.To.SetTarget(notNaN)

	lowerAddr, upperAddr := c.truncBounds(f64Src, i64Dst, unsigned)
	c.emitRangeTrap(f64Src, lowerAddr, upperAddr)

	var as obj.As
	switch {
	case f64Src && i64Dst:
		as = x86.ACVTTSD2SQ
	case f64Src && !i64Dst:
		as = x86.ACVTTSD2SL
	case !f64Src && i64Dst:
		as = x86.ACVTTSS2SQ
	default:
		as = x86.ACVTTSS2SL
	}
	p := c.newProg()
	p.As = as
	p.From.Type, p.From.Reg = obj.TYPE_REG, fpScratch0
	p.To.Type, p.To.Reg = obj.TYPE_REG, regScratch0
	c.addInstruction(p)
	if !i64Dst {
		c.movRegReg(x86.AMOVL, regScratch0, regScratch0)
	}
	c.pushReg(regScratch0)
	return nil
}

// truncBounds picks the (lower-inclusive, upper-exclusive) bound addresses
// for the destination integer's representable range, following the
// package-level constant layout above (Minimum.../MaximumPlusOne...).
func (c *amd64Compiler) truncBounds(f64Src, i64Dst, unsigned bool) (lower, upper uintptr) {
	if i64Dst {
		if unsigned {
			return 0, pickAddr(f64Src, addrFloat64MaxI64Plus1, uintptr(addrFloat32MaxI64Plus1))
		}
		return pickAddr(f64Src, addrFloat64MinI64, uintptr(addrFloat32MinI64)),
			pickAddr(f64Src, addrFloat64MaxI64Plus1, uintptr(addrFloat32MaxI64Plus1))
	}
	if unsigned {
		return 0, pickAddr(f64Src, addrFloat64MaxI32Plus1, uintptr(addrFloat32MaxI32Plus1))
	}
	return pickAddr(f64Src, addrFloat64MinI32, uintptr(addrFloat32MinI32)),
		pickAddr(f64Src, addrFloat64MaxI32Plus1, uintptr(addrFloat32MaxI32Plus1))
}

// emitRangeTrap compares fpScratch0 against [lower, upper) and traps if
// outside; lower==0 is treated as "no lower bound" (the unsigned case,
// where a simple sign check on the source already rules out negatives via
// the upper-bound-only comparison being preceded by a sign test).
func (c *amd64Compiler) emitRangeTrap(f64Src bool, lowerAddr, upperAddr uintptr) {
	cmpUpper := c.newProg()
	cmpUpper.As = pick(f64Src, x86.AUCOMISD, x86.AUCOMISS)
	cmpUpper.From.Type = obj.TYPE_MEM
	cmpUpper.From.Offset = int64(upperAddr)
	cmpUpper.To.Type, cmpUpper.To.Reg = obj.TYPE_REG, fpScratch0
	c.addInstruction(cmpUpper)
	jltUpper := c.newProg()
	jltUpper.As = x86.AJCS // source < upper
	jltUpper.To.Type = obj.TYPE_BRANCH
	c.addInstruction(jltUpper)
	c.emitTrapCall(stubFPTrap)
	belowUpper := c.newProg()
	belowUpper.As = obj.ANOP
	c.addInstruction(belowUpper)
	jltUpper.To.SetTarget(belowUpper)

	if lowerAddr == 0 {
		// Unsigned destination: any negative source is out of range.
		zero := c.newProg()
		zero.As = pick(f64Src, x86.AXORPD, x86.AXORPS)
		zero.From.Type, zero.From.Reg = obj.TYPE_REG, fpScratch1
		zero.To.Type, zero.To.Reg = obj.TYPE_REG, fpScratch1
		c.addInstruction(zero)
		cmpZero := c.newProg()
		cmpZero.As = pick(f64Src, x86.AUCOMISD, x86.AUCOMISS)
		cmpZero.From.Type, cmpZero.From.Reg = obj.TYPE_REG, fpScratch1
		cmpZero.To.Type, cmpZero.To.Reg = obj.TYPE_REG, fpScratch0
		c.addInstruction(cmpZero)
		jge := c.newProg()
		jge.As = x86.AJCC
		jge.To.Type = obj.TYPE_BRANCH
		c.addInstruction(jge)
		c.emitTrapCall(stubFPTrap)
		nonNeg := c.newProg()
		nonNeg.As = obj.ANOP
		c.addInstruction(nonNeg)
		jge.To.SetTarget(nonNeg)
		return
	}

	cmpLower := c.newProg()
	cmpLower.As = pick(f64Src, x86.AUCOMISD, x86.AUCOMISS)
	cmpLower.From.Type = obj.TYPE_MEM
	cmpLower.From.Offset = int64(lowerAddr)
	cmpLower.To.Type, cmpLower.To.Reg = obj.TYPE_REG, fpScratch0
	c.addInstruction(cmpLower)
	jae := c.newProg()
	jae.As = x86.AJCC // source >= lower
	jae.To.Type = obj.TYPE_BRANCH
	c.addInstruction(jae)
	c.emitTrapCall(stubFPTrap)
	aboveLower := c.newProg()
	aboveLower.As = obj.ANOP
	c.addInstruction(aboveLower)
	jae.To.SetTarget(aboveLower)
}
