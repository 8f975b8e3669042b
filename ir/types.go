// Package ir defines the validated-module data model the compiler core
// consumes: function types, the per-function instruction stream, globals,
// and the indirect-call table. Decoding a binary module into this shape is
// an external collaborator's job; this package only describes the contract.
package ir

import "math"

// ValueType is the binary encoding of a Wasm value type.
// See https://www.w3.org/TR/wasm-core-1/#binary-valtype
type ValueType byte

const (
	I32 ValueType = 0x7f
	I64 ValueType = 0x7e
	F32 ValueType = 0x7d
	F64 ValueType = 0x7c
)

func (v ValueType) String() string {
	switch v {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	default:
		return "unknown"
	}
}

// IsFloat reports whether v is f32 or f64.
func (v ValueType) IsFloat() bool { return v == F32 || v == F64 }

// Is64 reports whether v occupies a 64-bit logical width (i64/f64). Every
// value still occupies a full 8-byte stack slot regardless.
func (v ValueType) Is64() bool { return v == I64 || v == F64 }

// FuncType is a function-type descriptor: ordered parameters and a return
// arity restricted to {0,1} per the WebAssembly 1.0 (MVP) binary format.
type FuncType struct {
	Params  []ValueType
	Results []ValueType // len(Results) is 0 or 1.
}

// CanonicalKey returns a value usable as a map key for structural equality,
// used by callers building the type_aliases canonicalization table.
func (f *FuncType) CanonicalKey() string {
	buf := make([]byte, 0, len(f.Params)+len(f.Results)+1)
	for _, p := range f.Params {
		buf = append(buf, byte(p))
	}
	buf = append(buf, 0xff)
	for _, r := range f.Results {
		buf = append(buf, byte(r))
	}
	return string(buf)
}

// LocalEntry is one run-length-encoded local declaration, (count, type)
// pairs as they appear in a Wasm function body.
type LocalEntry struct {
	Count uint32
	Type  ValueType
}

// Instruction is one decoded opcode plus its immediates. Meaning of Imm1/
// Imm2 depends on Op:
//
//	Br, BrIf        Imm1 = enclosing-label depth, Imm2 = 8-byte slots to
//	                discard before the jump (both precomputed by the
//	                validator, which already knows every label's arity).
//	Return          Imm2 = slots to discard down to the frame's empty state.
//	LocalGet/Set/Tee, GlobalGet/Set   Imm1 = index.
//	Call            Imm1 = function index.
//	CallIndirect    Imm1 = expected type index.
//	Load*/Store*    Imm2 = static byte offset (Imm1 unused; alignment hints
//	                carry no semantic weight per spec.md §4.7).
//	I32Const/I64Const/F32Const/F64Const   ConstI64 = bit pattern.
type Instruction struct {
	Op Op

	// Imm1/Imm2 hold general-purpose immediates: local/global index, branch
	// depth, call target index, memory static offset, shift amount, and so
	// on depending on Op.
	Imm1 uint32
	Imm2 uint32

	// ConstI64 holds the bit pattern for I32Const/I64Const/F32Const/F64Const
	// (floats are bit-patterned into the low 32 or full 64 bits).
	ConstI64 uint64

	// Targets holds br_table's ordered label-depth list, default last.
	// PopCounts is the parallel per-target discard count. Both are
	// computed by the (out of scope) validator, which already knows every
	// label's operand-stack arity; the compiler core never infers arity on
	// its own, it only ever discards the slot count it is told to.
	Targets   []uint32
	PopCounts []uint32

	// Block carries the block-introducing opcodes' kind (plain/if/loop).
	Block BlockKind
}

// Global is one module-level global: its value type, mutability, and the
// fixed host address of its 8-byte storage cell. Immutable globals still
// carry a storage cell so emitted code can load them uniformly.
type Global struct {
	Type    ValueType
	Mutable bool
	Cell    *uint64
}

// TableAbsent marks a declared-but-unfilled element-section slot in Table:
// call_indirect against such a slot must trap indirect-range, same as an
// out-of-bounds index.
const TableAbsent = ^uint32(0)

// FunctionBody is one function's local declarations and instruction stream.
type FunctionBody struct {
	Locals []LocalEntry
	Code   []Instruction
}

// HostFunction is the native callback behind an imported function. It
// receives the raw 8-byte operand slots in Wasm argument order and returns
// the single result slot (zero if the Wasm signature has no result).
type HostFunction func(ctx *HostCallContext, args []uint64) (uint64, error)

// HostCallContext is the first argument of every HostFunction, giving
// restricted access to the calling instance's linear memory.
type HostCallContext struct {
	Memory Memory
}

// Module is the validated input the compiler core consumes. Decoding a
// wasm binary into this shape, resolving imports, and laying out linear
// memory are all external collaborators' responsibilities.
type Module struct {
	// Types is the module's function-type table, types[t].
	Types []FuncType

	// Functions maps every function index (imports first, then defined) to
	// its type index, functions[f].
	Functions []uint32

	// Code holds one FunctionBody per defined function, code[f].
	Code []FunctionBody

	// Globals is the module's global table, globals[g].
	Globals []Global

	// Table is the optional indirect-call table: an ordered sequence of
	// function indices, or TableAbsent for an unfilled element slot.
	Table []uint32

	// TypeAliases canonicalizes structurally-equal function types to a
	// single integer id, type_aliases[t].
	TypeAliases []uint32

	// FastFunctions maps every function index (imports first, then
	// defined) to its canonical type id, fast_functions[f].
	FastFunctions []uint32

	// ImportedFunctions holds the native callback for each imported
	// function; these occupy the low end of the function index space.
	ImportedFunctions []HostFunction
}

// NumImportedFunctions reports get_imported_functions_size().
func (m *Module) NumImportedFunctions() int { return len(m.ImportedFunctions) }

// FuncTypeOf returns the function type of function index f (imports first).
func (m *Module) FuncTypeOf(f uint32) *FuncType {
	n := uint32(m.NumImportedFunctions())
	if f < n {
		// Imported functions still occupy a type slot via Functions[0:n]
		// convention when present; callers constructing a Module must set
		// Functions[0:n] to the import signatures too.
		return &m.Types[m.Functions[f]]
	}
	return &m.Types[m.Functions[f]]
}

// Memory is the restricted view of a module instance's linear memory that
// generated code and host functions read/write through. Implementations
// live in the (out of scope) linear-memory allocator.
type Memory interface {
	Len() uint32
	Base() uintptr
	Grow(deltaPages uint32) (previousPages uint32, ok bool)
}

// EncodeF32 bit-patterns a float32 into the low 32 bits of a stack slot.
func EncodeF32(v float32) uint64 { return uint64(math.Float32bits(v)) }

// DecodeF32 reads a float32 out of the low 32 bits of a stack slot.
func DecodeF32(v uint64) float32 { return math.Float32frombits(uint32(v)) }

// EncodeF64 bit-patterns a float64 into a full stack slot.
func EncodeF64(v float64) uint64 { return math.Float64bits(v) }

// DecodeF64 reads a float64 out of a full stack slot.
func DecodeF64(v uint64) float64 { return math.Float64frombits(v) }
