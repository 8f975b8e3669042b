//go:build amd64
// +build amd64

package jit

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/kjx98/athena/ir"
)

type testMemory struct {
	buf []byte
}

func newTestMemory(pages uint32) *testMemory {
	return &testMemory{buf: make([]byte, int(pages)*65536)}
}

func (m *testMemory) Len() uint32   { return uint32(len(m.buf)) }
func (m *testMemory) Base() uintptr { return uintptr(unsafe.Pointer(&m.buf[0])) }
func (m *testMemory) Grow(delta uint32) (uint32, bool) {
	prev := uint32(len(m.buf)) / 65536
	grown := make([]byte, len(m.buf)+int(delta)*65536)
	copy(grown, m.buf)
	m.buf = grown
	return prev, true
}

func addModule() *ir.Module {
	return &ir.Module{
		Types:     []ir.FuncType{{Params: []ir.ValueType{ir.I32, ir.I32}, Results: []ir.ValueType{ir.I32}}},
		Functions: []uint32{0},
		Code: []ir.FunctionBody{{Code: []ir.Instruction{
			{Op: ir.OpLocalGet, Imm1: 0},
			{Op: ir.OpLocalGet, Imm1: 1},
			{Op: ir.OpI32Add},
			{Op: ir.OpEnd},
		}}},
		FastFunctions: []uint32{0},
	}
}

func TestEngineCallReturnsSum(t *testing.T) {
	eng, err := NewEngine(addModule(), newTestMemory(1), 0, Config{})
	require.NoError(t, err)

	res, err := eng.Call(0, []uint64{17, 25})
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, res)
}

func TestEngineCallArgumentCountMismatch(t *testing.T) {
	eng, err := NewEngine(addModule(), newTestMemory(1), 0, Config{})
	require.NoError(t, err)

	_, err = eng.Call(0, []uint64{1})
	require.Error(t, err)
}

func unreachableModule() *ir.Module {
	return &ir.Module{
		Types:     []ir.FuncType{{}},
		Functions: []uint32{0},
		Code: []ir.FunctionBody{{Code: []ir.Instruction{
			{Op: ir.OpUnreachable},
			{Op: ir.OpEnd},
		}}},
		FastFunctions: []uint32{0},
	}
}

func TestEngineCallTrapsOnUnreachable(t *testing.T) {
	eng, err := NewEngine(unreachableModule(), newTestMemory(1), 0, Config{})
	require.NoError(t, err)

	_, err = eng.Call(0, nil)
	require.Error(t, err)
	trapErr, ok := err.(*TrapError)
	require.True(t, ok)
	require.Equal(t, TrapUnreachable, trapErr.Reason)
}

func divModule() *ir.Module {
	return &ir.Module{
		Types:     []ir.FuncType{{Params: []ir.ValueType{ir.I32, ir.I32}, Results: []ir.ValueType{ir.I32}}},
		Functions: []uint32{0},
		Code: []ir.FunctionBody{{Code: []ir.Instruction{
			{Op: ir.OpLocalGet, Imm1: 0},
			{Op: ir.OpLocalGet, Imm1: 1},
			{Op: ir.OpI32DivS},
			{Op: ir.OpEnd},
		}}},
		FastFunctions: []uint32{0},
	}
}

func TestEngineCallDivideByZeroTrapsWithDistinctReason(t *testing.T) {
	eng, err := NewEngine(divModule(), newTestMemory(1), 0, Config{})
	require.NoError(t, err)

	_, err = eng.Call(0, []uint64{10, 0})
	require.Error(t, err)
	trapErr, ok := err.(*TrapError)
	require.True(t, ok)
	require.Equal(t, TrapIntegerDivide, trapErr.Reason)
}

func callModule() *ir.Module {
	addType := ir.FuncType{Params: []ir.ValueType{ir.I32, ir.I32}, Results: []ir.ValueType{ir.I32}}
	callerType := ir.FuncType{Params: []ir.ValueType{ir.I32}, Results: []ir.ValueType{ir.I32}}
	return &ir.Module{
		Types:     []ir.FuncType{addType, callerType},
		Functions: []uint32{0, 1},
		Code: []ir.FunctionBody{
			{Code: []ir.Instruction{ // func 0: add(a, b)
				{Op: ir.OpLocalGet, Imm1: 0},
				{Op: ir.OpLocalGet, Imm1: 1},
				{Op: ir.OpI32Add},
				{Op: ir.OpEnd},
			}},
			{Code: []ir.Instruction{ // func 1: double(a) = add(a, a)
				{Op: ir.OpLocalGet, Imm1: 0},
				{Op: ir.OpLocalGet, Imm1: 0},
				{Op: ir.OpCall, Imm1: 0},
				{Op: ir.OpEnd},
			}},
		},
		FastFunctions: []uint32{0, 1},
	}
}

func TestEngineCallNestedCallIsNativeRecursion(t *testing.T) {
	eng, err := NewEngine(callModule(), newTestMemory(1), 0, Config{})
	require.NoError(t, err)

	res, err := eng.Call(1, []uint64{21})
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, res)
}

func nopDropSelectModule() *ir.Module {
	return &ir.Module{
		Types:     []ir.FuncType{{Params: []ir.ValueType{ir.I32, ir.I32, ir.I32}, Results: []ir.ValueType{ir.I32}}},
		Functions: []uint32{0},
		Code: []ir.FunctionBody{{Code: []ir.Instruction{
			{Op: ir.OpNop},
			{Op: ir.OpLocalGet, Imm1: 0}, // pushed only to exercise drop
			{Op: ir.OpDrop},
			{Op: ir.OpLocalGet, Imm1: 1}, // true-case value
			{Op: ir.OpLocalGet, Imm1: 2}, // false-case value
			{Op: ir.OpLocalGet, Imm1: 0}, // condition
			{Op: ir.OpSelect},
			{Op: ir.OpEnd},
		}}},
		FastFunctions: []uint32{0},
	}
}

func TestEngineCallNopDropSelect(t *testing.T) {
	eng, err := NewEngine(nopDropSelectModule(), newTestMemory(1), 0, Config{})
	require.NoError(t, err)

	res, err := eng.Call(0, []uint64{1, 11, 22})
	require.NoError(t, err)
	require.Equal(t, []uint64{11}, res)

	res, err = eng.Call(0, []uint64{0, 11, 22})
	require.NoError(t, err)
	require.Equal(t, []uint64{22}, res)
}

// clzModule exercises i32.clz under both the native LZCNT path and the
// BSR fallback Config.ForceCPUIDFallback forces, per SPEC_FULL.md §13.
func clzModule() *ir.Module {
	return &ir.Module{
		Types:     []ir.FuncType{{Params: []ir.ValueType{ir.I32}, Results: []ir.ValueType{ir.I32}}},
		Functions: []uint32{0},
		Code: []ir.FunctionBody{{Code: []ir.Instruction{
			{Op: ir.OpLocalGet, Imm1: 0},
			{Op: ir.OpI32Clz},
			{Op: ir.OpEnd},
		}}},
		FastFunctions: []uint32{0},
	}
}

func TestEngineClzMatchesAcrossCPUIDFallback(t *testing.T) {
	native, err := NewEngine(clzModule(), newTestMemory(1), 0, Config{})
	require.NoError(t, err)
	fallback, err := NewEngine(clzModule(), newTestMemory(1), 0, Config{ForceCPUIDFallback: true})
	require.NoError(t, err)

	for _, v := range []uint64{0, 1, 2, 0x80000000, 0xFFFFFFFF, 12345} {
		want, err := native.Call(0, []uint64{v})
		require.NoError(t, err)
		got, err := fallback.Call(0, []uint64{v})
		require.NoError(t, err)
		require.Equal(t, want, got, "clz(%d)", v)
	}
}

// brTableModule implements: block D { block A { block B { block C {
// br_table [C,B] default=A } push 100; br D } push 200; br D } push 300 },
// dispatching on the single i32 parameter (scenario S3).
func brTableModule() *ir.Module {
	return &ir.Module{
		Types:     []ir.FuncType{{Params: []ir.ValueType{ir.I32}, Results: []ir.ValueType{ir.I32}}},
		Functions: []uint32{0},
		Code: []ir.FunctionBody{{Code: []ir.Instruction{
			{Op: ir.OpBlock}, // D
			{Op: ir.OpBlock}, // A
			{Op: ir.OpBlock}, // B
			{Op: ir.OpBlock}, // C
			{Op: ir.OpLocalGet, Imm1: 0},
			{Op: ir.OpBrTable, Targets: []uint32{0, 1, 2}, PopCounts: []uint32{0, 0, 0}},
			{Op: ir.OpEnd}, // closes C: case 0 begins
			{Op: ir.OpI32Const, ConstI64: 100},
			{Op: ir.OpBr, Imm1: 2}, // to D, skipping case 1 and the default
			{Op: ir.OpEnd}, // closes B: case 1 begins
			{Op: ir.OpI32Const, ConstI64: 200},
			{Op: ir.OpBr, Imm1: 1}, // to D, skipping the default
			{Op: ir.OpEnd}, // closes A: default begins
			{Op: ir.OpI32Const, ConstI64: 300},
			{Op: ir.OpEnd}, // closes D
			{Op: ir.OpEnd}, // closes the function body
		}}},
		FastFunctions: []uint32{0},
	}
}

func TestEngineCallBrTableDispatchesByIndex(t *testing.T) {
	eng, err := NewEngine(brTableModule(), newTestMemory(1), 0, Config{})
	require.NoError(t, err)

	cases := []struct{ idx, want uint64 }{
		{0, 100}, {1, 200}, {2, 300}, {99, 300},
	}
	for _, c := range cases {
		res, err := eng.Call(0, []uint64{c.idx})
		require.NoError(t, err)
		require.Equal(t, []uint64{c.want}, res, "index %d", c.idx)
	}
}

// callIndirectModule exercises scenario S4: function 1 declares its
// expected callee type via a type index (1) that is structurally identical
// to, but distinct from, the table entry's own declared type (0); both
// alias to canonical id 0 via TypeAliases, so the call must succeed despite
// the index mismatch. Function 2 declares an unrelated 3-parameter type (2,
// canonical id 1) against the same table entry and must trap.
func callIndirectModule() *ir.Module {
	addType := ir.FuncType{Params: []ir.ValueType{ir.I32, ir.I32}, Results: []ir.ValueType{ir.I32}}
	aliasType := ir.FuncType{Params: []ir.ValueType{ir.I32, ir.I32}, Results: []ir.ValueType{ir.I32}}
	callerType := ir.FuncType{Params: []ir.ValueType{ir.I32, ir.I32, ir.I32}, Results: []ir.ValueType{ir.I32}}
	return &ir.Module{
		Types:       []ir.FuncType{addType, aliasType, callerType},
		TypeAliases: []uint32{0, 0, 1},
		Functions:   []uint32{0, 2, 2},
		Code: []ir.FunctionBody{
			{Code: []ir.Instruction{ // func 0: add(a, b)
				{Op: ir.OpLocalGet, Imm1: 0},
				{Op: ir.OpLocalGet, Imm1: 1},
				{Op: ir.OpI32Add},
				{Op: ir.OpEnd},
			}},
			{Code: []ir.Instruction{ // func 1: call_indirect expecting type 1 (aliased)
				{Op: ir.OpLocalGet, Imm1: 0},
				{Op: ir.OpLocalGet, Imm1: 1},
				{Op: ir.OpLocalGet, Imm1: 2},
				{Op: ir.OpCallIndirect, Imm1: 1},
				{Op: ir.OpEnd},
			}},
			{Code: []ir.Instruction{ // func 2: call_indirect expecting type 2 (never matches)
				{Op: ir.OpLocalGet, Imm1: 0},
				{Op: ir.OpLocalGet, Imm1: 1},
				{Op: ir.OpLocalGet, Imm1: 2},
				{Op: ir.OpCallIndirect, Imm1: 2},
				{Op: ir.OpEnd},
			}},
		},
		Table:         []uint32{0},
		FastFunctions: []uint32{0, 1, 1},
	}
}

func TestEngineCallIndirectDispatchesThroughAliasedType(t *testing.T) {
	eng, err := NewEngine(callIndirectModule(), newTestMemory(1), 0, Config{})
	require.NoError(t, err)

	res, err := eng.Call(1, []uint64{17, 25, 0})
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, res)
}

func TestEngineCallIndirectTrapsOnTypeMismatch(t *testing.T) {
	eng, err := NewEngine(callIndirectModule(), newTestMemory(1), 0, Config{})
	require.NoError(t, err)

	_, err = eng.Call(2, []uint64{17, 25, 0})
	require.Error(t, err)
	trapErr, ok := err.(*TrapError)
	require.True(t, ok)
	require.Equal(t, TrapIndirectCallType, trapErr.Reason)
}

func TestEngineCallIndirectTrapsOnRangeError(t *testing.T) {
	eng, err := NewEngine(callIndirectModule(), newTestMemory(1), 0, Config{})
	require.NoError(t, err)

	_, err = eng.Call(1, []uint64{17, 25, 5})
	require.Error(t, err)
	trapErr, ok := err.(*TrapError)
	require.True(t, ok)
	require.Equal(t, TrapIndirectCallRange, trapErr.Reason)
}

// TestEngineCallLoadWithHighBitStaticOffset exercises scenario S5: a load
// whose static byte offset has bit 31 set, forcing effectiveAddr's 64-bit-
// safe add sequence instead of folding the offset into a single 32-bit
// displacement.
func TestEngineCallLoadWithHighBitStaticOffset(t *testing.T) {
	const offset = uint32(1) << 31
	mod := &ir.Module{
		Types:     []ir.FuncType{{Params: []ir.ValueType{ir.I32}, Results: []ir.ValueType{ir.I32}}},
		Functions: []uint32{0},
		Code: []ir.FunctionBody{{Code: []ir.Instruction{
			{Op: ir.OpLocalGet, Imm1: 0},
			{Op: ir.OpI32Load, Imm2: offset},
			{Op: ir.OpEnd},
		}}},
		FastFunctions: []uint32{0},
	}
	mem := newTestMemory(1)
	mem.buf = make([]byte, uint64(offset)+8)
	mem.buf[offset], mem.buf[offset+1], mem.buf[offset+2], mem.buf[offset+3] = 0xbe, 0xba, 0xfe, 0xca

	eng, err := NewEngine(mod, mem, 0, Config{})
	require.NoError(t, err)

	res, err := eng.Call(0, []uint64{0})
	require.NoError(t, err)
	require.Equal(t, uint64(0xcafebabe), res[0])
}

func truncUModule() *ir.Module {
	return &ir.Module{
		Types:     []ir.FuncType{{Params: []ir.ValueType{ir.F64}, Results: []ir.ValueType{ir.I32}}},
		Functions: []uint32{0},
		Code: []ir.FunctionBody{{Code: []ir.Instruction{
			{Op: ir.OpLocalGet, Imm1: 0},
			{Op: ir.OpI32TruncF64U},
			{Op: ir.OpEnd},
		}}},
		FastFunctions: []uint32{0},
	}
}

// TestEngineCallI32TruncF64UTruncatesTowardZero covers scenario S6.
func TestEngineCallI32TruncF64UTruncatesTowardZero(t *testing.T) {
	eng, err := NewEngine(truncUModule(), newTestMemory(1), 0, Config{})
	require.NoError(t, err)

	res, err := eng.Call(0, []uint64{ir.EncodeF64(123456.7)})
	require.NoError(t, err)
	require.Equal(t, uint64(123456), res[0])
}

func TestEngineCallI32TruncF64UTrapsOnNegativeSource(t *testing.T) {
	eng, err := NewEngine(truncUModule(), newTestMemory(1), 0, Config{})
	require.NoError(t, err)

	_, err = eng.Call(0, []uint64{ir.EncodeF64(-1.0)})
	require.Error(t, err)
	trapErr, ok := err.(*TrapError)
	require.True(t, ok)
	require.Equal(t, TrapFloatConversion, trapErr.Reason)
}
