package jit

// relocState is a callee's relocation record: pending call sites awaiting
// an address, or the callee's resolved start address. The state transitions
// monotonically pending -> resolved exactly once, when the callee's
// start_function is recorded, per spec.md §3/§9 ("Cyclic relocations").
type relocState struct {
	resolved bool
	addr     uintptr
	pending  []int // code-region byte offsets of the 8-byte pointer immediate to patch
}

// relocationTable is a vector-of-variants indexed by function id, exactly
// as spec.md §9 recommends: "Re-implement as a tagged variant keyed by
// function index; a vector-of-variants indexed by function id suffices."
//
// Every direct call in this compiler (to a defined function or to an
// import's host trampoline) goes through this table rather than through
// golang-asm's own Prog.To.SetTarget linking, because golang-asm only
// resolves jumps within one function's own independently-assembled Prog
// graph (see compiler_amd64.go's emitAbsoluteCall). Call sites aimed at trap
// stubs and Go helpers are patched directly by engine.go's resolveCallSite,
// and call_indirect jump-table slots are patched from NewEngine's funcAddrs
// via patchRel32; neither goes through this table.
type relocationTable struct {
	entries []relocState
}

func newRelocationTable(numFunctions int) *relocationTable {
	return &relocationTable{entries: make([]relocState, numFunctions)}
}

// addPendingCall records that the 8-byte absolute-pointer immediate at
// codeOffset must be patched with callee's address once known. If the
// callee is already resolved the patch happens immediately and region is
// asked to apply it.
func (t *relocationTable) addPendingCall(region *Region, callee uint32, codeOffset int) {
	e := &t.entries[callee]
	if e.resolved {
		patchAbsolutePointer(region, codeOffset, e.addr)
		return
	}
	e.pending = append(e.pending, codeOffset)
}

// resolve records fn's start address and patches every call site that was
// waiting on it. Safe to call at most once per function index (enforced by
// spec.md's "started" terminology: a function is started exactly once).
func (t *relocationTable) resolve(region *Region, fn uint32, addr uintptr) {
	e := &t.entries[fn]
	e.resolved = true
	e.addr = addr
	for _, off := range e.pending {
		patchAbsolutePointer(region, off, addr)
	}
	e.pending = nil
}

// patchAbsolutePointer overwrites the 8-byte little-endian pointer
// immediate at offset with addr. Every cross-function call site in this
// compiler uses the `MOVQ $placeholder, reg; CALL reg` idiom (eos-vm's own
// documented fix_branch64 fallback) unconditionally rather than a rel32
// CALL, because nothing guarantees the mmap'd region and an arbitrary
// callee both land within +-2GiB of each other the way eos-vm's single
// static binary does.
func patchAbsolutePointer(region *Region, offset int, addr uintptr) {
	var b [8]byte
	v := uint64(addr)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	region.Write(offset, b[:])
}

// patchRel32 overwrites the 4-byte displacement of a JMP/Jcc rel32 whose
// opcode byte sits immediately before offset, the jump table's one
// exception to this compiler's absolute-pointer-everywhere rule (see
// jumptable_amd64.go).
func patchRel32(region *Region, offset int, target uintptr) {
	instrEnd := int64(region.Base()) + int64(offset) + 4
	rel := int32(int64(target) - instrEnd)
	var b [4]byte
	v := uint32(rel)
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
	region.Write(offset, b[:])
}
