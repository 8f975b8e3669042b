//go:build amd64
// +build amd64

package jit

import "github.com/twitchyliquid64/golang-asm/obj/x86"

// jumpTableStride is fixed at 17 bytes (spec.md §4.5/REDESIGN): CMPL
// regScratch1,$typeID (6 bytes) ; JE rel32 callee (6 bytes) ; JMP rel32
// type-trap-stub (5 bytes). Both branches are rel32 displacements resolved
// within the shared region — the jump table and every function body and
// trap stub all live in the one mmap'd region, so a rel32 reach is always
// enough, unlike a function calling an arbitrary external callee. Because
// golang-asm's pass-based relaxation can only widen a Jcc/JMP to rel32 once
// it can see both ends of the jump in the same Builder, and the callee's
// address is not known until every function has been compiled, this file
// hand-encodes the three instructions' bytes directly rather than routing
// them through a Builder: the byte layout below is fixed by inspection, not
// discovered at assemble time, so the stride this compiler promises and the
// stride it actually emits can never drift apart again.
const jumpTableStride = 17

func init() {
	if regScratch1 != x86.REG_DX {
		panic("jumptable_amd64: hand-encoded slot assumes regScratch1 is DX")
	}
}

// jumpTableSlot records where a built slot's callee branch still needs
// patching once every function's final address is known.
type jumpTableSlot struct {
	// calleeRelOffset is the absolute region offset of the slot's JE rel32
	// displacement field, or -1 for an absent (unfilled) table entry, which
	// has no callee branch to patch.
	calleeRelOffset int
	typeID          uint32
	funcIdx         uint32 // TableAbsent if unfilled
	slotOffset      int
}

// tableAbsentSentinel mirrors ir.TableAbsent; duplicated here rather than
// imported to keep this file free of the ir package's validated-module
// assumptions (a jump table slot only needs the bare function index).
const tableAbsentSentinel = ^uint32(0)

// buildJumpTable emits one 17-byte slot per table entry and returns the
// table's base offset plus the per-slot metadata needed to patch each
// slot's callee branch once function addresses are known.
func buildJumpTable(region *Region, table []uint32, typeIDOf func(funcIdx uint32) uint32, rangeTrapAddr, typeTrapAddr uintptr) (base int, slots []jumpTableSlot, err error) {
	if len(table) == 0 {
		return 0, nil, nil
	}
	base, err = region.Alloc(len(table) * jumpTableStride)
	if err != nil {
		return 0, nil, err
	}
	slots = make([]jumpTableSlot, len(table))
	for i, fn := range table {
		off := base + i*jumpTableStride
		if fn == tableAbsentSentinel {
			region.Write(off, assembleAbsentSlot())
			patchRel32(region, off+1, rangeTrapAddr)
			slots[i] = jumpTableSlot{calleeRelOffset: -1, funcIdx: fn, slotOffset: off}
			continue
		}
		typeID := typeIDOf(fn)
		region.Write(off, assembleValidSlot(typeID))
		patchRel32(region, off+13, typeTrapAddr)
		slots[i] = jumpTableSlot{calleeRelOffset: off + 8, typeID: typeID, funcIdx: fn, slotOffset: off}
	}
	return base, slots, nil
}

// assembleValidSlot hand-encodes: CMPL %edx,$typeID ; JE rel32 (patched by
// the caller once the callee's address is known) ; JMP rel32 (patched
// immediately below, to the type-trap stub). ModRM 0xFA is mod=11 (direct
// register), reg=111 (CMP's opcode-extension field), rm=010 (edx) — fixed
// by the regScratch1==DX invariant this file's init() enforces.
func assembleValidSlot(typeID uint32) []byte {
	b := make([]byte, jumpTableStride)
	b[0], b[1] = 0x81, 0xFA
	putLE32(b[2:6], typeID)
	b[6], b[7] = 0x0F, 0x84 // JE rel32; rel32 at b[8:12], patched by the caller
	b[12] = 0xE9            // JMP rel32; rel32 at b[13:17]
	return b
}

// assembleAbsentSlot hand-encodes a bare JMP rel32 to the range-trap stub,
// padded with NOPs to the full slot stride so every slot's address is
// base+i*jumpTableStride regardless of whether the entry is filled.
func assembleAbsentSlot() []byte {
	b := make([]byte, jumpTableStride)
	b[0] = 0xE9 // JMP rel32; rel32 at b[1:5]
	for i := 5; i < len(b); i++ {
		b[i] = 0x90 // NOP, never reached past the unconditional jump above
	}
	return b
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
