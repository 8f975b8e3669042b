//go:build amd64
// +build amd64

package jit

import (
	"fmt"
	"log"
	"reflect"
	"unsafe"

	"github.com/kjx98/athena/internal/buildoptions"
	"github.com/kjx98/athena/ir"
)

// Engine owns one module's compiled code and the runtime state every
// invocation shares: the shared executable region, the relocation table
// used while building it, and the host-provided linear memory. Building an
// Engine compiles every defined function eagerly, per spec.md §3 ("every
// function is compiled exactly once, at module load") rather than lazily on
// first call.
type Engine struct {
	mod *ir.Module
	cfg Config

	region *Region
	rt     runtimeAddrs

	funcAddrs []uintptr

	mem         ir.Memory
	memInstance uintptr
	hostCtx     ir.HostCallContext
}

// NewEngine compiles every defined function in mod and wires every trap
// stub, host trampoline, and indirect-call jump table slot to its final
// native address before returning.
func NewEngine(mod *ir.Module, mem ir.Memory, memInstance uintptr, cfg Config) (*Engine, error) {
	region, err := NewRegion(cfg.initialCodeRegionSize())
	if err != nil {
		return nil, fmt.Errorf("jit: allocating code region: %w", err)
	}

	e := &Engine{
		mod:         mod,
		cfg:         cfg,
		region:      region,
		mem:         mem,
		memInstance: memInstance,
		hostCtx:     ir.HostCallContext{Memory: mem},
	}

	trapHelperAddr := reflect.ValueOf(trapHelper).Pointer()
	trapStubs, err := buildTrapStubs(region, trapHelperAddr)
	if err != nil {
		return nil, fmt.Errorf("jit: building trap stubs: %w", err)
	}
	e.rt.trapStubs = trapStubs

	numImports := mod.NumImportedFunctions()
	numFuncs := numImports + len(mod.Code)
	relocs := newRelocationTable(numFuncs)
	e.funcAddrs = make([]uintptr, numFuncs)

	if numImports > 0 {
		dispatcherAddr := reflect.ValueOf(hostDispatch).Pointer()
		trampolines, err := buildHostTrampolines(region, numImports, dispatcherAddr)
		if err != nil {
			return nil, fmt.Errorf("jit: building host trampolines: %w", err)
		}
		e.rt.hostTrampolines = trampolines
		for i, addr := range trampolines {
			e.funcAddrs[i] = addr
			relocs.resolve(region, uint32(i), addr)
		}
	}

	var jumpSlots []jumpTableSlot
	if len(mod.Table) > 0 {
		typeIDOf := func(fnIdx uint32) uint32 { return mod.FastFunctions[fnIdx] }
		base, slots, err := buildJumpTable(region, mod.Table, typeIDOf,
			e.rt.trapAddr(TrapIndirectCallRange), e.rt.trapAddr(TrapIndirectCallType))
		if err != nil {
			return nil, fmt.Errorf("jit: building jump table: %w", err)
		}
		e.rt.jumpTableBase = region.Base() + uintptr(base)
		e.rt.jumpTableStride = jumpTableStride
		jumpSlots = slots

		if buildoptions.EnableJITLogging {
			log.Printf("jit: jump table: %d slot(s) at 0x%x, stride %d", len(slots), e.rt.jumpTableBase, jumpTableStride)
		}
	}

	memSizeAddr := reflect.ValueOf(memorySizeHelper).Pointer()
	memGrowAddr := reflect.ValueOf(memoryGrowHelper).Pointer()

	for i := range mod.Code {
		fnIdx := uint32(numImports + i)
		comp, err := newAMD64Compiler(mod, fnIdx, region, relocs, &cfg, &e.rt)
		if err != nil {
			return nil, fmt.Errorf("jit: setting up compiler for function %d: %w", fnIdx, err)
		}
		code, sites, err := comp.compile()
		if err != nil {
			return nil, err
		}
		off, err := region.Alloc(len(code))
		if err != nil {
			return nil, fmt.Errorf("jit: allocating function %d: %w", fnIdx, err)
		}
		region.Write(off, code)
		addr := region.Base() + uintptr(off)
		e.funcAddrs[fnIdx] = addr
		relocs.resolve(region, fnIdx, addr)

		for _, site := range sites {
			resolveCallSite(region, relocs, &e.rt, site.callee, off+site.progOffset, memSizeAddr, memGrowAddr)
		}

		if buildoptions.EnableJITLogging {
			log.Printf("jit: function %d: %d bytes at 0x%x, %d relocation site(s)", fnIdx, len(code), addr, len(sites))
		}
	}

	for _, slot := range jumpSlots {
		if slot.calleeRelOffset < 0 {
			continue
		}
		patchRel32(region, slot.calleeRelOffset, e.funcAddrs[slot.funcIdx])
	}

	region.finalizeRegion()
	return e, nil
}

// resolveCallSite dispatches one emitAbsoluteCall relocation to its final
// address: a real function index goes through relocs the same way a
// forward-referenced function does, while a sentinel callee (a trap stub or
// a Go-ABI helper, see compiler_amd64.go's stub* consts) patches directly,
// since those addresses are already known before any function is compiled.
func resolveCallSite(region *Region, relocs *relocationTable, rt *runtimeAddrs, callee uint32, offset int, memSizeAddr, memGrowAddr uintptr) {
	switch callee {
	case stubUnreachable:
		patchAbsolutePointer(region, offset, rt.trapAddr(TrapUnreachable))
	case stubIntDivTrap:
		patchAbsolutePointer(region, offset, rt.trapAddr(TrapIntegerDivide))
	case stubFPTrap:
		patchAbsolutePointer(region, offset, rt.trapAddr(TrapFloatConversion))
	case stubIndirectRangeTrap:
		patchAbsolutePointer(region, offset, rt.trapAddr(TrapIndirectCallRange))
	case stubIndirectTypeTrap:
		patchAbsolutePointer(region, offset, rt.trapAddr(TrapIndirectCallType))
	case stubStackOverflowTrap:
		patchAbsolutePointer(region, offset, rt.trapAddr(TrapStackOverflow))
	case stubMemorySizeHelper:
		patchAbsolutePointer(region, offset, memSizeAddr)
	case stubMemoryGrowHelper:
		patchAbsolutePointer(region, offset, memGrowAddr)
	default:
		relocs.addPendingCall(region, callee, offset)
	}
}

// Call invokes the defined or imported function at fnIdx with args in Wasm
// parameter order and returns its single result slot (empty if the
// function's signature has no result).
func (e *Engine) Call(fnIdx uint32, args []uint64) ([]uint64, error) {
	if int(fnIdx) >= len(e.funcAddrs) {
		return nil, fmt.Errorf("jit: function index %d out of range", fnIdx)
	}
	ft := e.mod.FuncTypeOf(fnIdx)
	if len(args) != len(ft.Params) {
		return nil, fmt.Errorf("jit: function %d expects %d arguments, got %d", fnIdx, len(ft.Params), len(args))
	}

	ctx := &execContext{engine: uintptr(unsafe.Pointer(e))}

	var argsBase uintptr
	if len(args) > 0 {
		argsBase = uintptr(unsafe.Pointer(&args[0]))
	}

	result, status := jitcall(
		e.funcAddrs[fnIdx],
		uintptr(unsafe.Pointer(ctx)),
		e.mem.Base(),
		uintptr(e.cfg.callDepthBudget()),
		argsBase,
		uintptr(len(args)),
	)

	if status == statusTrapped {
		return nil, &TrapError{Reason: TrapReason(ctx.trapReason)}
	}
	if len(ft.Results) == 0 {
		return nil, nil
	}
	return []uint64{result}, nil
}
