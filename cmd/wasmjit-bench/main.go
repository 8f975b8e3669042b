// Command wasmjit-bench compiles a couple of hand-built function bodies and
// times repeated invocation, the way a teacher's cmd/ tool doubles as a
// smoke test for its own engine before any decoder exists to feed it real
// wasm binaries.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/kjx98/athena/ir"
	"github.com/kjx98/athena/jit"
)

func main() {
	doMain(os.Stdout, os.Exit)
}

// doMain is separated out for the purpose of unit testing.
func doMain(stdOut *os.File, exit func(code int)) {
	iters := flag.Int("iters", 1_000_000, "number of repeated invocations to time")
	flag.Parse()

	mod := sampleModule()
	mem := newFlatMemory(1)
	eng, err := jit.NewEngine(mod, mem, 0, jit.Config{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "compile failed:", err)
		exit(1)
		return
	}

	res, err := eng.Call(0, []uint64{17, 25})
	if err != nil {
		fmt.Fprintln(os.Stderr, "call failed:", err)
		exit(1)
		return
	}
	fmt.Fprintf(stdOut, "add(17, 25) = %d\n", int32(res[0]))

	start := time.Now()
	for i := 0; i < *iters; i++ {
		if _, err := eng.Call(0, []uint64{uint64(i), 1}); err != nil {
			fmt.Fprintln(os.Stderr, "call failed:", err)
			exit(1)
			return
		}
	}
	elapsed := time.Since(start)
	fmt.Fprintf(stdOut, "%d calls in %s (%.1f ns/call)\n", *iters, elapsed, float64(elapsed.Nanoseconds())/float64(*iters))
}

// sampleModule builds a single-function module: func $add(a i32, b i32) i32
// { return a + b }. Real modules arrive pre-decoded into this shape; see
// ir.Module's doc comment.
func sampleModule() *ir.Module {
	return &ir.Module{
		Types:     []ir.FuncType{{Params: []ir.ValueType{ir.I32, ir.I32}, Results: []ir.ValueType{ir.I32}}},
		Functions: []uint32{0},
		Code: []ir.FunctionBody{{
			Code: []ir.Instruction{
				{Op: ir.OpLocalGet, Imm1: 0},
				{Op: ir.OpLocalGet, Imm1: 1},
				{Op: ir.OpI32Add},
				{Op: ir.OpEnd},
			},
		}},
		FastFunctions: []uint32{0},
	}
}

// flatMemory is the minimal ir.Memory an embedder without a real linear
// memory allocator needs to drive the engine; growth just reallocates and
// copies, unlike a production allocator's reserved-address-space approach.
type flatMemory struct {
	buf []byte
}

func newFlatMemory(initialPages uint32) *flatMemory {
	return &flatMemory{buf: make([]byte, int(initialPages)*65536)}
}

func (m *flatMemory) Len() uint32   { return uint32(len(m.buf)) }
func (m *flatMemory) Base() uintptr { return uintptr(unsafe.Pointer(&m.buf[0])) }

func (m *flatMemory) Grow(deltaPages uint32) (previousPages uint32, ok bool) {
	prev := uint32(len(m.buf)) / 65536
	grown := make([]byte, len(m.buf)+int(deltaPages)*65536)
	copy(grown, m.buf)
	m.buf = grown
	return prev, true
}
