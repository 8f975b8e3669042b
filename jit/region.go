package jit

// Region is the fixed-capacity, page-backed executable code buffer shared by
// every emitted artifact in one module: the six trap stubs, one host-call
// trampoline per import, the indirect-call jump table, and every function
// body. Functions are written sequentially so a function's start offset is
// a stable address relative to the region's base for as long as the region
// lives — which is why this module uses one shared region rather than one
// mmap per function.
//
// The region is mapped read-write-execute at construction and stays so.
// finalizeRegion() (end_code in spec terms) records the emitted prefix and
// sets the finalized flag; it does not change page protection, and Alloc and
// Write do not check the flag.
type Region struct {
	buf       []byte
	cursor    int
	final     []byte // set by finalizeRegion(); nil until then
	finalized bool
}

// NewRegion reserves capacity bytes of read-write-execute memory.
// The mmap happens at construction because syscall.Mmap cannot resize in
// place; capacity must be sized generously up front (see Config.
// InitialCodeRegionSize) — any alloc beyond it fails with
// ErrCodeRegionExhausted rather than silently growing, matching the "out of
// code space" fatal failure spec.md calls for.
func NewRegion(capacity int) (*Region, error) {
	// mmapCodeSegment maps PROT_READ|WRITE|EXEC up front (see mmap.go);
	// the region is writable and executable from the start, with no
	// mprotect step afterwards.
	buf, err := mmapCodeSegment(make([]byte, capacity))
	if err != nil {
		return nil, err
	}
	return &Region{buf: buf}, nil
}

// Base returns the region's stable native base address, valid once at
// least one byte has been mmap'd (i.e. always, post-construction).
func (r *Region) Base() uintptr { return sliceAddr(r.buf) }

// Cursor returns the current write position, i.e. start_code()'s handle.
func (r *Region) Cursor() int { return r.cursor }

// Alloc reserves n bytes at the current cursor and returns their start
// offset. The reservation is writable immediately; callers needing an
// absolute address use r.Base()+uintptr(offset).
func (r *Region) Alloc(n int) (int, error) {
	if r.cursor+n > len(r.buf) {
		return 0, ErrCodeRegionExhausted
	}
	start := r.cursor
	r.cursor += n
	return start, nil
}

// Write copies code into the region starting at offset. len(code) must not
// exceed what was reserved for that offset by a prior Alloc.
func (r *Region) Write(offset int, code []byte) {
	copy(r.buf[offset:], code)
}

// Reclaim shrinks the most recent reservation by unused bytes, handing the
// freed tail to the next Alloc. NewEngine reserves each function's exact
// assembled size and does not call it.
func (r *Region) Reclaim(unused int) {
	r.cursor -= unused
}

// Bytes returns the live prefix of the region (everything allocated so
// far), useful for tests that want to disassemble or hash emitted code.
func (r *Region) Bytes() []byte { return r.buf[:r.cursor] }

// finalizeRegion records the emitted prefix in r.final and sets r.finalized.
// Since mmapCodeSegment already maps PROT_EXEC, there is no mprotect step;
// Alloc and Write still succeed afterwards, as neither checks the flag. It
// is kept as a named step so call sites read the same as end_code(handle).
func (r *Region) finalizeRegion() {
	r.finalized = true
	r.final = r.buf[:r.cursor]
}
