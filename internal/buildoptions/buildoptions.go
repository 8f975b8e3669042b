//go:build !disable_call_depth_check
// +build !disable_call_depth_check

// Package buildoptions centralizes compile-time knobs for the JIT core,
//
// following the same untyped-constants-behind-a-build-tag convention
// throughout this module's callers.
package buildoptions

const (
	// CheckCallDepth gates emission of the call-depth decrement/check
	// sequence around call and call_indirect. Disabling it is only useful
	// for isolating codegen bugs from the stack-overflow trap path; do not
	// disable it in production builds.
	CheckCallDepth = true

	// DefaultCallDepthBudget seeds jit.Config.CallDepthBudget when the
	// caller leaves it zero.
	DefaultCallDepthBudget = 2000

	// EnableJITLogging gates the debug tracing in jit.NewEngine (each
	// function's size, address and relocation-site count, and the jump-table
	// summary). Off by default; set it to true here for a debugging session.
	EnableJITLogging = false
)
