//go:build darwin || linux
// +build darwin linux

package jit

import "syscall"

const mmapFlags = syscall.MAP_ANON
