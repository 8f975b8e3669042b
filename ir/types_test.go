package ir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFloatRoundTrip(t *testing.T) {
	require.Equal(t, float32(3.5), DecodeF32(EncodeF32(3.5)))
	require.Equal(t, float64(-1.25), DecodeF64(EncodeF64(-1.25)))
}

func TestFuncTypeCanonicalKeyDistinguishesShapes(t *testing.T) {
	a := &FuncType{Params: []ValueType{I32, I64}, Results: []ValueType{I32}}
	b := &FuncType{Params: []ValueType{I32, I64}, Results: []ValueType{I32}}
	c := &FuncType{Params: []ValueType{I64, I32}, Results: []ValueType{I32}}

	require.Equal(t, a.CanonicalKey(), b.CanonicalKey())
	require.NotEqual(t, a.CanonicalKey(), c.CanonicalKey())
}

func TestValueTypeIs64(t *testing.T) {
	require.True(t, I64.Is64())
	require.True(t, F64.Is64())
	require.False(t, I32.Is64())
	require.False(t, F32.Is64())
}
