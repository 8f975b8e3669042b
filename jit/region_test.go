package jit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestRegionAllocWriteReclaimRoundTrip covers SPEC_FULL.md §13's mandated
// alloc→reclaim coverage: a reservation can be shrunk after the fact and the
// freed tail is handed back out by the next Alloc.
func TestRegionAllocWriteReclaimRoundTrip(t *testing.T) {
	region, err := NewRegion(4096)
	require.NoError(t, err)

	off, err := region.Alloc(64)
	require.NoError(t, err)
	require.Equal(t, 0, off)

	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}
	region.Write(off, payload)
	require.Equal(t, payload, region.Bytes()[off:off+64])

	region.Reclaim(32)
	require.Equal(t, 32, region.Cursor())

	off2, err := region.Alloc(16)
	require.NoError(t, err)
	require.Equal(t, 32, off2)

	region.finalizeRegion()
	require.Equal(t, 48, len(region.Bytes()))
}

func TestRegionAllocBeyondCapacityFails(t *testing.T) {
	region, err := NewRegion(16)
	require.NoError(t, err)

	_, err = region.Alloc(8)
	require.NoError(t, err)

	_, err = region.Alloc(16)
	require.ErrorIs(t, err, ErrCodeRegionExhausted)
}
