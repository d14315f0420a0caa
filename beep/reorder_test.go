package beep

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderedReleaseDeliversInOrderDespiteReverseArrival(t *testing.T) {
	var released []uint32
	o := newOrderedRelease[string](func(id uint32, item string) {
		released = append(released, id)
	})

	o.expect(1)
	o.expect(2)
	o.expect(3)

	o.submit(3, "c")
	require.Empty(t, released, "id 3 must wait behind 1 and 2")

	o.submit(2, "b")
	require.Empty(t, released, "id 2 must wait behind 1")

	o.submit(1, "a")
	require.Equal(t, []uint32{1, 2, 3}, released)
}

func TestOrderedReleaseHandlesInOrderArrival(t *testing.T) {
	var released []uint32
	o := newOrderedRelease[int](func(id uint32, item int) {
		released = append(released, id)
	})
	o.expect(1)
	o.submit(1, 100)
	o.expect(2)
	o.submit(2, 200)
	require.Equal(t, []uint32{1, 2}, released)
}

func TestOrderedReleaseAbortFailsOutstanding(t *testing.T) {
	o := newOrderedRelease[string](func(id uint32, item string) {
		t.Fatalf("onReady should not fire for aborted id %d", id)
	})
	o.expect(1)
	o.expect(2)
	o.submit(1, "a") // released immediately, no longer pending

	var aborted []uint32
	o.abort(func(id uint32) { aborted = append(aborted, id) })
	require.Equal(t, []uint32{2}, aborted)
	require.Equal(t, 0, o.len())
}

func TestOrderedReleaseIsPending(t *testing.T) {
	o := newOrderedRelease[int](func(uint32, int) {})
	o.expect(5)
	require.True(t, o.isPending(5))
	require.False(t, o.isPending(6))
	o.submit(5, 1)
	require.False(t, o.isPending(5))
}
