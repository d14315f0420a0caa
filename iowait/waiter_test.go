package iowait

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaiterFansInReadyBytes(t *testing.T) {
	w := New(Select, 8)
	defer w.Close()

	client, server := net.Pipe()
	defer client.Close()

	w.Watch(1, server, 64)

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case ev := <-w.Ready():
		require.Equal(t, uint64(1), ev.ID)
		require.NoError(t, ev.Err)
		require.Equal(t, "hello", string(ev.Buf[:ev.N]))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for readiness event")
	}
}

func TestWaiterReportsReadErrorOnClose(t *testing.T) {
	w := New(Select, 8)
	defer w.Close()

	client, server := net.Pipe()
	w.Watch(1, server, 64)

	require.NoError(t, client.Close())

	select {
	case ev := <-w.Ready():
		require.Equal(t, uint64(1), ev.ID)
		require.Error(t, ev.Err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error event")
	}
}

func TestWaiterKeepsOneSlowConnectionFromBlockingAnother(t *testing.T) {
	w := New(Select, 8)
	defer w.Close()

	slowClient, slowServer := net.Pipe()
	defer slowClient.Close()
	fastClient, fastServer := net.Pipe()
	defer fastClient.Close()

	w.Watch(1, slowServer, 64) // never written to
	w.Watch(2, fastServer, 64)

	_, err := fastClient.Write([]byte("fast"))
	require.NoError(t, err)

	select {
	case ev := <-w.Ready():
		require.Equal(t, uint64(2), ev.ID)
		require.Equal(t, "fast", string(ev.Buf[:ev.N]))
	case <-time.After(time.Second):
		t.Fatal("fast connection's readiness was blocked by the slow one")
	}
}

func TestUnwatchRemovesFromWatchTable(t *testing.T) {
	w := New(Select, 8)
	defer w.Close()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	w.Watch(1, server, 64)

	w.mu.Lock()
	_, stillWatched := w.watched[1]
	w.mu.Unlock()
	require.True(t, stillWatched)

	w.Unwatch(1)

	w.mu.Lock()
	_, stillWatched = w.watched[1]
	w.mu.Unlock()
	require.False(t, stillWatched)

	// Unwatch must be idempotent.
	require.NotPanics(t, func() { w.Unwatch(1) })
}

func TestCloseStopsAllWatchers(t *testing.T) {
	w := New(Select, 8)

	client, server := net.Pipe()
	defer client.Close()
	w.Watch(1, server, 64)

	// A watcher goroutine blocked in Read only unblocks once its underlying
	// connection is closed; Close's stop signal alone can't interrupt an
	// in-flight Read. Context.Close shuts every connection down, closing its
	// socket, before it closes the waiter — mirror that here.
	done := make(chan struct{})
	go func() {
		_ = server.Close()
		w.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
}
