package beep

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beepproto/beep/greeting"
)

func TestProfileURIsExtractsEachAdvertisement(t *testing.T) {
	ads := []greeting.ProfileAd{
		{URI: "http://example.org/echo"},
		{URI: "http://example.org/tls"},
	}
	require.Equal(t, []string{"http://example.org/echo", "http://example.org/tls"}, profileURIs(ads))
}

func TestProfileURIsHandlesEmptyInput(t *testing.T) {
	require.Empty(t, profileURIs(nil))
}

func TestConnReaderDelegatesToCurrentIO(t *testing.T) {
	conn := newReaderTestConn(t, RoleInitiator)

	first := &bufferRWC{r: bytes.NewBufferString("abc")}
	conn.swapIO(first)

	r := readerFor(conn)
	buf := make([]byte, 3)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "abc", string(buf[:n]))
}

func TestConnReaderFollowsIOSwap(t *testing.T) {
	conn := newReaderTestConn(t, RoleInitiator)

	conn.swapIO(&bufferRWC{r: bytes.NewBufferString("first")})
	r := readerFor(conn)
	buf := make([]byte, 5)
	_, err := r.Read(buf)
	require.NoError(t, err)

	// Swap mid-lifetime, as a tuning reset would; the same connReader must
	// now read from the new handler.
	conn.swapIO(&bufferRWC{r: bytes.NewBufferString("second")})
	buf2 := make([]byte, 6)
	n2, err := r.Read(buf2)
	require.NoError(t, err)
	require.Equal(t, "second", string(buf2[:n2]))
}

func TestAwaitPeerGreetingSucceedsOnDelivery(t *testing.T) {
	conn := newReaderTestConn(t, RoleInitiator)
	conn.greetingCh <- greeting.Greeting{Profiles: []greeting.ProfileAd{{URI: "http://example.org/echo"}}}

	_, err := awaitPeerGreeting(conn)
	require.NoError(t, err)
	require.Equal(t, []string{"http://example.org/echo"}, conn.PeerProfiles())
}

func TestAwaitPeerGreetingTimesOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 20 * time.Millisecond
	ctx, err := NewContext(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Close() })
	conn := newTestConnWithRole(t, ctx, RoleInitiator)

	_, err = awaitPeerGreeting(conn)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestAwaitPeerGreetingFailsWhenConnectionDies(t *testing.T) {
	conn := newReaderTestConn(t, RoleInitiator)
	conn.Shutdown()

	_, err := awaitPeerGreeting(conn)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestSendLocalGreetingAdvertisesRegisteredProfiles(t *testing.T) {
	conn, peer := newCapturingConn(t, RoleInitiator)
	registerTestProfile(t, conn.ctx, "http://example.org/echo", true)

	require.NoError(t, sendLocalGreeting(conn))

	msg := readOneGreetingMessage(t, peer)
	require.Equal(t, greeting.KindGreeting, msg.Kind)
	require.Equal(t, []greeting.ProfileAd{{URI: "http://example.org/echo"}}, msg.Greeting.Profiles)
}

// bufferRWC adapts a bytes.Buffer to io.ReadWriteCloser for connReader tests.
type bufferRWC struct {
	r *bytes.Buffer
}

func (b *bufferRWC) Read(p []byte) (int, error)  { return b.r.Read(p) }
func (b *bufferRWC) Write(p []byte) (int, error) { return len(p), nil }
func (b *bufferRWC) Close() error                { return nil }
