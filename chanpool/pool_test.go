package chanpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beepproto/beep"
	"github.com/beepproto/beep/greeting"
	"github.com/beepproto/beep/profile"
)

const echoProfileURI = "http://example.org/beep/echo"

func newPoolTestConn(t *testing.T) *beep.Connection {
	t.Helper()
	cfg := beep.DefaultConfig()
	cfg.DefaultTimeout = 5 * time.Second

	serverCtx, err := beep.NewContext(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverCtx.Close() })
	clientCtx, err := beep.NewContext(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientCtx.Close() })

	reg := profile.Registration{
		URI: echoProfileURI,
		FrameReceived: func(conn, channel any, msgno uint32, payload []byte) {
			ch := channel.(*beep.Channel)
			_ = ch.SendRpy(msgno, payload)
		},
	}
	require.NoError(t, serverCtx.Profiles().Register(reg))
	require.NoError(t, clientCtx.Profiles().Register(reg))

	ln, err := beep.Listen(serverCtx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() { _, _ = ln.Accept() }()

	conn, err := beep.Connect(clientCtx, "tcp", ln.Addr().String())
	require.NoError(t, err)
	return conn
}

func candidates() []greeting.ProfileAd {
	return []greeting.ProfileAd{{URI: echoProfileURI}}
}

func TestPoolGrowAddsChannels(t *testing.T) {
	conn := newPoolTestConn(t)
	p := New(conn, "", candidates())
	require.NoError(t, p.Grow(3))
	require.Equal(t, 3, p.Len())
}

func TestGetNextReadyRoundRobins(t *testing.T) {
	conn := newPoolTestConn(t)
	p := New(conn, "", candidates())
	require.NoError(t, p.Grow(3))

	var seen []uint32
	for i := 0; i < 6; i++ {
		ch, err := p.GetNextReady(false)
		require.NoError(t, err)
		seen = append(seen, ch.Number())
	}
	// six draws over three members must repeat the same cycle twice.
	require.Equal(t, seen[0:3], seen[3:6])
	require.Len(t, uniqueUint32(seen), 3)
}

func TestGetNextReadyAutoGrowsWhenEmpty(t *testing.T) {
	conn := newPoolTestConn(t)
	p := New(conn, "", candidates())
	require.Equal(t, 0, p.Len())

	ch, err := p.GetNextReady(true)
	require.NoError(t, err)
	require.NotNil(t, ch)
	require.Equal(t, 1, p.Len())
}

func TestGetNextReadyWithoutAutoGrowErrorsWhenEmpty(t *testing.T) {
	conn := newPoolTestConn(t)
	p := New(conn, "", candidates())
	_, err := p.GetNextReady(false)
	require.Error(t, err)
}

func TestReleaseDropsChannelFromRotationWithoutClosingIt(t *testing.T) {
	conn := newPoolTestConn(t)
	p := New(conn, "", candidates())
	require.NoError(t, p.Grow(2))

	ch, err := p.GetNextReady(false)
	require.NoError(t, err)
	p.Release(ch)
	require.Equal(t, 1, p.Len())
	require.Equal(t, beep.ChannelOpen, ch.State(), "Release must not close the channel")
}

func TestCloseClosesEveryMemberChannel(t *testing.T) {
	conn := newPoolTestConn(t)
	p := New(conn, "", candidates())
	require.NoError(t, p.Grow(2))

	var members []*beep.Channel
	for i := 0; i < 2; i++ {
		ch, err := p.GetNextReady(false)
		require.NoError(t, err)
		members = append(members, ch)
	}

	require.NoError(t, p.Close())
	require.Equal(t, 0, p.Len())
	for _, ch := range members {
		require.Equal(t, beep.ChannelClosed, ch.State())
	}

	_, err := p.GetNextReady(false)
	require.Error(t, err, "Close must leave the pool unusable")
}

func uniqueUint32(in []uint32) []uint32 {
	seen := make(map[uint32]bool)
	var out []uint32
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
