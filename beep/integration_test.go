package beep

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beepproto/beep/greeting"
	"github.com/beepproto/beep/profile"
)

const echoProfileURI = "http://example.org/beep/echo"

func newTestPair(t *testing.T) (*Context, *Context, *Listener) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 5 * time.Second

	serverCtx, err := NewContext(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverCtx.Close() })

	clientCtx, err := NewContext(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientCtx.Close() })

	ln, err := Listen(serverCtx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	return serverCtx, clientCtx, ln
}

// echoRegistration accepts every <start> and replies to each MSG with the
// uppercased payload.
func echoRegistration() profile.Registration {
	return profile.Registration{
		URI: echoProfileURI,
		FrameReceived: func(conn, channel any, msgno uint32, payload []byte) {
			ch := channel.(*Channel)
			_ = ch.SendRpy(msgno, bytes.ToUpper(payload))
		},
	}
}

func registerEchoProfile(t *testing.T, ctx *Context) {
	t.Helper()
	require.NoError(t, ctx.Profiles().Register(echoRegistration()))
}

func TestGreetingExchangeAndChannelStart(t *testing.T) {
	serverCtx, clientCtx, ln := newTestPair(t)
	registerEchoProfile(t, serverCtx)
	registerEchoProfile(t, clientCtx)

	go func() { _, _ = ln.Accept() }()

	clientConn, err := Connect(clientCtx, "tcp", ln.Addr().String())
	require.NoError(t, err)
	require.Contains(t, clientConn.PeerProfiles(), echoProfileURI)

	ch, err := clientConn.StartChannel("", []greeting.ProfileAd{{URI: echoProfileURI}})
	require.NoError(t, err)
	require.Equal(t, echoProfileURI, ch.ProfileURI())
	require.Equal(t, ChannelOpen, ch.State())
}

func TestMSGReplyRoundTrip(t *testing.T) {
	serverCtx, clientCtx, ln := newTestPair(t)
	registerEchoProfile(t, serverCtx)
	registerEchoProfile(t, clientCtx)

	go func() { _, _ = ln.Accept() }()

	clientConn, err := Connect(clientCtx, "tcp", ln.Addr().String())
	require.NoError(t, err)

	ch, err := clientConn.StartChannel("", []greeting.ProfileAd{{URI: echoProfileURI}})
	require.NoError(t, err)

	msgno, err := ch.SendMSG([]byte("hello beep"))
	require.NoError(t, err)

	reply, err := ch.GetReply(msgno, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, reply.Err)
	require.Equal(t, "HELLO BEEP", string(reply.Payload))
}

func TestMultipleRepliesArriveInMsgnoOrder(t *testing.T) {
	serverCtx, clientCtx, ln := newTestPair(t)

	// The server profile answers out of submission order, delaying the first
	// reply; the second and third replies must still surface only after the
	// first. With Serialize on (the default) the server's owed-reply gate
	// already keeps the wire in msgno order, and the client's outReplies
	// releases them in that order.
	require.NoError(t, serverCtx.Profiles().Register(profile.Registration{
		URI: echoProfileURI,
		FrameReceived: func(conn, channel any, msgno uint32, payload []byte) {
			ch := channel.(*Channel)
			delay := 30 * time.Millisecond
			if msgno != 0 {
				delay = 0
			}
			go func() {
				time.Sleep(delay)
				_ = ch.SendRpy(msgno, bytes.ToUpper(payload))
			}()
		},
	}))
	registerEchoProfile(t, clientCtx)

	go func() { _, _ = ln.Accept() }()

	clientConn, err := Connect(clientCtx, "tcp", ln.Addr().String())
	require.NoError(t, err)

	ch, err := clientConn.StartChannel("", []greeting.ProfileAd{{URI: echoProfileURI}})
	require.NoError(t, err)

	var msgnos []uint32
	for _, w := range []string{"first", "second", "third"} {
		n, err := ch.SendMSG([]byte(w))
		require.NoError(t, err)
		msgnos = append(msgnos, n)
	}

	for i, w := range []string{"FIRST", "SECOND", "THIRD"} {
		reply, err := ch.GetReply(msgnos[i], 2*time.Second)
		require.NoError(t, err)
		require.Equal(t, w, string(reply.Payload))
	}
}

func TestStartRejectsUnknownProfile(t *testing.T) {
	_, clientCtx, ln := newTestPair(t)
	// server never registers the profile the client requests.

	go func() { _, _ = ln.Accept() }()

	clientConn, err := Connect(clientCtx, "tcp", ln.Addr().String())
	require.NoError(t, err)

	_, err = clientConn.StartChannel("", []greeting.ProfileAd{{URI: "http://example.org/beep/nonexistent"}})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "error code"))
}

func TestCloseChannelRoundTrip(t *testing.T) {
	serverCtx, clientCtx, ln := newTestPair(t)
	registerEchoProfile(t, serverCtx)
	registerEchoProfile(t, clientCtx)

	go func() { _, _ = ln.Accept() }()

	clientConn, err := Connect(clientCtx, "tcp", ln.Addr().String())
	require.NoError(t, err)

	ch, err := clientConn.StartChannel("", []greeting.ProfileAd{{URI: echoProfileURI}})
	require.NoError(t, err)

	require.NoError(t, clientConn.CloseChannel(ch.Number()))
	require.Equal(t, ChannelClosed, ch.State())
}
