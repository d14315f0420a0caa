package profile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{URI: "http://example.org/echo"}))

	reg, ok := r.Lookup("http://example.org/echo", nil)
	require.True(t, ok)
	require.Equal(t, "http://example.org/echo", reg.URI)

	_, ok = r.Lookup("http://example.org/missing", nil)
	require.False(t, ok)
}

func TestRegisterRejectsDuplicateURI(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{URI: "http://example.org/echo"}))
	err := r.Register(Registration{URI: "http://example.org/echo"})
	require.Error(t, err)
}

func TestUnregisterRemovesProfile(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{URI: "http://example.org/echo"}))
	r.Unregister("http://example.org/echo")
	_, ok := r.Lookup("http://example.org/echo", nil)
	require.False(t, ok)
}

func TestMaskHidesProfileFromLookupAndAdvertised(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{URI: "http://example.org/sasl/plain"}))
	require.NoError(t, r.Register(Registration{URI: "http://example.org/echo"}))

	type fakeConn struct{ saslDone bool }
	done := &fakeConn{saslDone: true}
	notDone := &fakeConn{saslDone: false}

	require.NoError(t, r.Mask("http://example.org/sasl/plain", func(conn any) bool {
		c, _ := conn.(*fakeConn)
		return c != nil && c.saslDone
	}))

	_, ok := r.Lookup("http://example.org/sasl/plain", done)
	require.False(t, ok, "masked profile must not be returned once its predicate is true")

	_, ok = r.Lookup("http://example.org/sasl/plain", notDone)
	require.True(t, ok)

	require.Equal(t, []string{"http://example.org/echo"}, r.Advertised(done))
	require.Equal(t, []string{"http://example.org/echo", "http://example.org/sasl/plain"}, r.Advertised(notDone))
}

func TestMaskOnUnknownProfileErrors(t *testing.T) {
	r := NewRegistry()
	err := r.Mask("http://example.org/nope", func(any) bool { return true })
	require.Error(t, err)
}

func TestAdvertisedIsSortedAndDeterministic(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{URI: "http://z.example.org/p"}))
	require.NoError(t, r.Register(Registration{URI: "http://a.example.org/p"}))
	require.NoError(t, r.Register(Registration{URI: "http://m.example.org/p"}))

	got := r.Advertised(nil)
	require.Equal(t, []string{
		"http://a.example.org/p",
		"http://m.example.org/p",
		"http://z.example.org/p",
	}, got)
}
