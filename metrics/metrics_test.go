package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewSetRegistersIndependently(t *testing.T) {
	a := New()
	b := New()

	a.ConnectionsOpen.Inc()
	require.Equal(t, float64(1), testutil.ToFloat64(a.ConnectionsOpen))
	require.Equal(t, float64(0), testutil.ToFloat64(b.ConnectionsOpen), "each Set must own an independent registry")
}

func TestFramesSentTotalLabelsByFrameType(t *testing.T) {
	s := New()
	s.FramesSentTotal.WithLabelValues("MSG").Inc()
	s.FramesSentTotal.WithLabelValues("MSG").Inc()
	s.FramesSentTotal.WithLabelValues("RPY").Inc()

	require.Equal(t, float64(2), testutil.ToFloat64(s.FramesSentTotal.WithLabelValues("MSG")))
	require.Equal(t, float64(1), testutil.ToFloat64(s.FramesSentTotal.WithLabelValues("RPY")))
	require.Equal(t, float64(0), testutil.ToFloat64(s.FramesSentTotal.WithLabelValues("ERR")))
}

func TestChannelsOpenGaugeIncDec(t *testing.T) {
	s := New()
	s.ChannelsOpen.Inc()
	s.ChannelsOpen.Inc()
	s.ChannelsOpen.Dec()
	require.Equal(t, float64(1), testutil.ToFloat64(s.ChannelsOpen))
}

func TestHandlerServesPrometheusExposition(t *testing.T) {
	s := New()
	s.ProtocolErrors.Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "beep_protocol_errors_total 1")
}
