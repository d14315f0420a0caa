package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

// captureHandler records every slog.Record it receives, for asserting on
// bound fields without depending on text/JSON output formatting.
type captureHandler struct {
	records *[]slog.Record
}

func (h captureHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h captureHandler) Handle(_ context.Context, r slog.Record) error {
	*h.records = append(*h.records, r)
	return nil
}
func (h captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return attrsHandler{captureHandler: h, attrs: attrs}
}
func (h captureHandler) WithGroup(string) slog.Handler { return h }

// attrsHandler is slog's usual WithAttrs pattern: each bound-attrs call
// wraps the previous handler and prepends its attrs on Handle.
type attrsHandler struct {
	captureHandler
	attrs []slog.Attr
}

func (h attrsHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(h.attrs...)
	return h.captureHandler.Handle(ctx, r)
}

func withCapture(t *testing.T) *[]slog.Record {
	t.Helper()
	records := &[]slog.Record{}
	prev := handler.Load()
	h := slog.Handler(captureHandler{records: records})
	handler.Store(&h)
	t.Cleanup(func() { handler.Store(prev) })
	return records
}

func TestLoggerWithBindsFields(t *testing.T) {
	records := withCapture(t)

	l := New().With("conn", uint64(7))
	l.Info("channel opened", "channel", 1)

	require.Len(t, *records, 1)
	r := (*records)[0]
	require.Equal(t, "channel opened", r.Message)

	got := map[string]any{}
	r.Attrs(func(a slog.Attr) bool {
		got[a.Key] = a.Value.Any()
		return true
	})
	require.Equal(t, uint64(7), got["conn"])
	require.Equal(t, int64(1), toInt64(got["channel"]))
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	default:
		return -1
	}
}

func TestLoggerLevelsDispatchToUnderlyingHandler(t *testing.T) {
	records := withCapture(t)

	l := New()
	l.Debug("debug msg")
	l.Info("info msg")
	l.Warn("warn msg")
	l.Error("error msg")

	require.Len(t, *records, 4)
	require.Equal(t, slog.LevelDebug, (*records)[0].Level)
	require.Equal(t, slog.LevelInfo, (*records)[1].Level)
	require.Equal(t, slog.LevelWarn, (*records)[2].Level)
	require.Equal(t, slog.LevelError, (*records)[3].Level)
}

func TestSetLevelFiltersBelowThreshold(t *testing.T) {
	prev := handler.Load()
	t.Cleanup(func() { handler.Store(prev) })

	SetLevel(slog.LevelWarn)
	l := New()
	require.False(t, l.l.Enabled(context.Background(), slog.LevelInfo))
	require.True(t, l.l.Enabled(context.Background(), slog.LevelWarn))
}
