package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, fn func(logger *slog.Logger)) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(&RedactingHandler{base: base})
	fn(logger)

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestRedactsCredentialShapedKeys(t *testing.T) {
	out := capture(t, func(l *slog.Logger) {
		l.Info("msg",
			slog.String("api_key", "sk-secret"),
			slog.String("authorization", "Bearer abc"),
			slog.String("admin_token", "tok"),
			slog.String("model_id", "m1"),
		)
	})
	require.Equal(t, "[REDACTED]", out["api_key"])
	require.Equal(t, "[REDACTED]", out["authorization"])
	require.Equal(t, "[REDACTED]", out["admin_token"])
	require.Equal(t, "m1", out["model_id"])
}

func TestRedactsDirectiveAndOutputBodies(t *testing.T) {
	out := capture(t, func(l *slog.Logger) {
		l.Info("msg",
			slog.String("directive", "proprietary plan text"),
			slog.String("output", "model response"),
			slog.Float64("cost_usd", 0.01),
		)
	})
	require.Equal(t, "[REDACTED]", out["directive"])
	require.Equal(t, "[REDACTED]", out["output"])
	require.Equal(t, 0.01, out["cost_usd"])
}

func TestRedactsInsideGroups(t *testing.T) {
	out := capture(t, func(l *slog.Logger) {
		l.Info("msg", slog.Group("provider",
			slog.String("id", "openai"),
			slog.String("api_key", "sk-abc"),
		))
	})
	group, ok := out["provider"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "openai", group["id"])
	require.Equal(t, "[REDACTED]", group["api_key"])
}

func TestWithAttrsRedacted(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New((&RedactingHandler{base: base}).WithAttrs([]slog.Attr{
		slog.String("secret", "hunter2"),
	}))
	logger.Info("msg")

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	require.Equal(t, "[REDACTED]", out["secret"])
}

func TestSetLevel(t *testing.T) {
	SetLevel("debug")
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: globalLevel})
	h := &RedactingHandler{base: base}
	require.True(t, h.Enabled(context.Background(), slog.LevelDebug))

	SetLevel("error")
	require.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	SetLevel("info")
}
