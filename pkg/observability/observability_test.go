package observability

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitGlobalTracerDisabled(t *testing.T) {
	tp, err := InitGlobalTracer(context.Background(), TracerConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tp)
}

func TestInitGlobalTracerEnabled(t *testing.T) {
	var buf bytes.Buffer
	tp, err := InitGlobalTracer(context.Background(), TracerConfig{
		Enabled:      true,
		SamplingRate: 1,
		ServiceName:  "kiwid-test",
		Output:       &buf,
	})
	require.NoError(t, err)
	require.NotNil(t, tp)

	tracer := GetTracer("test")
	_, span := tracer.Start(context.Background(), "thread.turn")
	span.End()

	if sh, ok := tp.(interface{ Shutdown(context.Context) error }); ok {
		require.NoError(t, sh.Shutdown(context.Background()))
	}
	require.Contains(t, buf.String(), "thread.turn")
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	require.Nil(t, m)

	// Recording against a nil Metrics must never panic.
	m.RecordThreadSpawned("echo", 0)
	m.RecordToolCall("fs.read", "run", time.Millisecond)
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(&MetricsConfig{Enabled: true, Namespace: "kiwi_test"})
	require.NoError(t, err)
	require.NotNil(t, m)

	m.RecordThreadSpawned("echo", 1)
	m.RecordThreadTurn("echo", "ok", 10*time.Millisecond)
	m.SetThreadsActive("echo", 2)
	m.RecordLLMCall("gpt-4o", "openai", 50*time.Millisecond)
	m.RecordLLMTokens("gpt-4o", "openai", 120, 40)
	m.RecordToolCall("fs.read", "run", time.Millisecond)
	m.RecordManifestLoad("tool", "hit", time.Microsecond)
	m.RecordHTTPRequest("POST", "/rpc", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "kiwi_test_thread_spawned_total")
}
