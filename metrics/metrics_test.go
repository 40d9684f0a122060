package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FrameReceived()
		m.FrameSent()
		m.Reconnect()
		m.RequestTimeout()
		m.DecryptFailure("msg")
		m.Event("message")
		m.StateChanged(6, "open")
	})
}

func TestRecording(t *testing.T) {
	m := New()
	m.FrameReceived()
	m.FrameReceived()
	m.FrameSent()
	m.DecryptFailure("pkmsg")
	m.StateChanged(6, "open")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesIn))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesOut))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decryptFailures.WithLabelValues("pkmsg")))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.state))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Reconnect()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "wacore_reconnects_total 1")
}
