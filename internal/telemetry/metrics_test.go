package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersAndHandler(t *testing.T) {
	m := NewMetrics()
	m.SessionRefresh.WithLabelValues("rotated").Inc()
	m.SessionRefresh.WithLabelValues("reuse").Inc()
	m.SessionRefresh.WithLabelValues("reuse").Inc()
	m.TokenVerifyFailures.WithLabelValues("bad_signature").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionRefresh.WithLabelValues("reuse")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenVerifyFailures.WithLabelValues("bad_signature")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `session_refresh_total{outcome="reuse"} 2`))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}

func TestNewMetrics_Independent(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.Login.WithLabelValues("success").Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Login.WithLabelValues("success")))
}
