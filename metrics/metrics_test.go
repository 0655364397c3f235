package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndUnregisterGauge(t *testing.T) {
	s := NewSink("test")
	value := 3.0

	unregister, err := s.RegisterGauge("connection_pool_active", "active", map[string]string{"server": "127.0.0.1:11222"},
		func() float64 { return value })
	require.NoError(t, err)
	assert.Equal(t, 1, s.Registered())

	families, err := s.Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() == "test_connection_pool_active" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, 3.0, mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found, "gauge not gathered")

	unregister()
	unregister() // second call is a no-op
	assert.Equal(t, 0, s.Registered())
}

func TestSameGaugeDifferentServers(t *testing.T) {
	s := NewSink("")
	_, err := s.RegisterGauge("connection.pool.idle", "idle", map[string]string{"server": "a:1"}, func() float64 { return 1 })
	require.NoError(t, err)
	_, err = s.RegisterGauge("connection.pool.idle", "idle", map[string]string{"server": "b:1"}, func() float64 { return 2 })
	require.NoError(t, err)

	_, err = s.RegisterGauge("connection.pool.idle", "idle", map[string]string{"server": "a:1"}, func() float64 { return 1 })
	assert.Error(t, err, "duplicate gauge must be rejected")
	assert.Equal(t, 2, s.Registered())
}

func TestHandlerExposesRequests(t *testing.T) {
	s := NewSink("")
	s.ObserveRequest("GET", "OK", 2*time.Millisecond, false)
	s.ObserveRequest("GET", "TIMEOUT", 5*time.Millisecond, true)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `minicache_requests_total{op="GET"} 2`), text)
	assert.True(t, strings.Contains(text, `minicache_request_failures_total{op="GET",status="TIMEOUT"} 1`), text)
}
