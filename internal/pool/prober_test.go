package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/resilience"
)

func TestProber_MarksAndRestoresEndpoints(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clock := newTestClock()
	cfg := DefaultConfig("inference")
	cfg.Clock = clock.Now
	cfg.Breaker = resilience.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute}
	p := New(cfg)
	require.NoError(t, p.Register(MemberSpec{Name: "ollama-1", Address: srv.URL + "/"}))
	require.NoError(t, p.Register(MemberSpec{Name: "local"}))

	prober := NewProber(p, ProberConfig{Timeout: time.Second}, srv.Client(), nil)
	ctx := context.Background()

	assert.Equal(t, 1, prober.ProbeOnce(ctx), "members without an address are skipped")

	failing.Store(true)
	assert.Zero(t, prober.ProbeOnce(ctx))
	m, _ := p.Get("ollama-1")
	assert.False(t, m.Healthy)
	assert.Greater(t, m.ErrorRate, 0.0)

	failing.Store(false)
	assert.Zero(t, prober.ProbeOnce(ctx), "open breaker suppresses probes")

	clock.Advance(time.Minute)
	assert.Equal(t, 1, prober.ProbeOnce(ctx))
	m, _ = p.Get("ollama-1")
	assert.True(t, m.Healthy)
	assert.Equal(t, "closed", m.Breaker)
}
