package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/stretchr/testify/require"
)

func newTestServer() *Server {
	return NewServer(&config.MetricsConfig{Enabled: true, ListenAddress: ":0", Path: "/metrics"}, logger.NewNopLogger())
}

func TestServer_Health(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
}

func TestServer_Metrics(t *testing.T) {
	DeploymentsByStatusSet(map[string]int{"running": 2, "failed": 1})

	rec := httptest.NewRecorder()
	newTestServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `mcindexor_deployments{status="running"} 2`)
}

func TestServer_Ready(t *testing.T) {
	s := newTestServer()

	get := func() (int, ReadyResponse) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

		var resp ReadyResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return rec.Code, resp
	}

	code, resp := get()
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Ready)
	require.Empty(t, resp.Checks)

	s.AddCheck("database", func(context.Context) error { return nil })
	s.AddCheck("hub", func(context.Context) error { return errors.New("no chains registered") })

	code, resp = get()
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.False(t, resp.Ready)
	require.Equal(t, map[string]string{"database": "ok", "hub": "no chains registered"}, resp.Checks)
}

func TestServer_CheckTimeout(t *testing.T) {
	s := newTestServer()
	s.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	resp := s.Ready(context.Background())
	require.False(t, resp.Ready)
	require.Equal(t, context.DeadlineExceeded.Error(), resp.Checks["slow"])
}
