package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Ian2x/gradsync/coordinator/rpc"
	sl "github.com/Ian2x/gradsync/coordinator/server_lib"
	"github.com/Ian2x/gradsync/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	coordinator := sl.MakeCoordinatorServer(metrics.New(reg))
	_, err := coordinator.CommInit(context.Background(), &rpc.CommInitRequest{Key: "job", Size: 2})
	require.NoError(t, err)
	router := newRouter(reg, coordinator)

	for path, want := range map[string]string{
		"/healthz": "ok",
		"/comms":   "[1]\n",
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, want, rec.Body.String(), path)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gradsync_coordinator_pending_ops")
}
