package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcoin/marketplace/internal/chainadapter/mock"
	"github.com/agentcoin/marketplace/internal/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		RPCURL:                "https://sepolia.base.org",
		PrivateKey:            "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		PlatformWalletAddress: "0xplatform",
		AgntTokenAddress:      "0xagnt",
		AgntDecimals:          8,
		NegotiationMaxRounds:  config.DefaultNegotiationMax,
		NegotiationTTL:        config.DefaultNegotiationTTL,
		RateLimitRPM:          1000,
		HTTPReadTimeout:       config.DefaultHTTPReadTimeout,
		HTTPWriteTimeout:      config.DefaultHTTPWriteTimeout,
		HTTPIdleTimeout:       config.DefaultHTTPIdleTimeout,
	}

	s, err := New(cfg, WithChainAdapter(mock.New()))
	require.NoError(t, err)
	return s
}

func TestHealthHandler_ReportsHealthyWithNoDB(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLivenessHandler_ReportsAliveAfterInit(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadinessHandler_NotReadyBeforeRun(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateJob_RequiresAuth(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetJob_PublicRouteReturnsNotFoundForUnknownID(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job_missing", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint_Serves(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
