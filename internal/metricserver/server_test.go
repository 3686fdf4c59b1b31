package metricserver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mrzor/bitcoind-observer/internal/bpf"
	"github.com/mrzor/bitcoind-observer/internal/metrics"
)

func TestServer_Routes(t *testing.T) {
	reg := metrics.NewRegistry(metrics.WithoutRuntimeCollectors())
	reg.ObserveBlockConnected(bpf.BlockConnected{Height: 840000, Transactions: 3050})
	s := New(reg.Gatherer(), zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bitcoindobserver_validation_block_connected_height_last 840000")
	assert.Contains(t, rec.Body.String(), "bitcoindobserver_validation_block_connected_transaction_count 3050")

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_StartShutdown(t *testing.T) {
	reg := metrics.NewRegistry(metrics.WithoutRuntimeCollectors())
	s := New(reg.Gatherer(), zaptest.NewLogger(t))

	require.NoError(t, s.Start("127.0.0.1:0"))

	resp, err := http.Get("http://" + s.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "ok\n", string(body))

	require.NoError(t, s.Shutdown(context.Background()))
}

func TestServer_StartBindError(t *testing.T) {
	s := New(metrics.NewRegistry(metrics.WithoutRuntimeCollectors()).Gatherer(), zaptest.NewLogger(t))
	assert.Error(t, s.Start("256.0.0.1:bad"))
	assert.Nil(t, s.Addr())
	assert.NoError(t, s.Shutdown(context.Background()))
}
