package monitor

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSessions []SessionInfo

func (s staticSessions) Sessions() []SessionInfo { return s }

func newTestServer(t *testing.T, sessions SessionLister) *httptest.Server {
	t.Helper()
	log, _ := test.NewNullLogger()
	srv := httptest.NewServer(NewMonitor(log, sessions).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	Frames.WithLabelValues(FrameChecksumMismatch).Inc()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `bms_frames_total{result="checksum_mismatch"}`))
}

func TestSessionsEndpoints(t *testing.T) {
	started := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	srv := newTestServer(t, staticSessions{
		{ID: "a-1", Device: "0x1a2b3c4d5e", Remote: "10.0.0.2:5000", State: "polling", StartedAt: started, Readings: 28},
		{ID: "b-2", Remote: "10.0.0.3:5000", State: "awaiting_handshake", StartedAt: started},
	})

	resp, err := http.Get(srv.URL + "/sessions")
	require.NoError(t, err)
	var list []SessionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Len(t, list, 2)

	resp, err = http.Get(srv.URL + "/sessions/0x1a2b3c4d5e")
	require.NoError(t, err)
	var one SessionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&one))
	resp.Body.Close()
	assert.Equal(t, "a-1", one.ID)
	assert.Equal(t, uint64(28), one.Readings)

	resp, err = http.Get(srv.URL + "/sessions/b-2")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/sessions/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
