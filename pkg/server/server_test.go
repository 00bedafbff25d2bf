package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/execops/pkg/app"
	"github.com/docker/execops/pkg/history"
	"github.com/docker/execops/pkg/mission"
	"github.com/docker/execops/pkg/supervisor"
	"github.com/docker/execops/pkg/telemetry"
)

func newTestServer(t *testing.T, opts ...Opt) *httptest.Server {
	t.Helper()

	store, err := history.NewSQLiteStore(t.Context(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	a, err := app.New(store,
		supervisor.WithDeadline(200*time.Millisecond),
		supervisor.WithMetrics(telemetry.NewMetrics(reg)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	opts = append([]Opt{WithGatherer(reg)}, opts...)
	srv := httptest.NewServer(New(a, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func httpDo(t *testing.T, method, url string, payload any, headers ...string) (int, []byte) {
	t.Helper()

	body := io.Reader(http.NoBody)
	if payload != nil {
		buf, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, url, body)
	require.NoError(t, err)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf
}

func unmarshal(t *testing.T, buf []byte, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(buf, v))
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	code, buf := httpDo(t, http.MethodGet, srv.URL+"/api/health", nil)
	assert.Equal(t, http.StatusOK, code)

	var health map[string]any
	unmarshal(t, buf, &health)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, false, health["active"])
	assert.InDelta(t, 200, health["deadline_ms"], 0)
}

func TestServer_RunMission(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	code, buf := httpDo(t, http.MethodPost, srv.URL+"/api/missions", RunRequest{Code: "1+1"})
	require.Equal(t, http.StatusOK, code, string(buf))

	var resp MissionResponse
	unmarshal(t, buf, &resp)
	assert.Equal(t, "2\n", resp.Output)
	assert.Equal(t, []string{"2"}, resp.Lines)
	assert.Equal(t, mission.OutcomeCompleted, resp.Outcome)
}

func TestServer_RunMissionTimeout(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	code, buf := httpDo(t, http.MethodPost, srv.URL+"/api/missions", RunRequest{Code: "while (true) {}"})
	require.Equal(t, http.StatusOK, code)

	var resp MissionResponse
	unmarshal(t, buf, &resp)
	assert.Equal(t, mission.OutcomeTimedOut, resp.Outcome)
	assert.Equal(t, supervisor.TimeoutMarker, resp.Output)
}

func TestServer_RunMissionValidation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	code, _ := httpDo(t, http.MethodPost, srv.URL+"/api/missions", RunRequest{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestServer_History(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	code, _ := httpDo(t, http.MethodPost, srv.URL+"/api/missions", RunRequest{Code: "console.log('kept')"})
	require.Equal(t, http.StatusOK, code)

	var records []history.Record
	require.Eventually(t, func() bool {
		code, buf := httpDo(t, http.MethodGet, srv.URL+"/api/missions?limit=5", nil)
		if code != http.StatusOK {
			return false
		}
		records = nil
		unmarshal(t, buf, &records)
		return len(records) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "console.log('kept')", records[0].Code)

	code, buf := httpDo(t, http.MethodGet, srv.URL+"/api/missions/"+records[0].ID, nil)
	require.Equal(t, http.StatusOK, code)
	var rec history.Record
	unmarshal(t, buf, &rec)
	assert.Equal(t, "'kept'\n", rec.Output)

	code, _ = httpDo(t, http.MethodGet, srv.URL+"/api/missions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = httpDo(t, http.MethodGet, srv.URL+"/api/missions?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestServer_Deadline(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	code, buf := httpDo(t, http.MethodPut, srv.URL+"/api/deadline", DeadlineRequest{DeadlineMs: 750})
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"deadline_ms": 750}`, string(buf))

	code, _ = httpDo(t, http.MethodPut, srv.URL+"/api/deadline", DeadlineRequest{DeadlineMs: -1})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestServer_CancelIdle(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	code, buf := httpDo(t, http.MethodPost, srv.URL+"/api/missions/cancel", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"cancelled": false}`, string(buf))
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	code, _ := httpDo(t, http.MethodPost, srv.URL+"/api/missions", RunRequest{Code: "1"})
	require.Equal(t, http.StatusOK, code)

	code, buf := httpDo(t, http.MethodGet, srv.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(buf), `execops_missions_total{outcome="completed"} 1`)
	assert.Contains(t, string(buf), "execops_pairs_provisioned_total 2")
}

func TestServer_Token(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, WithToken("s3cret"))

	code, _ := httpDo(t, http.MethodGet, srv.URL+"/api/health", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = httpDo(t, http.MethodGet, srv.URL+"/api/health", nil, "Authorization", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = httpDo(t, http.MethodGet, srv.URL+"/api/health", nil, "Authorization", "Token s3cret")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = httpDo(t, http.MethodGet, srv.URL+"/api/health", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, code)
}

func TestServer_WebRoot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>execops</h1>"), 0o644))

	srv := newTestServer(t, WithWebRoot(dir))

	code, buf := httpDo(t, http.MethodGet, srv.URL+"/index.html", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "<h1>execops</h1>", string(buf))
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.DialContext(t.Context(), url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestServer_WebSocketRun(t *testing.T) {
	t.Parallel()

	conn := dialWS(t, newTestServer(t))

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "run", Code: "console.log('hi'); 40 + 2"}))

	msg := readWS(t, conn)
	require.Equal(t, "result", msg.Type, msg.Error)
	assert.Equal(t, []string{"'hi'", "42"}, msg.Result.Lines)
}

func TestServer_WebSocketCancel(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	conn := dialWS(t, srv)

	code, _ := httpDo(t, http.MethodPut, srv.URL+"/api/deadline", DeadlineRequest{DeadlineMs: 10000})
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "run", Code: "while (true) {}"}))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(WSMessage{Type: "cancel", Marker: "Stopped by client.\n"}))

	msg := readWS(t, conn)
	require.Equal(t, "result", msg.Type, msg.Error)
	assert.Equal(t, mission.OutcomeCancelled, msg.Result.Outcome)
	assert.Equal(t, "Stopped by client.\n", msg.Result.Output)
}

func TestServer_WebSocketErrors(t *testing.T) {
	t.Parallel()

	conn := dialWS(t, newTestServer(t))

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "shout"}))
	assert.Equal(t, "error", readWS(t, conn).Type)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "run"}))
	msg := readWS(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "code is required", msg.Error)
}

func TestListen_UnixSocket(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	a, err := app.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	path := filepath.Join(t.TempDir(), "sock")
	require.NoError(t, os.WriteFile(path, nil, 0o600), "stale socket file")

	ln, err := Listen(ctx, "unix://"+path)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- New(a).Serve(ctx, ln) }()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://_/api/health", http.NoBody)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
