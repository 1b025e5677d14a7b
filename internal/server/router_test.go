package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procgod/internal/god"
	"github.com/loykin/procgod/internal/logger"
	"github.com/loykin/procgod/internal/process"
)

func setupRouter(t *testing.T, base string, withMetrics bool, mutate ...func(*god.Options)) (http.Handler, *god.God) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sleep on Unix-like systems")
	}
	gin.SetMode(gin.TestMode)
	opts := god.Options{
		DataHome: t.TempDir(),
		UseOSEnv: true,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version:  "test",
	}
	for _, m := range mutate {
		m(&opts)
	}
	g, err := god.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close(context.Background()) })
	return NewRouter(g, base, withMetrics).Handler(), g
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func sleeper(name string, n int) process.Spec {
	return process.Spec{Name: name, Exec: "sleep", Args: []string{"30"}, Instances: process.Instances(n), AutoRestart: true}
}

func TestVersionAndStatus(t *testing.T) {
	h, _ := setupRouter(t, "/api", false)
	rec := doReq(t, h, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test", decode[versionResp](t, rec).Version)

	rec = doReq(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[god.Health](t, rec)
	assert.Equal(t, "test", health.Version)
	assert.Zero(t, health.Processes)
}

func TestProcessLifecycleOverHTTP(t *testing.T) {
	h, _ := setupRouter(t, "/api", false)

	rec := doReq(t, h, http.MethodPost, "/api/processes", sleeper("web", 2))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	prep := decode[prepareResp](t, rec)
	require.Len(t, prep.Processes, 2)
	assert.Empty(t, prep.Error)
	id := strconv.Itoa(prep.Processes[0].ID)

	rec = doReq(t, h, http.MethodGet, "/api/processes?name=web", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]god.ProcessInfo](t, rec), 2)

	rec = doReq(t, h, http.MethodGet, "/api/processes/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, process.StatusOnline, decode[god.ProcessInfo](t, rec).Status)

	rec = doReq(t, h, http.MethodPost, "/api/processes/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, process.StatusStopped, decode[god.ProcessInfo](t, rec).Status)

	rec = doReq(t, h, http.MethodPost, "/api/processes/"+id+"/restart", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[god.ProcessInfo](t, rec)
	assert.Equal(t, process.StatusOnline, info.Status)
	assert.Equal(t, 1, info.RestartCount)

	rec = doReq(t, h, http.MethodDelete, "/api/processes/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/api/processes", nil)
	assert.Len(t, decode[[]god.ProcessInfo](t, rec), 1)

	rec = doReq(t, h, http.MethodGet, "/api/processes/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	h, _ := setupRouter(t, "", false)
	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"bad id", http.MethodPost, "/processes/abc/stop", nil, http.StatusBadRequest},
		{"unknown id", http.MethodPost, "/processes/77/stop", nil, http.StatusNotFound},
		{"unknown delete", http.MethodDelete, "/processes/77", nil, http.StatusNotFound},
		{"unsafe name", http.MethodPost, "/processes", process.Spec{Name: "../x", Exec: "sleep"}, http.StatusBadRequest},
		{"relative cwd", http.MethodPost, "/processes", process.Spec{Name: "x", Exec: "sleep", Cwd: "rel/dir"}, http.StatusBadRequest},
		{"missing exec", http.MethodPost, "/processes", process.Spec{Name: "x"}, http.StatusBadRequest},
		{"unknown app", http.MethodPost, "/apps/nope/stop", nil, http.StatusNotFound},
		{"bad signal body", http.MethodPost, "/processes/0/signal", map[string]string{}, http.StatusBadRequest},
		{"bad signal", http.MethodPost, "/processes/0/signal", signalReq{Signal: "SIGNOPE"}, http.StatusBadRequest},
		{"unknown reload", http.MethodPost, "/apps/nope/reload", nil, http.StatusNotFound},
		{"bad scale", http.MethodPost, "/apps/nope/scale", scaleReq{Instances: 0}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doReq(t, h, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[errorResp](t, rec).Error)
		})
	}
}

func TestAppOperations(t *testing.T) {
	h, g := setupRouter(t, "/api", false)
	_, err := g.Prepare(context.Background(), sleeper("app", 2))
	require.NoError(t, err)

	rec := doReq(t, h, http.MethodPost, "/api/apps/app/scale", scaleReq{Instances: 3})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[god.ScaleResult](t, rec).Added, 1)

	rec = doReq(t, h, http.MethodPost, "/api/apps/app/reload", god.ReloadOptions{UpdateEnv: true, Env: []string{"A=1"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[god.ReloadResult](t, rec)
	assert.Len(t, res.Slots, 3)

	rec = doReq(t, h, http.MethodPost, "/api/apps/app/signal", signalReq{Signal: "SIGCONT"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[[]god.BatchResult](t, rec), 3)

	rec = doReq(t, h, http.MethodPost, "/api/apps/app/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, r := range decode[[]god.BatchResult](t, rec) {
		assert.Empty(t, r.Error)
	}

	rec = doReq(t, h, http.MethodDelete, "/api/apps/app", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, g.GetFormatedProcesses())
}

func TestTagOperations(t *testing.T) {
	h, g := setupRouter(t, "/api", false)
	tagged := sleeper("a", 2)
	tagged.Tags = []string{"blue"}
	_, err := g.Prepare(context.Background(), tagged)
	require.NoError(t, err)
	_, err = g.Prepare(context.Background(), sleeper("b", 1))
	require.NoError(t, err)

	rec := doReq(t, h, http.MethodGet, "/api/processes?tag=blue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]god.ProcessInfo](t, rec), 2)
	rec = doReq(t, h, http.MethodGet, "/api/processes?tag=..", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/tags/blue/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[[]god.BatchResult](t, rec), 2)

	rec = doReq(t, h, http.MethodPost, "/api/tags/blue/restart", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	for _, info := range g.ProcessesByTag("blue") {
		assert.Equal(t, process.StatusOnline, info.Status)
	}

	rec = doReq(t, h, http.MethodDelete, "/api/tags/blue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, g.GetFormatedProcesses(), 1)

	rec = doReq(t, h, http.MethodDelete, "/api/tags/blue", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPrepareWithoutNameOverHTTP(t *testing.T) {
	h, _ := setupRouter(t, "/api", false)
	rec := doReq(t, h, http.MethodPost, "/api/processes", sleeper("", 1))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[prepareResp](t, rec)
	require.Len(t, resp.Processes, 1)
	assert.NotEmpty(t, resp.Processes[0].Name)
}

func TestLogsEndpoint(t *testing.T) {
	h, g := setupRouter(t, "/api", false, func(o *god.Options) { o.LogFiles.Dir = t.TempDir() })
	infos, err := g.Prepare(context.Background(), process.Spec{
		Name: "talker",
		Exec: "sh",
		Args: []string{"-c", "echo a; echo b; echo c; exec sleep 30"},
	})
	require.NoError(t, err)
	id := strconv.Itoa(infos[0].ID)
	stdout, _, err := g.LogPaths(infos[0].ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(stdout)
		return err == nil && string(b) == "a\nb\nc\n"
	}, 3*time.Second, 20*time.Millisecond)

	rec := doReq(t, h, http.MethodGet, "/api/processes/"+id+"/logs?lines=2&stream=out", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	var lines []logger.Line
	dec := json.NewDecoder(rec.Body)
	for dec.More() {
		var l logger.Line
		require.NoError(t, dec.Decode(&l))
		lines = append(lines, l)
	}
	assert.Equal(t, []logger.Line{{Stream: "out", Text: "b"}, {Stream: "out", Text: "c"}}, lines)

	rec = doReq(t, h, http.MethodGet, "/api/processes/"+id+"/logs?stream=both", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/api/processes/"+id+"/logs?lines=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/api/processes/404/logs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMonitorEndpoints(t *testing.T) {
	h, g := setupRouter(t, "", false)
	infos, err := g.Prepare(context.Background(), sleeper("mon", 1))
	require.NoError(t, err)

	rec := doReq(t, h, http.MethodGet, "/monitor", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[[]MonitorEntry](t, rec)
	require.Len(t, rows, 1)
	assert.Greater(t, rows[0].Monit.Memory, uint64(0))

	path := "/processes/" + strconv.Itoa(infos[0].ID) + "/monitor"
	rec = doReq(t, h, http.MethodPut, path, monitorReq{PID: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, h, http.MethodPut, path, monitorReq{PID: infos[0].PID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, infos[0].PID, decode[god.ProcessInfo](t, rec).Source.PID)
}

func TestDumpResurrectAndLogs(t *testing.T) {
	h, g := setupRouter(t, "/api", false)
	_, err := g.Prepare(context.Background(), sleeper("d", 1))
	require.NoError(t, err)

	rec := doReq(t, h, http.MethodPost, "/api/dump", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doReq(t, h, http.MethodPost, "/api/resurrect", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decode[god.ResurrectReport](t, rec)
	require.Len(t, rep.Failures, 1, "name already registered")

	rec = doReq(t, h, http.MethodPost, "/api/logs/reload", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpointToggle(t *testing.T) {
	h, _ := setupRouter(t, "/api", true)
	rec := doReq(t, h, http.MethodGet, "/api/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h, _ = setupRouter(t, "/api", false)
	rec = doReq(t, h, http.MethodGet, "/api/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewServerServesAndReportsBindErrors(t *testing.T) {
	_, g := setupRouter(t, "", false)
	srv, err := NewServer("127.0.0.1:0", "/api", g, false, nil)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	resp, err := http.Get("http://" + srv.Addr + "/api/version")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = NewServer(srv.Addr, "", g, false, nil)
	assert.Error(t, err)
}
