package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procgod/internal/god"
	"github.com/loykin/procgod/internal/process"
	"github.com/loykin/procgod/internal/server"
)

func newDaemon(t *testing.T, mutate ...func(*god.Options)) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sleep on Unix-like systems")
	}
	gin.SetMode(gin.TestMode)
	opts := god.Options{
		DataHome: t.TempDir(),
		UseOSEnv: true,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version:  "v-cli",
	}
	for _, m := range mutate {
		m(&opts)
	}
	g, err := god.New(opts)
	require.NoError(t, err)
	ts := httptest.NewServer(server.NewRouter(g, "/api", false).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = g.Close(context.Background())
	})
	return ts.URL + "/api"
}

// run executes the CLI against url and returns its combined output.
func run(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--api-url=" + url}, args...))
	err := root.Execute()
	return out.String(), err
}

func listJSON(t *testing.T, url string, args ...string) []god.ProcessInfo {
	t.Helper()
	out, err := run(t, url, append([]string{"list", "--json"}, args...)...)
	require.NoError(t, err, out)
	var list []god.ProcessInfo
	require.NoError(t, json.Unmarshal([]byte(out), &list), out)
	return list
}

func TestParseTarget(t *testing.T) {
	cases := []struct {
		in      string
		want    target
		wantErr bool
	}{
		{in: "3", want: target{ID: 3, ByID: true}},
		{in: "0", want: target{ID: 0, ByID: true}},
		{in: "all", want: target{All: true}},
		{in: "web-api", want: target{Name: "web-api"}},
		{in: " api ", want: target{Name: "api"}},
		{in: "-1", wantErr: true},
		{in: "../etc", wantErr: true},
		{in: "a/b", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseTarget(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestStartSpecsFromArgs(t *testing.T) {
	sf := &StartFlags{Instances: "max", ExecMode: "cluster", AutoRestart: true}
	specs, err := startSpecs(sf, []string{"/usr/bin/worker.sh", "--queue", "default"})
	require.NoError(t, err)
	require.Len(t, specs, 1)
	s := specs[0]
	assert.Equal(t, "worker", s.Name)
	assert.Equal(t, "/usr/bin/worker.sh", s.Exec)
	assert.Equal(t, []string{"--queue", "default"}, s.Args)
	assert.Equal(t, process.MaxInstances, s.Instances)
	assert.Equal(t, process.ModeCluster, s.ExecMode)
	wd, _ := os.Getwd()
	assert.Equal(t, wd, s.Cwd)

	sf = &StartFlags{Name: "api", Exec: "sleep", Instances: "2", ExecMode: "fork"}
	specs, err = startSpecs(sf, []string{"30"})
	require.NoError(t, err)
	assert.Equal(t, "sleep", specs[0].Exec)
	assert.Equal(t, []string{"30"}, specs[0].Args)
	assert.Equal(t, process.Instances(2), specs[0].Instances)

	_, err = startSpecs(&StartFlags{Instances: "1"}, nil)
	assert.Error(t, err)
	_, err = startSpecs(&StartFlags{Instances: "lots"}, []string{"sleep"})
	assert.Error(t, err)
	_, err = startSpecs(&StartFlags{Instances: "1", ExecMode: "thread"}, []string{"sleep"})
	assert.Error(t, err)
}

func TestStartSpecsFromEcosystemFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "work"), 0o750))
	path := filepath.Join(dir, "ecosystem.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[apps]]
name = "api"
exec = "sleep"
args = ["30"]
instances = 2
exec_mode = "cluster"

[[apps]]
name = "worker"
exec = "sleep"
args = ["30"]
cwd = "work"
`), 0o600))

	specs, err := startSpecs(&StartFlags{Instances: "1"}, []string{path})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "api", specs[0].Name)
	assert.Equal(t, process.ModeCluster, specs[0].ExecMode)
	assert.Equal(t, filepath.Join(dir, "work"), specs[1].Cwd)
}

func TestCLILifecycle(t *testing.T) {
	url := newDaemon(t)

	out, err := run(t, url, "start", "--name=web", "-i", "2", "--", "sleep", "30")
	require.NoError(t, err, out)
	assert.Contains(t, out, "web")
	assert.Contains(t, out, "online")
	require.Len(t, listJSON(t, url), 2)

	out, err = run(t, url, "stop", "web")
	require.NoError(t, err, out)
	assert.Contains(t, out, "[0] web: stopped")
	assert.Contains(t, out, "[1] web: stopped")

	out, err = run(t, url, "restart", "0")
	require.NoError(t, err, out)
	assert.Contains(t, out, "[0] web: restarted")

	out, err = run(t, url, "describe", "0")
	require.NoError(t, err, out)
	assert.Contains(t, out, "online")
	assert.Contains(t, out, "sleep")

	out, err = run(t, url, "signal", "SIGCONT", "0")
	require.NoError(t, err, out)
	assert.Contains(t, out, "signalled SIGCONT")

	out, err = run(t, url, "scale", "web", "3")
	require.NoError(t, err, out)
	assert.Contains(t, out, "added")
	assert.Len(t, listJSON(t, url, "web"), 3)

	out, err = run(t, url, "reload", "web")
	require.NoError(t, err, out)
	assert.Contains(t, out, "reload web (fork)")

	out, err = run(t, url, "delete", "all")
	require.NoError(t, err, out)
	assert.Contains(t, out, "deleted")
	assert.Empty(t, listJSON(t, url))
}

func TestCLIErrors(t *testing.T) {
	url := newDaemon(t)

	_, err := run(t, url, "describe", "42")
	assert.Error(t, err)
	_, err = run(t, url, "describe", "web")
	assert.Error(t, err)
	_, err = run(t, url, "stop", "missing")
	assert.Error(t, err)
	_, err = run(t, url, "scale", "web", "two")
	assert.Error(t, err)
	_, err = run(t, url, "signal", "SIGNOPE", "0")
	assert.Error(t, err)

	out, err := run(t, url, "start", "--name=bad", "--", "/definitely/not/here")
	assert.Error(t, err)
	assert.Contains(t, out, "errored")
}

func TestCLIDumpAndMaintenance(t *testing.T) {
	url := newDaemon(t)

	_, err := run(t, url, "start", "--name=api", "--", "sleep", "30")
	require.NoError(t, err)

	out, err := run(t, url, "dump")
	require.NoError(t, err, out)
	assert.Contains(t, out, "process list saved")

	out, err = run(t, url, "reload-logs")
	require.NoError(t, err, out)
	assert.Contains(t, out, "logs reloaded")

	out, err = run(t, url, "monit")
	require.NoError(t, err, out)
	assert.Contains(t, out, "api")

	out, err = run(t, url, "ping")
	require.NoError(t, err, out)
	assert.Contains(t, out, "v-cli")

	out, err = run(t, url, "version")
	require.NoError(t, err, out)
	assert.Contains(t, out, "daemon: v-cli")
}

func TestCLITags(t *testing.T) {
	url := newDaemon(t)

	out, err := run(t, url, "start", "--name=api", "--tag=edge", "--tag=eu", "-i", "2", "--", "sleep", "30")
	require.NoError(t, err, out)
	out, err = run(t, url, "start", "--name=cron", "--tag=eu", "--", "sleep", "30")
	require.NoError(t, err, out)
	out, err = run(t, url, "start", "--name=misc", "--", "sleep", "30")
	require.NoError(t, err, out)

	assert.Len(t, listJSON(t, url, "--tag=eu"), 3)
	assert.Len(t, listJSON(t, url, "--tag=edge"), 2)

	out, err = run(t, url, "describe", "0")
	require.NoError(t, err, out)
	assert.Contains(t, out, "[edge eu]")

	out, err = run(t, url, "stop", "--tag=edge")
	require.NoError(t, err, out)
	assert.Contains(t, out, "[0] api: stopped")
	assert.Contains(t, out, "[1] api: stopped")

	out, err = run(t, url, "delete", "--tag=eu")
	require.NoError(t, err, out)
	assert.Contains(t, out, "cron: deleted")
	assert.Len(t, listJSON(t, url), 1)

	_, err = run(t, url, "stop", "misc", "--tag=eu")
	assert.Error(t, err)
	_, err = run(t, url, "stop")
	assert.Error(t, err)
	_, err = run(t, url, "restart", "--tag=eu")
	assert.Error(t, err, "no process carries the tag any more")
}

func TestCLILogs(t *testing.T) {
	url := newDaemon(t, func(o *god.Options) { o.LogFiles.Dir = t.TempDir() })

	out, err := run(t, url, "start", "--name=talk", "--", "sh", "-c", "echo hello; echo oops >&2; exec sleep 30")
	require.NoError(t, err, out)

	require.Eventually(t, func() bool {
		out, err = run(t, url, "logs", "talk", "--lines=5")
		return err == nil && strings.Contains(out, "0|talk|out| hello") && strings.Contains(out, "0|talk|err| oops")
	}, 3*time.Second, 50*time.Millisecond, out)

	out, err = run(t, url, "logs", "0", "--stream=err", "--json")
	require.NoError(t, err, out)
	var rec struct {
		ID     int    `json:"id"`
		Name   string `json:"name"`
		Stream string `json:"stream"`
		Line   string `json:"line"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rec), out)
	assert.Equal(t, "err", rec.Stream)
	assert.Equal(t, "oops", rec.Line)
	assert.Equal(t, "talk", rec.Name)

	_, err = run(t, url, "logs", "all")
	assert.Error(t, err)
	_, err = run(t, url, "logs", "nobody")
	assert.Error(t, err)
}

func TestVersionWithoutDaemon(t *testing.T) {
	out, err := run(t, "http://127.0.0.1:1/api", "version", "--api-timeout=500ms")
	require.NoError(t, err)
	assert.Contains(t, out, "client: "+version)
	assert.Contains(t, out, "daemon: not reachable")

	_, err = run(t, "http://127.0.0.1:1/api", "ping", "--api-timeout=500ms")
	assert.Error(t, err)
}
