package main

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procgod/internal/config"
	"github.com/loykin/procgod/internal/persist"
)

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "run", "procgod.pid")

	require.NoError(t, writePidFile(pidFile, os.Getpid()))
	pid, err := readPidFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// our own pid is not "another daemon"
	assert.NoError(t, checkPidFile(pidFile))

	require.NoError(t, removePidFile(pidFile))
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, removePidFile(pidFile))
	assert.NoError(t, removePidFile(""))
}

func TestCheckPidFileStaleAndLive(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix sleep")
	}
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.pid")
	require.NoError(t, os.WriteFile(garbage, []byte("not a pid"), 0o600))
	assert.NoError(t, checkPidFile(garbage))
	assert.NoError(t, checkPidFile(filepath.Join(dir, "missing.pid")))

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	live := filepath.Join(dir, "live.pid")
	require.NoError(t, os.WriteFile(live, []byte(strconv.Itoa(cmd.Process.Pid)), 0o600))
	assert.Error(t, checkPidFile(live))

	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	assert.NoError(t, checkPidFile(live))
}

func TestChildArgs(t *testing.T) {
	in := []string{"daemon", "--config", "/etc/procgod.toml", "--daemonize", "--logfile=/tmp/x.log", "--daemonize=true"}
	assert.Equal(t, []string{"daemon", "--config", "/etc/procgod.toml", "--logfile=/tmp/x.log"}, childArgs(in))
}

func TestRunDaemonBootsAndShutsDown(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix sleep")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "procgod.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_home = "`+filepath.ToSlash(dir)+`"
grace_timeout = "500ms"
sample_interval = "0s"

[log]
level = "debug"

[server]
listen = "127.0.0.1:0"

[metrics]
enabled = true

[[processes]]
name = "boot"
exec = "sleep"
args = ["30"]
autorestart = true
start_on_boot = true

[[processes]]
name = "manual"
exec = "sleep"
args = ["30"]
`), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var logs bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- runDaemon(ctx, cfg, &logs) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.PIDFile)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	pid, err := readPidFile(cfg.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}

	_, err = os.Stat(cfg.PIDFile)
	assert.True(t, os.IsNotExist(err), "pid file removed on shutdown")

	entries, err := persist.NewStore(dir).Load()
	require.NoError(t, err)
	require.Len(t, entries, 1, "only start_on_boot apps were launched")
	assert.Equal(t, "boot", entries[0].Spec.Name)
	assert.Contains(t, logs.String(), "shutting down")
}
