package god

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procgod/internal/errs"
	"github.com/loykin/procgod/internal/metrics"
	"github.com/loykin/procgod/internal/process"
)

func TestGetMonitorDataMixedList(t *testing.T) {
	g := newTestGod(t)
	ctx := context.Background()
	online, err := g.Prepare(ctx, sleepSpec("on", 2))
	require.NoError(t, err)
	off, err := g.Prepare(ctx, sleepSpec("off", 1))
	require.NoError(t, err)
	stopped, err := g.StopProcessID(ctx, off[0].ID)
	require.NoError(t, err)

	invalid := online[0]
	invalid.Source = metrics.Source{Kind: metrics.SourceOS, PID: -1}

	list := []ProcessInfo{stopped, online[0], invalid, online[1]}
	usage := g.GetMonitorData(list)
	require.Len(t, usage, 4)
	assert.Equal(t, metrics.Usage{}, usage[0])
	assert.Greater(t, usage[1].Memory, uint64(0))
	assert.Equal(t, metrics.Usage{}, usage[2])
	assert.Greater(t, usage[3].Memory, uint64(0))
}

func TestSetMonitorSource(t *testing.T) {
	g := newTestGod(t)
	infos, err := g.Prepare(context.Background(), sleepSpec("agent", 1))
	require.NoError(t, err)
	id := infos[0].ID
	assert.Equal(t, metrics.SourceOS, infos[0].Source.Kind)
	assert.Equal(t, infos[0].PID, infos[0].Source.PID)

	info, err := g.SetMonitorSource(id, os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, metrics.Source{Kind: metrics.SourceAgent, PID: os.Getpid()}, info.Source)
	usage := g.GetMonitorData([]ProcessInfo{info})
	assert.Greater(t, usage[0].Memory, uint64(0))

	info, err = g.SetMonitorSource(id, 0)
	require.NoError(t, err)
	assert.Equal(t, metrics.SourceOS, info.Source.Kind)

	_, err = g.SetMonitorSource(id, -3)
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = g.SetMonitorSource(99, 1)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestBackgroundSamplingFillsMonit(t *testing.T) {
	g := newTestGod(t, func(o *Options) { o.SampleInterval = 50 * time.Millisecond })
	infos, err := g.Prepare(context.Background(), sleepSpec("sampled", 1))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, _ := g.FindProcessByID(infos[0].ID)
		return info.Monit.Memory > 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestReconcileLeavesLiveProcesses(t *testing.T) {
	g := newTestGod(t)
	infos, err := g.Prepare(context.Background(), sleepSpec("alive", 1))
	require.NoError(t, err)

	g.reconcile(context.Background())
	info, _ := g.FindProcessByID(infos[0].ID)
	assert.Equal(t, process.StatusOnline, info.Status)
	assert.Equal(t, infos[0].PID, info.PID)
	assert.Zero(t, info.RestartCount)
}

func TestReloadLogs(t *testing.T) {
	g := newTestGod(t, func(o *Options) { o.LogFiles.Dir = t.TempDir() })
	_, err := g.Prepare(context.Background(), sleepSpec("logs", 1))
	require.NoError(t, err)
	require.NoError(t, g.ReloadLogs())
}
