package god

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procgod/internal/errs"
	"github.com/loykin/procgod/internal/persist"
	"github.com/loykin/procgod/internal/process"
)

func withHome(home string) func(*Options) {
	return func(o *Options) { o.DataHome = home }
}

func TestDumpResurrectRoundTrip(t *testing.T) {
	home := t.TempDir()
	ctx := context.Background()

	g1 := newTestGod(t, withHome(home))
	web, err := g1.Prepare(ctx, sleepSpec("web", 2))
	require.NoError(t, err)
	idle, err := g1.Prepare(ctx, sleepSpec("idle", 1))
	require.NoError(t, err)
	_, err = g1.StopProcessID(ctx, idle[0].ID)
	require.NoError(t, err)
	require.NoError(t, g1.DumpProcessList(ctx))
	dumped := g1.GetFormatedProcesses()
	require.NoError(t, g1.Close(ctx))
	for _, p := range web {
		require.False(t, process.CheckProcess(p.PID))
	}

	g2 := newTestGod(t, withHome(home))
	rep, err := g2.Resurrect(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Failures)
	assert.Empty(t, rep.Remapped)
	require.Len(t, rep.Restored, len(dumped))

	got := g2.GetFormatedProcesses()
	require.Len(t, got, len(dumped))
	for i, want := range dumped {
		assert.Equal(t, want.ID, got[i].ID)
		assert.Equal(t, want.Spec, got[i].Spec)
		assert.Equal(t, want.CreatedAt.Unix(), got[i].CreatedAt.Unix())
	}
	assert.Equal(t, process.StatusOnline, got[0].Status)
	assert.Equal(t, process.StatusOnline, got[1].Status)
	assert.Equal(t, process.StatusStopped, got[2].Status)
	assert.Zero(t, got[2].PID)

	// new ids continue after the resurrected ones
	fresh, err := g2.Prepare(ctx, sleepSpec("fresh", 1))
	require.NoError(t, err)
	assert.Greater(t, fresh[0].ID, got[2].ID)
}

func TestResurrectRemapsTakenIDs(t *testing.T) {
	home := t.TempDir()
	ctx := context.Background()

	g1 := newTestGod(t, withHome(home))
	_, err := g1.Prepare(ctx, sleepSpec("old", 1))
	require.NoError(t, err)
	require.NoError(t, g1.DumpProcessList(ctx))
	require.NoError(t, g1.Close(ctx))

	g2 := newTestGod(t, withHome(home))
	taken, err := g2.Prepare(ctx, sleepSpec("new", 1))
	require.NoError(t, err)
	require.Equal(t, 0, taken[0].ID)

	rep, err := g2.Resurrect(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Restored, 1)
	newID, ok := rep.Remapped[0]
	require.True(t, ok)
	assert.NotEqual(t, 0, newID)
	assert.Equal(t, newID, rep.Restored[0].ID)
	assert.Equal(t, "old", rep.Restored[0].Name)
}

func TestResurrectCollectsPerEntryFailures(t *testing.T) {
	home := t.TempDir()
	entries := []persist.Entry{
		{ID: 0, Name: "gone", Spec: process.Spec{Name: "gone", Exec: "/no/such/binary"}, Status: process.StatusOnline},
		{ID: 1, Name: "ok", Spec: process.Spec{Name: "ok", Exec: "sleep", Args: []string{"30"}}, Status: process.StatusOnline},
		{ID: 2, Name: "parked", Spec: process.Spec{Name: "parked", Exec: "/no/such/binary"}, Status: process.StatusStopped},
		{ID: 3, Name: "odd", Spec: process.Spec{Name: "odd", Exec: "sleep"}, Status: process.Status("zombie")},
	}
	b, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(home, persist.FileName), b, 0o600))

	g := newTestGod(t, withHome(home))
	rep, err := g.Resurrect(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Failures, 2)
	assert.Equal(t, "gone", rep.Failures[0].Name)
	assert.Equal(t, "odd", rep.Failures[1].Name)
	assert.Contains(t, rep.Failures[1].Error, "unknown status")
	require.Len(t, rep.Restored, 2)

	_, ok := g.FindProcessByID(0)
	assert.False(t, ok, "unresolvable entry is not registered")
	assert.Equal(t, process.StatusOnline, statusOf(t, g, 1))
	assert.Equal(t, process.StatusStopped, statusOf(t, g, 2))
}

func TestResurrectWithoutDumpIsEmpty(t *testing.T) {
	g := newTestGod(t)
	rep, err := g.Resurrect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Restored)
	assert.Empty(t, rep.Failures)
}

func TestResurrectCorruptDump(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, persist.FileName), []byte("{nope"), 0o600))
	g := newTestGod(t, withHome(home))
	_, err := g.Resurrect(context.Background())
	assert.ErrorIs(t, err, errs.ErrPersistence)
	assert.Empty(t, g.GetFormatedProcesses())
}

func TestDumpExcludesReplacements(t *testing.T) {
	g := newTestGod(t)
	ctx := context.Background()
	_, err := g.Prepare(ctx, clusterSpec("c", 1))
	require.NoError(t, err)

	t.Run("transient", func(t *testing.T) {
		target := &reloadTarget{g: g}
		repl, err := target.Spawn(ctx, 0)
		require.NoError(t, err)
		defer target.Discard(ctx, repl)
		assert.Len(t, g.GetFormatedProcesses(), 2)
		assert.Len(t, g.dumpEntries(), 1)
	})
	assert.Len(t, g.GetFormatedProcesses(), 1)
}

func TestBootStartsDeclaredProcesses(t *testing.T) {
	g := newTestGod(t)
	specs := []process.Spec{sleepSpec("boot", 2), sleepSpec("manual", 1)}
	specs[0].StartOnBoot = true

	infos, err := g.Boot(context.Background(), specs)
	require.NoError(t, err)
	assert.Len(t, infos, 2)
	assert.Len(t, g.GetFormatedProcesses(), 2)

	// already running names are left alone
	infos, err = g.Boot(context.Background(), specs)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestDumpOnClose(t *testing.T) {
	home := t.TempDir()
	g := newTestGod(t, withHome(home), func(o *Options) { o.DumpOnExit = true })
	_, err := g.Prepare(context.Background(), sleepSpec("kept", 1))
	require.NoError(t, err)
	require.NoError(t, g.Close(context.Background()))

	entries, err := persist.NewStore(home).Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Name)
	assert.Equal(t, process.StatusOnline, entries[0].Status)
}
