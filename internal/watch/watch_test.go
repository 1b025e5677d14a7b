package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	ids []int
	ch  chan int
}

func newRecorder() *recorder { return &recorder{ch: make(chan int, 16)} }

func (r *recorder) fire(id int) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
	r.ch <- id
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func newWatcher(t *testing.T, rec *recorder) *Watcher {
	t.Helper()
	w, err := New(nil, 100*time.Millisecond, rec.fire)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestDirectoryChangeDebounced(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := newWatcher(t, rec)
	require.NoError(t, w.Add(7, "", []string{dir}))

	for i := 0; i < 5; i++ {
		write(t, filepath.Join(dir, "app.js"), "v"+string(rune('0'+i)))
	}
	select {
	case id := <-rec.ch:
		assert.Equal(t, 7, id)
	case <-time.After(3 * time.Second):
		t.Fatal("no change notification")
	}
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, rec.count(), "burst should coalesce into one change")
}

func TestNestedDirectoryCreatedLater(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := newWatcher(t, rec)
	require.NoError(t, w.Add(1, "", []string{dir}))

	sub := filepath.Join(dir, "lib")
	require.NoError(t, os.Mkdir(sub, 0o750))
	<-rec.ch // mkdir itself is a change

	write(t, filepath.Join(sub, "x.go"), "package x")
	select {
	case id := <-rec.ch:
		assert.Equal(t, 1, id)
	case <-time.After(3 * time.Second):
		t.Fatal("change inside new subdirectory not seen")
	}
}

func TestFileRootIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "config.toml")
	write(t, target, "a=1")
	rec := newRecorder()
	w := newWatcher(t, rec)
	require.NoError(t, w.Add(2, dir, []string{"config.toml"}))

	write(t, filepath.Join(dir, "other.txt"), "noise")
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 0, rec.count())

	write(t, target, "a=2")
	select {
	case id := <-rec.ch:
		assert.Equal(t, 2, id)
	case <-time.After(3 * time.Second):
		t.Fatal("file change not seen")
	}
}

func TestRemoveStopsNotifications(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := newWatcher(t, rec)
	require.NoError(t, w.Add(3, "", []string{dir}))
	assert.True(t, w.Watching(3))

	write(t, filepath.Join(dir, "a"), "1")
	w.Remove(3) // also cancels the pending debounce
	assert.False(t, w.Watching(3))
	write(t, filepath.Join(dir, "b"), "2")
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
	assert.Empty(t, w.dirRefs)
}

func TestSharedDirectoryRefcount(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := newWatcher(t, rec)
	require.NoError(t, w.Add(1, "", []string{dir}))
	require.NoError(t, w.Add(2, "", []string{dir}))
	w.Remove(1)

	write(t, filepath.Join(dir, "f"), "x")
	select {
	case id := <-rec.ch:
		assert.Equal(t, 2, id)
	case <-time.After(3 * time.Second):
		t.Fatal("remaining watcher lost its directory")
	}
}

func TestAddMissingPath(t *testing.T) {
	w := newWatcher(t, newRecorder())
	err := w.Add(1, "", []string{filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
	assert.False(t, w.Watching(1))
}
