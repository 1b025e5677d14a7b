package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/procgod/internal/errs"
	"github.com/loykin/procgod/internal/process"
)

func sampleEntries() []Entry {
	now := time.Now().UTC().Truncate(time.Second)
	return []Entry{
		{ID: 0, Name: "web", Group: "web", Status: process.StatusOnline, RestartCount: 2, CreatedAt: now,
			Spec: process.Spec{Name: "web", Exec: "sleep", Args: []string{"10"}, Instances: 2, ExecMode: process.ModeCluster}},
		{ID: 3, Name: "job", Group: "job", Status: process.StatusStopped, CreatedAt: now,
			Spec: process.Spec{Name: "job", Exec: "true", Instances: process.MaxInstances}},
	}
}

func TestDumpAndLoadPreservesOrder(t *testing.T) {
	s := NewStore(t.TempDir())
	in := sampleEntries()
	if err := s.Dump(context.Background(), func() []Entry { return in }); err != nil {
		t.Fatalf("dump: %v", err)
	}
	out, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 2 || out[0].ID != 0 || out[1].ID != 3 {
		t.Fatalf("unexpected entries: %+v", out)
	}
	if out[1].Spec.Instances != process.MaxInstances {
		t.Fatalf("instances max lost: %v", out[1].Spec.Instances)
	}
	if out[0].Status != process.StatusOnline || out[0].RestartCount != 2 {
		t.Fatalf("runtime summary lost: %+v", out[0])
	}
	if !out[0].CreatedAt.Equal(in[0].CreatedAt) {
		t.Fatalf("created_at mismatch")
	}
}

func TestDumpReplacesFileAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	ctx := context.Background()
	if err := s.Dump(ctx, sampleEntries); err != nil {
		t.Fatal(err)
	}
	if err := s.Dump(ctx, func() []Entry { return nil }); err != nil {
		t.Fatal(err)
	}
	out, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty dump, got %d", len(out))
	}
	b, _ := os.ReadFile(s.Path())
	if string(b) != "[]" {
		t.Fatalf("expected [] got %q", b)
	}
	names, _ := filepath.Glob(filepath.Join(dir, "*"))
	if len(names) != 1 || filepath.Base(names[0]) != FileName {
		t.Fatalf("temp files left behind: %v", names)
	}
}

func TestLoadMissingFile(t *testing.T) {
	out, err := NewStore(t.TempDir()).Load()
	if err != nil || out != nil {
		t.Fatalf("missing file should be empty, got %v %v", out, err)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := NewStore(dir).Load()
	if !errors.Is(err, errs.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestDumpUnwritableDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	ro := filepath.Join(dir, "ro")
	if err := os.Mkdir(ro, 0o500); err != nil {
		t.Fatal(err)
	}
	err := NewStore(ro).Dump(context.Background(), sampleEntries)
	if !errors.Is(err, errs.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestConcurrentDumpsCoalesce(t *testing.T) {
	s := NewStore(t.TempDir())
	var calls atomic.Int32
	gates := []chan struct{}{make(chan struct{}), make(chan struct{})}
	entered := make(chan int32, 2)
	snapshot := func() []Entry {
		n := calls.Add(1)
		entered <- n
		if int(n) <= len(gates) {
			<-gates[n-1]
		}
		return sampleEntries()
	}

	var wg sync.WaitGroup
	errsCh := make(chan error, 5)
	dump := func() {
		defer wg.Done()
		errsCh <- s.Dump(context.Background(), snapshot)
	}
	wg.Add(1)
	go dump()
	<-entered
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go dump()
	}
	// let the late callers queue behind the in-flight write
	time.Sleep(200 * time.Millisecond)
	close(gates[0])
	if n := <-entered; n != 2 {
		t.Fatalf("expected one follow-up write, got call %d", n)
	}
	time.Sleep(200 * time.Millisecond)
	close(gates[1])
	wg.Wait()
	close(errsCh)
	for err := range errsCh {
		if err != nil {
			t.Fatalf("dump: %v", err)
		}
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected the late callers to share one follow-up write, got %d writes", n)
	}
}

func TestDumpAfterMutationSeesIt(t *testing.T) {
	s := NewStore(t.TempDir())
	var mu sync.Mutex
	state := sampleEntries()
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var first atomic.Bool
	snapshot := func() []Entry {
		mu.Lock()
		out := append([]Entry(nil), state...)
		mu.Unlock()
		if first.CompareAndSwap(false, true) {
			entered <- struct{}{}
			<-release
		}
		return out
	}

	done := make(chan error, 1)
	go func() { done <- s.Dump(context.Background(), snapshot) }()
	<-entered

	// delete a record, then dump while the stale write is still in flight
	mu.Lock()
	state = state[:1]
	mu.Unlock()
	late := make(chan error, 1)
	go func() { late <- s.Dump(context.Background(), snapshot) }()
	time.Sleep(100 * time.Millisecond)
	close(release)

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if err := <-late; err != nil {
		t.Fatal(err)
	}
	out, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Name != "web" {
		t.Fatalf("dump returned before covering the delete: %+v", out)
	}
}

func TestDumpHonoursContext(t *testing.T) {
	s := NewStore(t.TempDir())
	block := make(chan struct{})
	defer close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Dump(ctx, func() []Entry { <-block; return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}
