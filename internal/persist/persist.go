// Package persist writes the process list to the dump file and reads it back.
package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	natomic "github.com/natefinch/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/loykin/procgod/internal/errs"
	"github.com/loykin/procgod/internal/process"
)

// FileName is the dump file name inside the data home.
const FileName = "dump.json"

// Entry is one dumped process.
type Entry struct {
	ID           int            `json:"id"`
	Name         string         `json:"name"`
	Group        string         `json:"group"`
	Spec         process.Spec   `json:"spec"`
	Status       process.Status `json:"status"`
	RestartCount int            `json:"restart_count"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Store owns the dump file. Concurrent Dump calls share one write.
type Store struct {
	path string
	sf   singleflight.Group
	reqs atomic.Uint64 // Dump calls issued so far
}

func NewStore(dataHome string) *Store {
	return &Store{path: filepath.Join(dataHome, FileName)}
}

func (s *Store) Path() string { return s.path }

// Dump serializes the entries returned by snapshot and atomically replaces the
// dump file. A caller arriving while a dump is in flight shares a write, but
// never one whose snapshot was taken before the call: it waits for the
// in-flight write and then joins a single follow-up.
func (s *Store) Dump(ctx context.Context, snapshot func() []Entry) error {
	want := s.reqs.Add(1)
	for {
		ch := s.sf.DoChan("dump", func() (any, error) {
			covered := s.reqs.Load()
			entries := snapshot()
			if entries == nil {
				entries = []Entry{}
			}
			return covered, s.write(entries)
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-ch:
			if covered, _ := r.Val.(uint64); covered >= want {
				return r.Err
			}
		}
	}
}

func (s *Store) write(entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errs.Persistence("encode dump", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return errs.Persistence("write dump", err)
	}
	if err := natomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return errs.Persistence("write dump", err)
	}
	return nil
}

// Load reads the dump file. A missing file yields no entries.
func (s *Store) Load() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Persistence("read dump", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errs.Persistence("decode dump", fmt.Errorf("%s: %w", s.path, err))
	}
	return entries, nil
}
