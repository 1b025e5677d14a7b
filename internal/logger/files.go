package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig controls the per-process log files <Dir>/<id>.stdout and
// <Dir>/<id>.stderr.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type streams struct {
	out, err *lj.Logger
	refs     int
}

// Files hands out shared rotating writers keyed by process id. Two
// processes writing under the same id (a rolling-reload replacement and the
// instance it replaces) share one writer pair.
type Files struct {
	cfg  FileConfig
	mu   sync.Mutex
	open map[int]*streams
}

func NewFiles(cfg FileConfig) *Files {
	return &Files{cfg: cfg, open: make(map[int]*streams)}
}

// Paths returns the stdout and stderr file paths for id.
func (f *Files) Paths(id int) (string, string) {
	base := filepath.Join(f.cfg.Dir, strconv.Itoa(id))
	return base + ".stdout", base + ".stderr"
}

func (f *Files) newLogger(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.cfg.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.cfg.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.cfg.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.cfg.Compress,
	}
}

// Acquire returns the writers for id. release must be called once the
// process using them has been reaped.
func (f *Files) Acquire(id int) (stdout, stderr io.Writer, release func(), err error) {
	if f.cfg.Dir == "" {
		return nil, nil, func() {}, nil
	}
	if err := os.MkdirAll(f.cfg.Dir, 0o750); err != nil {
		return nil, nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f.mu.Lock()
	s, ok := f.open[id]
	if !ok {
		op, ep := f.Paths(id)
		s = &streams{out: f.newLogger(op), err: f.newLogger(ep)}
		f.open[id] = s
	}
	s.refs++
	f.mu.Unlock()

	var once sync.Once
	return s.out, s.err, func() { once.Do(func() { f.release(id) }) }, nil
}

func (f *Files) release(id int) {
	f.mu.Lock()
	s, ok := f.open[id]
	if !ok {
		f.mu.Unlock()
		return
	}
	s.refs--
	if s.refs > 0 {
		f.mu.Unlock()
		return
	}
	delete(f.open, id)
	f.mu.Unlock()
	_ = s.out.Close()
	_ = s.err.Close()
}

// Rotate rotates every open writer. Errors are joined.
func (f *Files) Rotate() error {
	f.mu.Lock()
	all := make([]*streams, 0, len(f.open))
	for _, s := range f.open {
		all = append(all, s)
	}
	f.mu.Unlock()
	var errs []error
	for _, s := range all {
		if err := s.out.Rotate(); err != nil {
			errs = append(errs, err)
		}
		if err := s.err.Rotate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenCount reports how many ids currently hold writers.
func (f *Files) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}

// CloseAll closes every writer regardless of references.
func (f *Files) CloseAll() {
	f.mu.Lock()
	all := f.open
	f.open = make(map[int]*streams)
	f.mu.Unlock()
	for _, s := range all {
		_ = s.out.Close()
		_ = s.err.Close()
	}
}
