package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/nxadm/tail"
)

// Line is one line read back from a process log file.
type Line struct {
	Stream string `json:"stream"`
	Text   string `json:"line"`
}

// Tail hands emit the last n lines of path, and with follow every line
// appended afterwards until ctx is done. Following survives rotation and
// waits for a missing file to appear; without follow a missing file yields
// nothing.
func Tail(ctx context.Context, path, stream string, n int, follow bool, emit func(Line) error) error {
	off, err := lastLinesOffset(path, n)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("tail %s: %w", path, err)
		}
		if !follow {
			return nil
		}
		off = 0
	}
	t, err := tail.TailFile(path, tail.Config{
		Location:      &tail.SeekInfo{Offset: off, Whence: io.SeekStart},
		Follow:        follow,
		ReOpen:        follow,
		MustExist:     !follow,
		CompleteLines: true,
		Logger:        tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("tail %s: %w", path, err)
	}
	defer func() { _ = t.Stop() }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-t.Lines:
			if !ok {
				return t.Wait()
			}
			if l.Err != nil {
				return l.Err
			}
			if err := emit(Line{Stream: stream, Text: l.Text}); err != nil {
				return err
			}
		}
	}
}

// lastLinesOffset returns where the last n lines of path begin; n <= 0 means
// the end of the file. A trailing newline closes the last line.
func lastLinesOffset(path string, n int) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := fi.Size()
	if n <= 0 {
		return size, nil
	}
	buf := make([]byte, 4096)
	pos, seen := size, 0
	for pos > 0 {
		chunk := int64(len(buf))
		if pos < chunk {
			chunk = pos
		}
		pos -= chunk
		if _, err := f.ReadAt(buf[:chunk], pos); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		for i := chunk - 1; i >= 0; i-- {
			if buf[i] != '\n' || pos+i == size-1 {
				continue
			}
			if seen++; seen == n {
				return pos + i + 1, nil
			}
		}
	}
	return 0, nil
}
