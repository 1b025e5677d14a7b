// Package errs defines the error kinds shared by the supervisor packages.
// Operations wrap one of the sentinels with context using %w; callers
// classify with errors.Is or KindOf.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrValidation  = errors.New("invalid process spec")
	ErrSpawn       = errors.New("spawn failed")
	ErrNotFound    = errors.New("process not found")
	ErrTimeout     = errors.New("timeout")
	ErrPersistence = errors.New("persistence failure")
)

// Kind names used by transports.
const (
	KindValidation  = "validation"
	KindSpawn       = "spawn"
	KindNotFound    = "not_found"
	KindTimeout     = "timeout"
	KindPersistence = "persistence"
	KindInternal    = "internal"
)

// KindOf returns the kind of err, or KindInternal when it wraps none of the sentinels.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrSpawn):
		return KindSpawn
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	default:
		return KindInternal
	}
}

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Spawn wraps the OS error that prevented a process from starting.
func Spawn(name string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSpawn, name, err)
}

func Timeout(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTimeout, fmt.Sprintf(format, args...))
}

func Persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
