package client

import (
	"fmt"

	"github.com/loykin/procgod/internal/errs"
	"github.com/loykin/procgod/internal/metrics"
	"github.com/loykin/procgod/internal/process"
)

// MonitorEntry is one row of the monitor listing.
type MonitorEntry struct {
	ID     int            `json:"id"`
	Name   string         `json:"name"`
	Status process.Status `json:"status"`
	PID    int            `json:"pid"`
	Monit  metrics.Usage  `json:"monit"`
}

// ErrorResponse is the body the daemon sends with a failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// APIError is returned for non-2xx responses. It unwraps to the matching
// errs sentinel so callers can use errors.Is across the wire.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Kind {
	case errs.KindValidation:
		return errs.ErrValidation
	case errs.KindNotFound:
		return errs.ErrNotFound
	case errs.KindTimeout:
		return errs.ErrTimeout
	case errs.KindSpawn:
		return errs.ErrSpawn
	case errs.KindPersistence:
		return errs.ErrPersistence
	}
	return nil
}

type prepareResponse struct {
	Processes []processInfo `json:"processes"`
	Error     string        `json:"error,omitempty"`
}
