package metrics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// SourceKind tells the sampler where a pid came from.
type SourceKind int

const (
	// SourceOS is the pid of the spawned process itself.
	SourceOS SourceKind = iota
	// SourceAgent is a pid reported by the process (e.g. a wrapper that forks the real worker).
	SourceAgent
)

func (k SourceKind) String() string {
	switch k {
	case SourceOS:
		return "os"
	case SourceAgent:
		return "agent"
	default:
		return fmt.Sprintf("SourceKind(%d)", int(k))
	}
}

// Source identifies the OS process whose resources are sampled.
type Source struct {
	Kind SourceKind `json:"kind"`
	PID  int        `json:"pid"`
}

func (s Source) Validate() error {
	if s.Kind != SourceOS && s.Kind != SourceAgent {
		return fmt.Errorf("invalid monitor source kind %d", int(s.Kind))
	}
	if s.PID <= 0 {
		return fmt.Errorf("invalid monitor pid %d", s.PID)
	}
	return nil
}

// Usage is one resource sample. CPU is a percentage of one core.
type Usage struct {
	Memory uint64  `json:"memory"`
	CPU    float64 `json:"cpu"`
}

// Sampler reads resource usage through gopsutil.
type Sampler struct{}

func NewSampler() *Sampler { return &Sampler{} }

// Sample returns the RSS and CPU usage of src. The zero Usage is returned with
// an error when the source is invalid or the process cannot be inspected.
func (s *Sampler) Sample(ctx context.Context, src Source) (Usage, error) {
	if err := src.Validate(); err != nil {
		return Usage{}, err
	}
	p, err := process.NewProcessWithContext(ctx, int32(src.PID))
	if err != nil {
		return Usage{}, fmt.Errorf("inspect pid %d: %w", src.PID, err)
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("memory pid %d: %w", src.PID, err)
	}
	u := Usage{Memory: mem.RSS}
	// cpu is best effort; some platforms refuse it for foreign processes
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		u.CPU = cpu
	}
	return u, nil
}
