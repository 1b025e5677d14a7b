package process

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/procgod/internal/cron"
	"github.com/loykin/procgod/internal/errs"
)

// ExecMode selects how instances of a spec relate to each other.
type ExecMode string

const (
	ModeFork    ExecMode = "fork"
	ModeCluster ExecMode = "cluster"
)

// Instances is the desired instance count. MaxInstances means one per CPU;
// it is only produced by the "max" keyword, never by a number.
type Instances int

const MaxInstances Instances = math.MinInt32

// Resolve returns the concrete number of instances to run.
func (n Instances) Resolve() int {
	switch {
	case n == MaxInstances:
		return runtime.NumCPU()
	case n <= 0:
		return 1
	default:
		return int(n)
	}
}

func (n Instances) String() string {
	if n == MaxInstances {
		return "max"
	}
	return strconv.Itoa(int(n))
}

func (n Instances) MarshalJSON() ([]byte, error) {
	if n == MaxInstances {
		return []byte(`"max"`), nil
	}
	return []byte(strconv.Itoa(int(n))), nil
}

// UnmarshalJSON accepts a number, a numeric string or "max".
func (n *Instances) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v, err := ParseInstances(raw)
	if err != nil {
		return err
	}
	*n = v
	return nil
}

// ParseInstances converts decoded config values into Instances. Negative
// numbers are rejected; "max" is the only way to ask for one per CPU.
func ParseInstances(raw any) (Instances, error) {
	var n int64
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt32 || v < math.MinInt32 {
			return 0, errs.Validation("instances must be an integer, got %v", v)
		}
		n = int64(v)
	case int:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint64:
		if v > math.MaxInt32 {
			return 0, errs.Validation("instances %d out of range", v)
		}
		n = int64(v)
	case string:
		s := strings.TrimSpace(strings.ToLower(v))
		if s == "max" {
			return MaxInstances, nil
		}
		i, err := strconv.Atoi(s)
		if err != nil {
			return 0, errs.Validation("instances must be a number or \"max\", got %q", v)
		}
		n = int64(i)
	default:
		return 0, errs.Validation("unsupported instances value %v", raw)
	}
	if n < 0 {
		return 0, errs.Validation("instances must be >= 1 or \"max\", got %d", n)
	}
	if n > math.MaxInt32 {
		return 0, errs.Validation("instances %d out of range", n)
	}
	return Instances(n), nil
}

// Spec describes a process to be managed. It is immutable once a launch
// has been issued for it; changes produce a new Spec value.
type Spec struct {
	Name            string        `json:"name" mapstructure:"name"`
	Exec            string        `json:"exec" mapstructure:"exec"`
	Args            []string      `json:"args,omitempty" mapstructure:"args"`
	Cwd             string        `json:"cwd,omitempty" mapstructure:"cwd"`
	Env             []string      `json:"env,omitempty" mapstructure:"env"`
	Instances       Instances     `json:"instances" mapstructure:"instances"`
	ExecMode        ExecMode      `json:"exec_mode" mapstructure:"exec_mode"`
	AutoRestart     bool          `json:"autorestart" mapstructure:"autorestart"`
	RestartDelay    time.Duration `json:"restart_delay,omitempty" mapstructure:"restart_delay"`         // initial backoff, 0 = daemon default
	MaxRestartDelay time.Duration `json:"max_restart_delay,omitempty" mapstructure:"max_restart_delay"` // backoff cap, 0 = daemon default
	Watch           []string      `json:"watch,omitempty" mapstructure:"watch"`
	StartOnBoot     bool          `json:"start_on_boot" mapstructure:"start_on_boot"`
	KillTimeout     time.Duration `json:"kill_timeout,omitempty" mapstructure:"kill_timeout"` // grace override, 0 = daemon default
	CronRestart     string        `json:"cron_restart,omitempty" mapstructure:"cron_restart"`
	// Tags group processes across applications for bulk stop/restart/delete.
	Tags []string `json:"tags,omitempty" mapstructure:"tags"`
}

// Normalized returns a copy with defaults applied.
func (s Spec) Normalized() Spec {
	s.Name = strings.TrimSpace(s.Name)
	s.Exec = strings.TrimSpace(s.Exec)
	if s.ExecMode == "" {
		s.ExecMode = ModeFork
	}
	if s.Instances == 0 {
		s.Instances = 1
	}
	s.Args = append([]string(nil), s.Args...)
	s.Env = append([]string(nil), s.Env...)
	s.Watch = append([]string(nil), s.Watch...)
	s.Tags = uniqueTags(s.Tags)
	return s
}

func uniqueTags(tags []string) []string {
	var out []string
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// HasTag reports whether tag is one of the spec's tags.
func (s Spec) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Validate checks the spec without touching the filesystem beyond cwd.
func (s Spec) Validate() error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return errs.Validation("process requires name")
	}
	if !IsSafeName(name) {
		return errs.Validation("invalid name %q: allowed [A-Za-z0-9._-] without '..'", name)
	}
	if strings.TrimSpace(s.Exec) == "" {
		return errs.Validation("process %s requires exec", name)
	}
	if s.Instances < 0 && s.Instances != MaxInstances {
		return errs.Validation("process %s: instances must be >= 1 or \"max\", got %d", name, s.Instances)
	}
	switch s.ExecMode {
	case "", ModeFork, ModeCluster:
	default:
		return errs.Validation("process %s: unknown exec_mode %q", name, s.ExecMode)
	}
	if s.RestartDelay < 0 || s.MaxRestartDelay < 0 || s.KillTimeout < 0 {
		return errs.Validation("process %s: durations must not be negative", name)
	}
	if s.MaxRestartDelay > 0 && s.RestartDelay > s.MaxRestartDelay {
		return errs.Validation("process %s: restart_delay %s exceeds max_restart_delay %s", name, s.RestartDelay, s.MaxRestartDelay)
	}
	for _, kv := range s.Env {
		if i := strings.IndexByte(kv, '='); i <= 0 {
			return errs.Validation("process %s: malformed env entry %q", name, kv)
		}
	}
	for _, t := range s.Tags {
		if t = strings.TrimSpace(t); t != "" && !IsSafeName(t) {
			return errs.Validation("process %s: invalid tag %q", name, t)
		}
	}
	if s.CronRestart != "" {
		if _, err := cron.Parse(s.CronRestart); err != nil {
			return errs.Validation("process %s: cron_restart: %v", name, err)
		}
	}
	if s.Cwd != "" {
		fi, err := os.Stat(s.Cwd)
		if err != nil || !fi.IsDir() {
			return errs.Validation("process %s: cwd %q is not a directory", name, s.Cwd)
		}
	}
	return nil
}

// HasWatch reports whether any watch path is configured.
func (s Spec) HasWatch() bool { return len(s.Watch) > 0 }

// ResolveExecutable locates the executable the way exec.Command would when
// started from s.Cwd.
func (s Spec) ResolveExecutable() (string, error) {
	p := s.Exec
	if strings.ContainsRune(p, filepath.Separator) && !filepath.IsAbs(p) && s.Cwd != "" {
		p = filepath.Join(s.Cwd, p)
	}
	resolved, err := exec.LookPath(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", s.Exec, err)
	}
	return resolved, nil
}

// BuildCommand constructs an *exec.Cmd for the spec without a shell.
func (s Spec) BuildCommand() *exec.Cmd {
	// #nosec G204
	cmd := exec.Command(s.Exec, s.Args...)
	if s.Cwd != "" {
		cmd.Dir = s.Cwd
	}
	configureSysProcAttr(cmd)
	return cmd
}

// IsSafeName validates names that end up in file names and URLs.
func IsSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
