//go:build windows

package process

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/loykin/procgod/internal/errs"
)

func signalPID(pid int, sig syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if sig == syscall.SIGKILL || sig == syscall.SIGTERM {
		return p.Kill()
	}
	return errs.Validation("signal %d not supported on windows", int(sig))
}

func signalGroup(pid int, sig syscall.Signal) error { return signalPID(pid, sig) }

// ParseSignal only knows the signals windows can emulate.
func ParseSignal(s string) (syscall.Signal, error) {
	switch strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "SIG") {
	case "TERM", "15":
		return syscall.SIGTERM, nil
	case "KILL", "9":
		return syscall.SIGKILL, nil
	case "INT", "2":
		return syscall.SIGINT, nil
	}
	if _, err := strconv.Atoi(s); err == nil {
		return 0, errs.Validation("signal %s not supported on windows", s)
	}
	return 0, errs.Validation("unknown signal %q", s)
}

func CheckProcess(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
