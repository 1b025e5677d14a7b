package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/procgod/internal/config"
	"github.com/loykin/procgod/internal/god"
	"github.com/loykin/procgod/internal/history"
	"github.com/loykin/procgod/internal/history/factory"
	"github.com/loykin/procgod/internal/logger"
	"github.com/loykin/procgod/internal/metrics"
	"github.com/loykin/procgod/internal/process"
	"github.com/loykin/procgod/internal/server"
)

const shutdownTimeout = 30 * time.Second

// DaemonFlags holds flags for the daemon command
type DaemonFlags struct {
	Daemonize bool
	LogFile   string
}

func createDaemonCommand(flags *GlobalFlags) *cobra.Command {
	df := &DaemonFlags{}
	cmd := &cobra.Command{
		Use:   "daemon [procgod.toml]",
		Short: "Run the procgod daemon",
		Long: `Run the supervisor daemon in the foreground, or in the background with
--daemonize. Configuration comes from --config (or the argument), with
PROCGOD_* environment variables overriding file values.

Examples:
  procgod daemon
  procgod daemon /etc/procgod.toml
  procgod daemon --config=procgod.toml --daemonize --logfile=/var/log/procgod.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			if df.LogFile != "" {
				cfg.Log.File = df.LogFile
			}
			if df.Daemonize {
				pid, err := daemonize(cfg.Log.File)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "procgod daemon started with PID %d\n", pid)
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&df.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&df.LogFile, "logfile", "", "write daemon logs to this rotating file")
	return cmd
}

// runDaemon builds the supervisor from cfg, serves the API and blocks until
// ctx is cancelled. Processes are stopped (and dumped when configured)
// before it returns.
func runDaemon(ctx context.Context, cfg *config.Config, stderr io.Writer) error {
	log, logCloser := logger.New(cfg.Log.Config, stderr)
	defer func() { _ = logCloser.Close() }()

	if err := checkPidFile(cfg.PIDFile); err != nil {
		return err
	}

	sinks, err := factory.NewSinks(cfg.History.Sinks)
	if err != nil {
		return err
	}
	rec := history.NewRecorder(log, cfg.History.Timeout, sinks...)

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
	}

	opts, err := god.OptionsFromConfig(cfg)
	if err != nil {
		_ = rec.Close()
		return err
	}
	opts.Logger = log
	opts.History = rec
	opts.Version = version
	g, err := god.New(opts)
	if err != nil {
		_ = rec.Close()
		return err
	}

	if cfg.ResurrectOnBoot {
		rep, err := g.Resurrect(ctx)
		switch {
		case err != nil:
			log.Warn("resurrect failed", "error", err)
		default:
			log.Info("resurrected process list", "restored", len(rep.Restored), "failed", len(rep.Failures))
			for _, f := range rep.Failures {
				log.Warn("resurrect entry failed", "id", f.ID, "name", f.Name, "error", f.Error)
			}
		}
	}
	if infos, err := g.Boot(ctx, cfg.Processes); err != nil {
		log.Warn("boot processes failed", "error", err)
	} else if len(infos) > 0 {
		log.Info("started boot processes", "count", len(infos))
	}

	var srv *http.Server
	if cfg.Server.Enabled {
		srv, err = server.NewServer(cfg.Server.Listen, cfg.Server.BasePath, g, cfg.Metrics.Enabled, log)
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return errors.Join(fmt.Errorf("listen %s: %w", cfg.Server.Listen, err), g.Close(closeCtx))
		}
	}

	if err := writePidFile(cfg.PIDFile, os.Getpid()); err != nil {
		log.Warn("failed to write pid file", "path", cfg.PIDFile, "error", err)
	}
	defer func() { _ = removePidFile(cfg.PIDFile) }()

	<-ctx.Done()
	log.Info("shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if srv != nil {
		errs = append(errs, srv.Shutdown(closeCtx))
	}
	errs = append(errs, g.Close(closeCtx))
	return errors.Join(errs...)
}

// daemonize re-executes the current binary without --daemonize in a new
// session and returns the child's pid. The child writes its own pid file.
func daemonize(logFile string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to get executable path: %w", err)
	}

	// #nosec G204
	cmd := exec.Command(executable, childArgs(os.Args[1:])...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil
	if logFile != "" {
		// The child logs through lumberjack; only early panics land here.
		// #nosec G304
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return 0, fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = f.Close() }()
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}

// childArgs drops --daemonize (in any spelling) from args.
func childArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--daemonize" || strings.HasPrefix(a, "--daemonize=") {
			continue
		}
		out = append(out, a)
	}
	return out
}

// checkPidFile fails when the pid file names a live process other than us.
// A stale file is left for writePidFile to overwrite.
func checkPidFile(path string) error {
	if path == "" {
		return nil
	}
	pid, err := readPidFile(path)
	if err != nil {
		return nil
	}
	if pid != os.Getpid() && process.CheckProcess(pid) {
		return fmt.Errorf("procgod already running with pid %d (%s)", pid, path)
	}
	return nil
}

func readPidFile(path string) (int, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

// writePidFile writes the daemon PID to a file
func writePidFile(path string, pid int) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	// #nosec G302 G304
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.WriteString(strconv.Itoa(pid))
	return err
}

// removePidFile removes the PID file
func removePidFile(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
