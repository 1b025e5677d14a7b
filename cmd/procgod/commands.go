package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/procgod/internal/config"
	"github.com/loykin/procgod/internal/errs"
	"github.com/loykin/procgod/internal/god"
	"github.com/loykin/procgod/internal/logger"
	"github.com/loykin/procgod/internal/process"
	"github.com/loykin/procgod/pkg/client"
)

var errPartial = errors.New("some processes failed")

func newClient(flags *GlobalFlags) *client.Client {
	return client.New(client.Config{BaseURL: flags.APIUrl, Timeout: flags.APITimeout})
}

func commandContext(cmd *cobra.Command, flags *GlobalFlags) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if flags.APITimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, flags.APITimeout)
}

// clientRunE adapts fn into a cobra RunE with a connected client.
func clientRunE(flags *GlobalFlags, fn func(ctx context.Context, cmd *cobra.Command, c *client.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd, flags)
		defer cancel()
		return fn(ctx, cmd, newClient(flags), args)
	}
}

// target is a command argument naming one id, one application or "all".
type target struct {
	ID   int
	Name string
	All  bool
	ByID bool
}

func parseTarget(arg string) (target, error) {
	arg = strings.TrimSpace(arg)
	if arg == "all" {
		return target{All: true}, nil
	}
	if id, err := strconv.Atoi(arg); err == nil {
		if id < 0 {
			return target{}, errs.Validation("invalid id %d", id)
		}
		return target{ID: id, ByID: true}, nil
	}
	if !process.IsSafeName(arg) {
		return target{}, errs.Validation("invalid process name %q", arg)
	}
	return target{Name: arg}, nil
}

// StartFlags holds flags for the start command
type StartFlags struct {
	Name         string
	Exec         string
	Instances    string
	ExecMode     string
	AutoRestart  bool
	Cwd          string
	Env          []string
	Watch        []string
	CronRestart  string
	KillTimeout  time.Duration
	RestartDelay time.Duration
	StartOnBoot  bool
	Tags         []string
}

func createStartCommand(flags *GlobalFlags) *cobra.Command {
	sf := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start <ecosystem-file | exec> [-- args...]",
		Short: "Start an application or every app in an ecosystem file",
		Long: `Start launches an application on the daemon. The argument is either an
ecosystem file (.toml, .yaml, .yml or .json listing apps) or the program
to run, followed by its arguments after "--".

Examples:
  procgod start ecosystem.toml
  procgod start --name=worker -- ./worker.sh --queue=default
  procgod start --name=api -i max --exec-mode=cluster --exec=./api`,
		RunE: clientRunE(flags, func(ctx context.Context, cmd *cobra.Command, c *client.Client, args []string) error {
			specs, err := startSpecs(sf, args)
			if err != nil {
				return err
			}
			var failed []error
			var started []god.ProcessInfo
			for _, spec := range specs {
				infos, err := c.Start(ctx, spec)
				started = append(started, infos...)
				if err != nil {
					failed = append(failed, fmt.Errorf("%s: %w", spec.Name, err))
				}
			}
			if err := output(cmd, flags, started, printProcesses); err != nil {
				return err
			}
			return errors.Join(failed...)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&sf.Name, "name", "", "application name (defaults to the program's base name)")
	f.StringVar(&sf.Exec, "exec", "", "program to run; positional arguments become its args")
	f.StringVarP(&sf.Instances, "instances", "i", "1", `number of instances or "max"`)
	f.StringVar(&sf.ExecMode, "exec-mode", string(process.ModeFork), "fork or cluster")
	f.BoolVar(&sf.AutoRestart, "autorestart", true, "restart the process when it exits")
	f.StringVar(&sf.Cwd, "cwd", "", "working directory (defaults to the current directory)")
	f.StringArrayVar(&sf.Env, "env", nil, "extra KEY=VALUE environment entries")
	f.StringArrayVar(&sf.Watch, "watch", nil, "paths whose changes restart the process")
	f.StringVar(&sf.CronRestart, "cron-restart", "", `periodic restart, e.g. "@every 1h"`)
	f.DurationVar(&sf.KillTimeout, "kill-timeout", 0, "grace period before SIGKILL on stop")
	f.DurationVar(&sf.RestartDelay, "restart-delay", 0, "initial crash backoff")
	f.BoolVar(&sf.StartOnBoot, "start-on-boot", false, "start again when the daemon boots")
	f.StringArrayVar(&sf.Tags, "tag", nil, "tag for bulk stop/restart/delete, repeatable")
	return cmd
}

// startSpecs builds the specs for start from an ecosystem file or flags.
func startSpecs(sf *StartFlags, args []string) ([]process.Spec, error) {
	if sf.Exec == "" && len(args) == 1 && isEcosystemFile(args[0]) {
		return config.LoadSpecs(args[0])
	}
	exe, rest := sf.Exec, args
	if exe == "" {
		if len(args) == 0 {
			return nil, errs.Validation("start requires an ecosystem file or a program to run")
		}
		exe, rest = args[0], args[1:]
	}
	inst, err := process.ParseInstances(sf.Instances)
	if err != nil {
		return nil, err
	}
	cwd := sf.Cwd
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return nil, err
		}
	}
	name := sf.Name
	if name == "" {
		base := filepath.Base(exe)
		name = strings.TrimSuffix(base, filepath.Ext(base))
		if !process.IsSafeName(name) {
			// the daemon generates one
			name = ""
		}
	}
	spec := process.Spec{
		Name:         name,
		Exec:         exe,
		Args:         rest,
		Cwd:          cwd,
		Env:          sf.Env,
		Instances:    inst,
		ExecMode:     process.ExecMode(sf.ExecMode),
		AutoRestart:  sf.AutoRestart,
		RestartDelay: sf.RestartDelay,
		Watch:        sf.Watch,
		StartOnBoot:  sf.StartOnBoot,
		KillTimeout:  sf.KillTimeout,
		CronRestart:  sf.CronRestart,
		Tags:         sf.Tags,
	}.Normalized()
	if spec.Name == "" {
		return []process.Spec{spec}, nil
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return []process.Spec{spec}, nil
}

func isEcosystemFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml", ".yaml", ".yml", ".json":
	default:
		return false
	}
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// output prints v as JSON when --json is set and through table otherwise.
func output[T any](cmd *cobra.Command, flags *GlobalFlags, v T, table func(w io.Writer, v T) error) error {
	if flags.JSON {
		return printJSON(cmd.OutOrStdout(), v)
	}
	return table(cmd.OutOrStdout(), v)
}

func createListCommand(flags *GlobalFlags) *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:     "list [name]",
		Aliases: []string{"ls", "status"},
		Short:   "List managed processes",
		Args:    cobra.MaximumNArgs(1),
		RunE: clientRunE(flags, func(ctx context.Context, cmd *cobra.Command, c *client.Client, args []string) error {
			var (
				list []god.ProcessInfo
				err  error
			)
			switch {
			case tag != "" && len(args) == 1:
				return errs.Validation("list takes a name or --tag, not both")
			case tag != "":
				list, err = c.ListTag(ctx, tag)
			case len(args) == 1:
				list, err = c.List(ctx, args[0])
			default:
				list, err = c.List(ctx, "")
			}
			if err != nil {
				return err
			}
			return output(cmd, flags, list, printProcesses)
		}),
	}
	cmd.Flags().StringVar(&tag, "tag", "", "only processes carrying this tag")
	return cmd
}

func createDescribeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <id>",
		Short: "Show everything known about one process",
		Args:  cobra.ExactArgs(1),
		RunE: clientRunE(flags, func(ctx context.Context, cmd *cobra.Command, c *client.Client, args []string) error {
			t, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			if !t.ByID {
				return errs.Validation("describe takes a numeric id")
			}
			info, err := c.Get(ctx, t.ID)
			if err != nil {
				return err
			}
			return output(cmd, flags, info, printDescribe)
		}),
	}
}

// action is one of the per-target verbs shared by stop, restart and delete.
type action struct {
	verb  string
	done  string
	byID  func(ctx context.Context, c *client.Client, id int) error
	byApp func(ctx context.Context, c *client.Client, name string) ([]god.BatchResult, error)
	byTag func(ctx context.Context, c *client.Client, tag string) ([]god.BatchResult, error)
}

var (
	stopAction = action{
		verb: "stop", done: "stopped",
		byID: func(ctx context.Context, c *client.Client, id int) error {
			_, err := c.Stop(ctx, id)
			return err
		},
		byApp: func(ctx context.Context, c *client.Client, name string) ([]god.BatchResult, error) {
			return c.StopApp(ctx, name)
		},
		byTag: func(ctx context.Context, c *client.Client, tag string) ([]god.BatchResult, error) {
			return c.StopTag(ctx, tag)
		},
	}
	restartAction = action{
		verb: "restart", done: "restarted",
		byID: func(ctx context.Context, c *client.Client, id int) error {
			_, err := c.Restart(ctx, id)
			return err
		},
		byApp: func(ctx context.Context, c *client.Client, name string) ([]god.BatchResult, error) {
			return c.RestartApp(ctx, name)
		},
		byTag: func(ctx context.Context, c *client.Client, tag string) ([]god.BatchResult, error) {
			return c.RestartTag(ctx, tag)
		},
	}
	deleteAction = action{
		verb: "delete", done: "deleted",
		byID: func(ctx context.Context, c *client.Client, id int) error {
			return c.Delete(ctx, id)
		},
		byApp: func(ctx context.Context, c *client.Client, name string) ([]god.BatchResult, error) {
			return c.DeleteApp(ctx, name)
		},
		byTag: func(ctx context.Context, c *client.Client, tag string) ([]god.BatchResult, error) {
			return c.DeleteTag(ctx, tag)
		},
	}
)

func createActionCommand(flags *GlobalFlags, a action, aliases ...string) *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:     a.verb + " <id|name|all> | --tag <tag>",
		Aliases: aliases,
		Short:   strings.ToUpper(a.verb[:1]) + a.verb[1:] + " a process, an application, a tag or everything",
		Args:    cobra.MaximumNArgs(1),
		RunE: clientRunE(flags, func(ctx context.Context, cmd *cobra.Command, c *client.Client, args []string) error {
			var (
				res []god.BatchResult
				err error
			)
			switch {
			case tag != "" && len(args) == 0:
				if !process.IsSafeName(tag) {
					return errs.Validation("invalid tag %q", tag)
				}
				res, err = a.byTag(ctx, c, tag)
			case tag == "" && len(args) == 1:
				var t target
				if t, err = parseTarget(args[0]); err != nil {
					return err
				}
				res, err = runAction(ctx, c, a, t)
			default:
				return errs.Validation("%s takes one of <id|name|all> or --tag", a.verb)
			}
			if err != nil {
				return err
			}
			if flags.JSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			if printBatch(cmd.OutOrStdout(), a.done, res) {
				return errPartial
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&tag, "tag", "", "act on every process carrying this tag")
	return cmd
}

// runAction applies a to t. Per-id failures are reported in the results;
// the error is set only when the target itself could not be resolved.
func runAction(ctx context.Context, c *client.Client, a action, t target) ([]god.BatchResult, error) {
	switch {
	case t.ByID:
		info, err := c.Get(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if err := a.byID(ctx, c, t.ID); err != nil {
			return nil, err
		}
		return []god.BatchResult{{ID: t.ID, Name: info.Name}}, nil
	case t.All:
		list, err := c.List(ctx, "")
		if err != nil {
			return nil, err
		}
		out := make([]god.BatchResult, 0, len(list))
		for _, p := range list {
			r := god.BatchResult{ID: p.ID, Name: p.Name}
			if err := a.byID(ctx, c, p.ID); err != nil {
				r.Error = err.Error()
			}
			out = append(out, r)
		}
		return out, nil
	default:
		return a.byApp(ctx, c, t.Name)
	}
}

func createStopCommand(flags *GlobalFlags) *cobra.Command {
	return createActionCommand(flags, stopAction)
}

func createRestartCommand(flags *GlobalFlags) *cobra.Command {
	return createActionCommand(flags, restartAction)
}

func createDeleteCommand(flags *GlobalFlags) *cobra.Command {
	return createActionCommand(flags, deleteAction, "del", "rm")
}

func createReloadCommand(flags *GlobalFlags) *cobra.Command {
	var updateEnv bool
	cmd := &cobra.Command{
		Use:   "reload <id|name>",
		Short: "Reload an application, rolling cluster instances one at a time",
		Long: `Reload replaces the processes of an application. Cluster applications are
rolled one instance at a time so that at least one instance stays online;
fork applications are restarted in place.

With --update-env the current shell environment is layered over the
processes' environment.`,
		Args: cobra.ExactArgs(1),
		RunE: clientRunE(flags, func(ctx context.Context, cmd *cobra.Command, c *client.Client, args []string) error {
			t, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			if t.All {
				return errs.Validation("reload takes an id or an application name")
			}
			sel := god.Selector{Name: t.Name}
			if t.ByID {
				id := t.ID
				sel = god.Selector{ID: &id}
			}
			opts := god.ReloadOptions{UpdateEnv: updateEnv}
			if updateEnv {
				opts.Env = os.Environ()
			}
			res, err := c.Reload(ctx, sel, opts)
			if res.Name != "" {
				if perr := output(cmd, flags, res, printReload); perr != nil {
					return perr
				}
			}
			return err
		}),
	}
	cmd.Flags().BoolVar(&updateEnv, "update-env", false, "apply the current environment to the reloaded processes")
	return cmd
}

func createScaleCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scale <name> <instances>",
		Short: "Grow or shrink an application to the given instance count",
		Args:  cobra.ExactArgs(2),
		RunE: clientRunE(flags, func(ctx context.Context, cmd *cobra.Command, c *client.Client, args []string) error {
			if !process.IsSafeName(args[0]) {
				return errs.Validation("invalid process name %q", args[0])
			}
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return errs.Validation("instances must be a number, got %q", args[1])
			}
			res, err := c.Scale(ctx, args[0], n)
			if err != nil {
				return err
			}
			if flags.JSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			w := cmd.OutOrStdout()
			for _, p := range res.Added {
				_, _ = fmt.Fprintf(w, "[%d] %s: added (%s)\n", p.ID, p.Name, p.Status)
			}
			for _, id := range res.Removed {
				_, _ = fmt.Fprintf(w, "[%d] %s: removed\n", id, res.Name)
			}
			if len(res.Added) == 0 && len(res.Removed) == 0 {
				_, _ = fmt.Fprintf(w, "%s already has %d instances\n", res.Name, n)
			}
			return nil
		}),
	}
}

func createSignalCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "signal <signal> <id|name|all>",
		Aliases: []string{"sendSignal"},
		Short:   "Send a signal such as SIGUSR2 to processes",
		Args:    cobra.ExactArgs(2),
		RunE: clientRunE(flags, func(ctx context.Context, cmd *cobra.Command, c *client.Client, args []string) error {
			if _, err := process.ParseSignal(args[0]); err != nil {
				return err
			}
			t, err := parseTarget(args[1])
			if err != nil {
				return err
			}
			sig := args[0]
			a := action{
				verb: "signal", done: "signalled " + sig,
				byID: func(ctx context.Context, c *client.Client, id int) error {
					return c.Signal(ctx, sig, id)
				},
				byApp: func(ctx context.Context, c *client.Client, name string) ([]god.BatchResult, error) {
					return c.SignalApp(ctx, sig, name)
				},
			}
			res, err := runAction(ctx, c, a, t)
			if err != nil {
				return err
			}
			if flags.JSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			if printBatch(cmd.OutOrStdout(), a.done, res) {
				return errPartial
			}
			return nil
		}),
	}
}

func createLogsCommand(flags *GlobalFlags) *cobra.Command {
	var opts god.LogOptions
	cmd := &cobra.Command{
		Use:   "logs <id|name>",
		Short: "Print the stdout and stderr of a process or an application",
		Long: `Logs prints the last lines written by a process, or by every instance of
an application. With --follow it keeps printing new lines until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			if t.All {
				return errs.Validation("logs takes an id or an application name")
			}
			var (
				ctx    context.Context
				cancel context.CancelFunc
			)
			if opts.Follow {
				// no deadline while following; interrupt ends it
				base := cmd.Context()
				if base == nil {
					base = context.Background()
				}
				ctx, cancel = signal.NotifyContext(base, os.Interrupt, syscall.SIGTERM)
			} else {
				ctx, cancel = commandContext(cmd, flags)
			}
			defer cancel()

			c := newClient(flags)
			var procs []god.ProcessInfo
			if t.ByID {
				info, err := c.Get(ctx, t.ID)
				if err != nil {
					return err
				}
				procs = []god.ProcessInfo{info}
			} else {
				if procs, err = c.List(ctx, t.Name); err != nil {
					return err
				}
				if len(procs) == 0 {
					return errs.NotFound("application %s", t.Name)
				}
			}

			w := cmd.OutOrStdout()
			var mu sync.Mutex
			eg, ctx := errgroup.WithContext(ctx)
			if !opts.Follow {
				// one process after another keeps the history readable
				eg.SetLimit(1)
			}
			for _, p := range procs {
				eg.Go(func() error {
					return c.Logs(ctx, p.ID, opts, func(l logger.Line) error {
						mu.Lock()
						defer mu.Unlock()
						return printLogLine(w, flags.JSON, p, l)
					})
				})
			}
			return eg.Wait()
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.Lines, "lines", "n", 15, "lines of history per stream")
	f.BoolVarP(&opts.Follow, "follow", "f", false, "keep printing new lines")
	f.StringVar(&opts.Stream, "stream", "", "out or err; both when empty")
	return cmd
}

func createMonitCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "monit",
		Short: "Show CPU and memory usage of every process",
		Args:  cobra.NoArgs,
		RunE: clientRunE(flags, func(ctx context.Context, cmd *cobra.Command, c *client.Client, _ []string) error {
			list, err := c.Monitor(ctx)
			if err != nil {
				return err
			}
			return output(cmd, flags, list, printMonitor)
		}),
	}
}

func createMonitorSourceCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor-source <id> <pid>",
		Short: "Sample resource usage of another pid on behalf of a process (0 resets)",
		Args:  cobra.ExactArgs(2),
		RunE: clientRunE(flags, func(ctx context.Context, cmd *cobra.Command, c *client.Client, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return errs.Validation("invalid id %q", args[0])
			}
			pid, err := strconv.Atoi(args[1])
			if err != nil {
				return errs.Validation("invalid pid %q", args[1])
			}
			info, err := c.SetMonitorSource(ctx, id, pid)
			if err != nil {
				return err
			}
			return output(cmd, flags, info, printDescribe)
		}),
	}
}

func createDumpCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "dump",
		Aliases: []string{"save"},
		Short:   "Save the process list for resurrect",
		Args:    cobra.NoArgs,
		RunE: clientRunE(flags, func(ctx context.Context, cmd *cobra.Command, c *client.Client, _ []string) error {
			if err := c.Dump(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "process list saved")
			return nil
		}),
	}
}

func createResurrectCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resurrect",
		Short: "Restore the saved process list",
		Args:  cobra.NoArgs,
		RunE: clientRunE(flags, func(ctx context.Context, cmd *cobra.Command, c *client.Client, _ []string) error {
			rep, err := c.Resurrect(ctx)
			if err != nil {
				return err
			}
			if flags.JSON {
				return printJSON(cmd.OutOrStdout(), rep)
			}
			w := cmd.OutOrStdout()
			if err := printProcesses(w, rep.Restored); err != nil {
				return err
			}
			for old, now := range rep.Remapped {
				_, _ = fmt.Fprintf(w, "id %d was taken, restored as %d\n", old, now)
			}
			for _, f := range rep.Failures {
				_, _ = fmt.Fprintf(w, "[%d] %s: not restored: %s\n", f.ID, f.Name, f.Error)
			}
			if len(rep.Failures) > 0 {
				return errPartial
			}
			return nil
		}),
	}
}

func createReloadLogsCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "reload-logs",
		Aliases: []string{"reloadLogs"},
		Short:   "Reopen the log files of every process",
		Args:    cobra.NoArgs,
		RunE: clientRunE(flags, func(ctx context.Context, cmd *cobra.Command, c *client.Client, _ []string) error {
			if err := c.ReloadLogs(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "logs reloaded")
			return nil
		}),
	}
}

func createPingCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon is up and print its health",
		Args:  cobra.NoArgs,
		RunE: clientRunE(flags, func(ctx context.Context, cmd *cobra.Command, c *client.Client, _ []string) error {
			h, err := c.Status(ctx)
			if err != nil {
				return fmt.Errorf("daemon not reachable at %s: %w", flags.APIUrl, err)
			}
			return output(cmd, flags, h, printHealth)
		}),
	}
}
