package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loykin/procgod/internal/god"
	"github.com/loykin/procgod/internal/logger"
	"github.com/loykin/procgod/internal/process"
	"github.com/loykin/procgod/pkg/client"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printProcesses(w io.Writer, list []god.ProcessInfo) error {
	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tMODE\tPID\tSTATUS\tRESTARTS\tUPTIME\tCPU\tMEM")
	for _, p := range list {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%.1f%%\t%s\n",
			p.ID, p.Name, p.ExecMode, pidText(p.PID), p.Status, p.RestartCount,
			uptimeText(p.Status, p.Uptime), p.Monit.CPU, humanize.IBytes(p.Monit.Memory))
	}
	return tw.Flush()
}

func printDescribe(w io.Writer, p god.ProcessInfo) error {
	tw := newTable(w)
	row := func(k string, v any) { _, _ = fmt.Fprintf(tw, "%s\t%v\n", k, v) }
	row("id", p.ID)
	row("name", p.Name)
	row("status", p.Status)
	row("pid", pidText(p.PID))
	row("exec", p.Spec.Exec)
	row("args", p.Spec.Args)
	row("cwd", p.Spec.Cwd)
	row("exec mode", p.ExecMode)
	row("instances", p.Spec.Instances)
	row("autorestart", p.Spec.AutoRestart)
	row("restarts", p.RestartCount)
	row("unstable restarts", p.UnstableRestarts)
	row("created", humanize.Time(p.CreatedAt))
	row("uptime", uptimeText(p.Status, p.Uptime))
	row("exit code", p.ExitCode)
	row("cpu", fmt.Sprintf("%.1f%%", p.Monit.CPU))
	row("memory", humanize.IBytes(p.Monit.Memory))
	row("monitor source", p.Source)
	if len(p.Spec.Tags) > 0 {
		row("tags", p.Spec.Tags)
	}
	if len(p.Spec.Watch) > 0 {
		row("watch", p.Spec.Watch)
	}
	if p.Spec.CronRestart != "" {
		row("cron restart", p.Spec.CronRestart)
	}
	if p.LastError != "" {
		row("last error", p.LastError)
	}
	return tw.Flush()
}

type logRecord struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	logger.Line
}

// printLogLine writes "id|name|stream| text", or one JSON object per line.
func printLogLine(w io.Writer, asJSON bool, p god.ProcessInfo, l logger.Line) error {
	if asJSON {
		return json.NewEncoder(w).Encode(logRecord{ID: p.ID, Name: p.Name, Line: l})
	}
	_, err := fmt.Fprintf(w, "%d|%s|%s| %s\n", p.ID, p.Name, l.Stream, l.Text)
	return err
}

func printHealth(w io.Writer, h god.Health) error {
	tw := newTable(w)
	_, _ = fmt.Fprintf(tw, "pid\t%d\n", h.PID)
	_, _ = fmt.Fprintf(tw, "version\t%s\n", h.Version)
	_, _ = fmt.Fprintf(tw, "uptime\t%s\n", h.Uptime.Round(time.Second))
	_, _ = fmt.Fprintf(tw, "data home\t%s\n", h.DataHome)
	_, _ = fmt.Fprintf(tw, "processes\t%d\n", h.Processes)
	for _, s := range process.AllStatuses() {
		if n := h.ByStatus[s]; n > 0 {
			_, _ = fmt.Fprintf(tw, "  %s\t%d\n", s, n)
		}
	}
	return tw.Flush()
}

func printMonitor(w io.Writer, list []client.MonitorEntry) error {
	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tPID\tCPU\tMEM")
	for _, m := range list {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.1f%%\t%s\n",
			m.ID, m.Name, m.Status, pidText(m.PID), m.Monit.CPU, humanize.IBytes(m.Monit.Memory))
	}
	return tw.Flush()
}

// printBatch prints per-id results and reports whether any failed.
func printBatch(w io.Writer, action string, res []god.BatchResult) bool {
	failed := false
	for _, r := range res {
		if r.Error != "" {
			failed = true
			_, _ = fmt.Fprintf(w, "[%d] %s: %s failed: %s\n", r.ID, r.Name, action, r.Error)
			continue
		}
		_, _ = fmt.Fprintf(w, "[%d] %s: %s\n", r.ID, r.Name, action)
	}
	return failed
}

func printReload(w io.Writer, res god.ReloadResult) error {
	_, _ = fmt.Fprintf(w, "reload %s (%s) in %s\n", res.Name, res.Mode, res.Duration.Round(time.Millisecond))
	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "ID\tOLD PID\tNEW PID\tRESULT")
	for _, s := range res.Slots {
		status := string(s.Status)
		if s.Error != "" {
			status += ": " + s.Error
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.ID, pidText(s.OldPID), pidText(s.NewPID), status)
	}
	return tw.Flush()
}

func pidText(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return fmt.Sprint(pid)
}

func uptimeText(s process.Status, d time.Duration) string {
	if s != process.StatusOnline || d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}
