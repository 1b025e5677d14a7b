// Package server exposes the supervisor over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/procgod/internal/errs"
	"github.com/loykin/procgod/internal/god"
	"github.com/loykin/procgod/internal/logger"
	"github.com/loykin/procgod/internal/metrics"
	"github.com/loykin/procgod/internal/process"
)

// Router serves the daemon API under basePath:
//
//	GET    /status                  daemon health
//	GET    /version
//	GET    /processes               ?name= or ?tag= filters the list
//	POST   /processes               body: process.Spec, prepares it
//	GET    /processes/:id
//	GET    /processes/:id/logs      ?lines=&stream=out|err&follow=1, NDJSON
//	POST   /processes/:id/stop|restart|reload|signal
//	PUT    /processes/:id/monitor   body: {"pid": n}
//	DELETE /processes/:id
//	POST   /apps/:name/stop|restart|reload|scale|signal
//	DELETE /apps/:name
//	POST   /tags/:tag/stop|restart
//	DELETE /tags/:tag
//	GET    /monitor
//	POST   /dump, /resurrect, /logs/reload
//	GET    /metrics                 when metrics are enabled
type Router struct {
	god      *god.God
	basePath string
	metrics  bool
}

func NewRouter(g *god.God, basePath string, withMetrics bool) *Router {
	return &Router{god: g, basePath: sanitizeBase(basePath), metrics: withMetrics}
}

// Handler returns the gin engine as an http.Handler.
func (r *Router) Handler() http.Handler {
	e := gin.New()
	e.Use(gin.Recovery())
	api := e.Group(r.basePath)
	api.GET("/status", r.handleStatus)
	api.GET("/version", r.handleVersion)

	api.GET("/processes", r.handleList)
	api.POST("/processes", r.handlePrepare)
	api.GET("/processes/:id", r.handleGet)
	api.GET("/processes/:id/logs", r.handleLogs)
	api.POST("/processes/:id/stop", r.handleStop)
	api.POST("/processes/:id/restart", r.handleRestart)
	api.POST("/processes/:id/reload", r.handleReloadID)
	api.POST("/processes/:id/signal", r.handleSignalID)
	api.PUT("/processes/:id/monitor", r.handleMonitorSource)
	api.DELETE("/processes/:id", r.handleDelete)

	api.POST("/apps/:name/stop", r.handleStopApp)
	api.POST("/apps/:name/restart", r.handleRestartApp)
	api.POST("/apps/:name/reload", r.handleReloadApp)
	api.POST("/apps/:name/scale", r.handleScale)
	api.POST("/apps/:name/signal", r.handleSignalApp)
	api.DELETE("/apps/:name", r.handleDeleteApp)

	api.POST("/tags/:tag/stop", r.handleStopTag)
	api.POST("/tags/:tag/restart", r.handleRestartTag)
	api.DELETE("/tags/:tag", r.handleDeleteTag)

	api.GET("/monitor", r.handleMonitor)
	api.POST("/dump", r.handleDump)
	api.POST("/resurrect", r.handleResurrect)
	api.POST("/logs/reload", r.handleReloadLogs)
	if r.metrics {
		api.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return e
}

// NewServer binds addr and serves the router in the background. Bind errors
// are returned; the caller shuts the server down.
func NewServer(addr, basePath string, g *god.God, withMetrics bool, log *slog.Logger) (*http.Server, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           NewRouter(g, basePath, withMetrics).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// reload and resurrect can run for a while
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", "addr", srv.Addr, "error", err)
		}
	}()
	log.Info("http api listening", "addr", srv.Addr, "base_path", sanitizeBase(basePath))
	return srv, nil
}

// DefaultLogLines is how much history GET /processes/:id/logs replays
// without ?lines=.
const DefaultLogLines = 15

type versionResp struct {
	Version string `json:"version"`
}

type prepareResp struct {
	Processes []god.ProcessInfo `json:"processes"`
	Error     string            `json:"error,omitempty"`
}

// reloadResp carries the per-slot outcome even when the reload failed.
type reloadResp struct {
	god.ReloadResult
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

type signalReq struct {
	Signal string `json:"signal"`
}

type scaleReq struct {
	Instances int `json:"instances"`
}

type monitorReq struct {
	PID int `json:"pid"`
}

// MonitorEntry is one row of GET /monitor.
type MonitorEntry struct {
	ID     int            `json:"id"`
	Name   string         `json:"name"`
	Status process.Status `json:"status"`
	PID    int            `json:"pid"`
	Monit  metrics.Usage  `json:"monit"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.god.Status())
}

func (r *Router) handleVersion(c *gin.Context) {
	writeJSON(c, http.StatusOK, versionResp{Version: r.god.GetVersion()})
}

func (r *Router) handleList(c *gin.Context) {
	if tag := c.Query("tag"); tag != "" {
		if !isSafeName(tag) {
			badRequest(c, "invalid tag")
			return
		}
		writeJSON(c, http.StatusOK, r.god.ProcessesByTag(tag))
		return
	}
	if name := c.Query("name"); name != "" {
		if !isSafeName(name) {
			badRequest(c, "invalid name")
			return
		}
		writeJSON(c, http.StatusOK, r.god.ProcessesByName(name))
		return
	}
	writeJSON(c, http.StatusOK, r.god.GetFormatedProcesses())
}

func (r *Router) handlePrepare(c *gin.Context) {
	var spec process.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	// an empty name is generated by Prepare
	if spec.Name != "" && !isSafeName(spec.Name) {
		badRequest(c, "invalid name: allowed [A-Za-z0-9._-] and no '..'")
		return
	}
	if !isSafeAbsPath(spec.Cwd) {
		badRequest(c, "invalid cwd: must be an absolute path without traversal")
		return
	}
	infos, err := r.god.Prepare(c.Request.Context(), spec)
	if err != nil && len(infos) == 0 {
		writeError(c, err)
		return
	}
	resp := prepareResp{Processes: infos}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(c, http.StatusCreated, resp)
}

func (r *Router) handleGet(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	info, found := r.god.FindProcessByID(id)
	if !found {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "process not found", Kind: errs.KindNotFound})
		return
	}
	writeJSON(c, http.StatusOK, info)
}

func (r *Router) byID(c *gin.Context, op func(ctx context.Context, id int) (god.ProcessInfo, error)) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	info, err := op(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, info)
}

func (r *Router) handleStop(c *gin.Context)    { r.byID(c, r.god.StopProcessID) }
func (r *Router) handleRestart(c *gin.Context) { r.byID(c, r.god.RestartProcessID) }

func (r *Router) handleDelete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := r.god.DeleteProcessID(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) reload(c *gin.Context, sel god.Selector) {
	var opts god.ReloadOptions
	if !bindOptional(c, &opts) {
		return
	}
	res, err := r.god.Reload(c.Request.Context(), sel, opts)
	if err != nil && len(res.Slots) == 0 {
		writeError(c, err)
		return
	}
	if err != nil {
		writeJSON(c, statusFor(err), reloadResp{ReloadResult: res, Error: err.Error(), Kind: errs.KindOf(err)})
		return
	}
	writeJSON(c, http.StatusOK, reloadResp{ReloadResult: res})
}

func (r *Router) handleReloadID(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	r.reload(c, god.Selector{ID: &id})
}

func (r *Router) handleReloadApp(c *gin.Context) {
	name, ok := pathName(c)
	if !ok {
		return
	}
	r.reload(c, god.Selector{Name: name})
}

func (r *Router) readSignal(c *gin.Context) (sig string, ok bool) {
	var req signalReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Signal == "" {
		badRequest(c, `body must be {"signal": "<name or number>"}`)
		return "", false
	}
	return req.Signal, true
}

func (r *Router) handleSignalID(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	name, ok := r.readSignal(c)
	if !ok {
		return
	}
	sig, err := process.ParseSignal(name)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := r.god.SendSignalToProcessID(id, sig); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleSignalApp(c *gin.Context) {
	app, ok := pathName(c)
	if !ok {
		return
	}
	name, ok := r.readSignal(c)
	if !ok {
		return
	}
	sig, err := process.ParseSignal(name)
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := r.god.SendSignalToProcessName(sig, app)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleMonitorSource(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req monitorReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	info, err := r.god.SetMonitorSource(id, req.PID)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, info)
}

func (r *Router) byName(c *gin.Context, op func(ctx context.Context, name string) ([]god.BatchResult, error)) {
	name, ok := pathName(c)
	if !ok {
		return
	}
	res, err := op(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) byTag(c *gin.Context, op func(ctx context.Context, tag string) ([]god.BatchResult, error)) {
	tag, ok := pathTag(c)
	if !ok {
		return
	}
	res, err := op(c.Request.Context(), tag)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleStopTag(c *gin.Context)    { r.byTag(c, r.god.StopProcessTag) }
func (r *Router) handleRestartTag(c *gin.Context) { r.byTag(c, r.god.RestartProcessTag) }
func (r *Router) handleDeleteTag(c *gin.Context)  { r.byTag(c, r.god.DeleteProcessTag) }

func (r *Router) handleStopApp(c *gin.Context)    { r.byName(c, r.god.StopProcessName) }
func (r *Router) handleRestartApp(c *gin.Context) { r.byName(c, r.god.RestartProcessName) }
func (r *Router) handleDeleteApp(c *gin.Context)  { r.byName(c, r.god.DeleteProcessName) }

func (r *Router) handleScale(c *gin.Context) {
	name, ok := pathName(c)
	if !ok {
		return
	}
	var req scaleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	res, err := r.god.Scale(c.Request.Context(), name, req.Instances)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// handleLogs streams log lines as NDJSON. Errors found before the first
// byte is written get the usual JSON error body; later ones end the stream.
func (r *Router) handleLogs(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	opts := god.LogOptions{Lines: DefaultLogLines, Stream: c.Query("stream")}
	if v := c.Query("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(c, "invalid lines: "+v)
			return
		}
		opts.Lines = n
	}
	if v := c.Query("follow"); v != "" {
		f, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(c, "invalid follow: "+v)
			return
		}
		opts.Follow = f
	}
	if opts.Stream != "" && opts.Stream != "out" && opts.Stream != "err" {
		badRequest(c, "invalid stream: want out or err")
		return
	}
	if _, _, err := r.god.LogPaths(id); err != nil {
		writeError(c, err)
		return
	}

	if opts.Follow {
		_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})
	}
	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
	enc := json.NewEncoder(c.Writer)
	err := r.god.Logs(c.Request.Context(), id, opts, func(l logger.Line) error {
		if err := enc.Encode(l); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		slog.Default().Debug("log stream ended", "id", id, "error", err)
	}
}

func (r *Router) handleMonitor(c *gin.Context) {
	list := r.god.GetFormatedProcesses()
	usage := r.god.GetMonitorData(list)
	out := make([]MonitorEntry, len(list))
	for i, p := range list {
		out[i] = MonitorEntry{ID: p.ID, Name: p.Name, Status: p.Status, PID: p.PID, Monit: usage[i]}
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleDump(c *gin.Context) {
	if err := r.god.DumpProcessList(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleResurrect(c *gin.Context) {
	rep, err := r.god.Resurrect(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rep)
}

func (r *Router) handleReloadLogs(c *gin.Context) {
	if err := r.god.ReloadLogs(); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
