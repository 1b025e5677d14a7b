// Package client talks to a running procgod daemon over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/procgod/internal/god"
	"github.com/loykin/procgod/internal/logger"
	"github.com/loykin/procgod/internal/process"
)

type processInfo = god.ProcessInfo

// DefaultBaseURL matches the daemon's default listen address and base path.
const DefaultBaseURL = "http://127.0.0.1:9615/api"

type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // optional
}

func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: 60 * time.Second}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable reports whether a daemon answers on the base URL.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Version(ctx)
	if err != nil {
		c.logger.Debug("daemon unreachable", "url", c.baseURL, "error", err)
	}
	return err == nil
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var v struct {
		Version string `json:"version"`
	}
	err := c.do(ctx, http.MethodGet, "/version", nil, &v)
	return v.Version, err
}

func (c *Client) Status(ctx context.Context) (god.Health, error) {
	var h god.Health
	err := c.do(ctx, http.MethodGet, "/status", nil, &h)
	return h, err
}

// List returns every process, or the instances of name when it is set.
func (c *Client) List(ctx context.Context, name string) ([]god.ProcessInfo, error) {
	path := "/processes"
	if name != "" {
		path += "?name=" + url.QueryEscape(name)
	}
	var out []god.ProcessInfo
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// ListTag returns the processes carrying tag.
func (c *Client) ListTag(ctx context.Context, tag string) ([]god.ProcessInfo, error) {
	var out []god.ProcessInfo
	err := c.do(ctx, http.MethodGet, "/processes?tag="+url.QueryEscape(tag), nil, &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, id int) (god.ProcessInfo, error) {
	var out god.ProcessInfo
	err := c.do(ctx, http.MethodGet, processPath(id, ""), nil, &out)
	return out, err
}

// Start prepares spec. Instances that failed to spawn are returned along
// with an error describing them.
func (c *Client) Start(ctx context.Context, spec process.Spec) ([]god.ProcessInfo, error) {
	c.logger.Debug("starting process", "name", spec.Name, "exec", spec.Exec, "instances", spec.Instances)
	var resp prepareResponse
	if err := c.do(ctx, http.MethodPost, "/processes", spec, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return resp.Processes, errors.New(resp.Error)
	}
	return resp.Processes, nil
}

func (c *Client) Stop(ctx context.Context, id int) (god.ProcessInfo, error) {
	var out god.ProcessInfo
	err := c.do(ctx, http.MethodPost, processPath(id, "/stop"), nil, &out)
	return out, err
}

func (c *Client) Restart(ctx context.Context, id int) (god.ProcessInfo, error) {
	var out god.ProcessInfo
	err := c.do(ctx, http.MethodPost, processPath(id, "/restart"), nil, &out)
	return out, err
}

func (c *Client) Delete(ctx context.Context, id int) error {
	return c.do(ctx, http.MethodDelete, processPath(id, ""), nil, nil)
}

func (c *Client) StopApp(ctx context.Context, name string) ([]god.BatchResult, error) {
	return c.batch(ctx, http.MethodPost, appPath(name, "/stop"), nil)
}

func (c *Client) RestartApp(ctx context.Context, name string) ([]god.BatchResult, error) {
	return c.batch(ctx, http.MethodPost, appPath(name, "/restart"), nil)
}

func (c *Client) DeleteApp(ctx context.Context, name string) ([]god.BatchResult, error) {
	return c.batch(ctx, http.MethodDelete, appPath(name, ""), nil)
}

func (c *Client) StopTag(ctx context.Context, tag string) ([]god.BatchResult, error) {
	return c.batch(ctx, http.MethodPost, tagPath(tag, "/stop"), nil)
}

func (c *Client) RestartTag(ctx context.Context, tag string) ([]god.BatchResult, error) {
	return c.batch(ctx, http.MethodPost, tagPath(tag, "/restart"), nil)
}

func (c *Client) DeleteTag(ctx context.Context, tag string) ([]god.BatchResult, error) {
	return c.batch(ctx, http.MethodDelete, tagPath(tag, ""), nil)
}

// Logs streams the log lines of process id into emit until the daemon ends
// the stream or ctx is done. Following ignores the client timeout.
func (c *Client) Logs(ctx context.Context, id int, opts god.LogOptions, emit func(logger.Line) error) error {
	q := url.Values{}
	q.Set("lines", strconv.Itoa(opts.Lines))
	if opts.Follow {
		q.Set("follow", "true")
	}
	if opts.Stream != "" {
		q.Set("stream", opts.Stream)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+processPath(id, "/logs")+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	hc := c.client
	if opts.Follow {
		hc = &http.Client{Transport: c.client.Transport}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return c.apiError(resp.StatusCode, body)
	}
	dec := json.NewDecoder(resp.Body)
	for {
		var l logger.Line
		if err := dec.Decode(&l); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("decode log line: %w", err)
		}
		if err := emit(l); err != nil {
			return err
		}
	}
}

// Reload rolls the selected processes. A partially failed reload returns
// the per-slot result together with the error.
func (c *Client) Reload(ctx context.Context, sel god.Selector, opts god.ReloadOptions) (god.ReloadResult, error) {
	path := appPath(sel.Name, "/reload")
	if sel.ID != nil {
		path = processPath(*sel.ID, "/reload")
	}
	var resp struct {
		god.ReloadResult
		ErrorResponse
	}
	status, body, err := c.roundTrip(ctx, http.MethodPost, path, opts)
	if err != nil {
		return god.ReloadResult{}, err
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		if status >= 300 {
			return god.ReloadResult{}, c.apiError(status, body)
		}
		return god.ReloadResult{}, fmt.Errorf("decode reload: %w", err)
	}
	if status >= 300 {
		return resp.ReloadResult, &APIError{StatusCode: status, Kind: resp.Kind, Message: resp.Error}
	}
	return resp.ReloadResult, nil
}

func (c *Client) Scale(ctx context.Context, name string, n int) (god.ScaleResult, error) {
	var res god.ScaleResult
	err := c.do(ctx, http.MethodPost, appPath(name, "/scale"), map[string]int{"instances": n}, &res)
	return res, err
}

// Signal sends sig (a name such as "SIGUSR2" or a number) to one process.
func (c *Client) Signal(ctx context.Context, sig string, id int) error {
	return c.do(ctx, http.MethodPost, processPath(id, "/signal"), map[string]string{"signal": sig}, nil)
}

func (c *Client) SignalApp(ctx context.Context, sig, name string) ([]god.BatchResult, error) {
	return c.batch(ctx, http.MethodPost, appPath(name, "/signal"), map[string]string{"signal": sig})
}

func (c *Client) SetMonitorSource(ctx context.Context, id, pid int) (god.ProcessInfo, error) {
	var out god.ProcessInfo
	err := c.do(ctx, http.MethodPut, processPath(id, "/monitor"), map[string]int{"pid": pid}, &out)
	return out, err
}

func (c *Client) Monitor(ctx context.Context) ([]MonitorEntry, error) {
	var out []MonitorEntry
	err := c.do(ctx, http.MethodGet, "/monitor", nil, &out)
	return out, err
}

func (c *Client) Dump(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/dump", nil, nil)
}

func (c *Client) Resurrect(ctx context.Context) (god.ResurrectReport, error) {
	var rep god.ResurrectReport
	err := c.do(ctx, http.MethodPost, "/resurrect", nil, &rep)
	return rep, err
}

func (c *Client) ReloadLogs(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/logs/reload", nil, nil)
}

func processPath(id int, suffix string) string {
	return "/processes/" + strconv.Itoa(id) + suffix
}

func appPath(name, suffix string) string {
	return "/apps/" + url.PathEscape(name) + suffix
}

func tagPath(tag, suffix string) string {
	return "/tags/" + url.PathEscape(tag) + suffix
}

func (c *Client) batch(ctx context.Context, method, path string, in any) ([]god.BatchResult, error) {
	var out []god.BatchResult
	err := c.do(ctx, method, path, in, &out)
	return out, err
}

// do sends in as JSON and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	status, body, err := c.roundTrip(ctx, method, path, in)
	if err != nil {
		return err
	}
	if status >= 300 {
		return c.apiError(status, body)
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in any) (int, []byte, error) {
	var rdr io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) apiError(status int, body []byte) error {
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
		return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	}
	c.logger.Debug("api request failed", "status", status, "kind", er.Kind, "error", er.Error)
	return &APIError{StatusCode: status, Kind: er.Kind, Message: er.Error}
}
