package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BranchIntl/goresque/errors"
	"github.com/BranchIntl/goresque/job"
	fcgiclient "github.com/tomasen/fcgi_client"
)

// Response is what a FastCGI executor sent back. Body holds the stdout and
// stderr records in arrival order, so the fatal marker is found whichever
// stream the executor printed it on.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Client sends one request over an open FastCGI connection
type Client interface {
	Do(ctx context.Context, params map[string]string, body []byte) (*Response, error)
	Close()
}

// Dialer opens a Client to network/address
type Dialer func(ctx context.Context, network, address string) (Client, error)

// DefaultFatalPattern matches the marker an executor prints when the job
// died even though the response status was 200.
var DefaultFatalPattern = regexp.MustCompile(`(?im)^(PHP )?Fatal error:`)

// FastCGIOptions configures the remote executor strategy
type FastCGIOptions struct {
	// Location is host:port, or a socket path optionally prefixed unix:
	Location string
	// Script is sent as SCRIPT_FILENAME
	Script string
	// Env overrides or extends the base parameters
	Env map[string]string
	// MaxRetries bounds reconnect-and-resend on transient errors
	MaxRetries   int
	DialTimeout  time.Duration
	FatalPattern *regexp.Regexp
	Dial         Dialer
	Logger       *slog.Logger
}

// DefaultFastCGIOptions returns defaults for a local executor
func DefaultFastCGIOptions() FastCGIOptions {
	return FastCGIOptions{
		Location:     "127.0.0.1:9000",
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		FatalPattern: DefaultFatalPattern,
	}
}

// FastCGI sends each job to a FastCGI executor and waits for its answer.
// Shutdown closes the connection; work already running remotely is not
// cancelled.
type FastCGI struct {
	opts   FastCGIOptions
	logger *slog.Logger

	mu      sync.Mutex
	worker  Worker
	conn    Client
	waiting bool
}

// NewFastCGI creates the remote executor strategy
func NewFastCGI(opts FastCGIOptions) *FastCGI {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.FatalPattern == nil {
		opts.FatalPattern = DefaultFatalPattern
	}
	if opts.Dial == nil {
		opts.Dial = TCPDialer(opts.DialTimeout)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FastCGI{opts: opts, logger: logger}
}

// SetWorker implements Strategy
func (f *FastCGI) SetWorker(w Worker) {
	f.worker = w
}

func (f *FastCGI) network() (string, string) {
	loc := f.opts.Location
	switch {
	case strings.HasPrefix(loc, "unix:"):
		return "unix", strings.TrimPrefix(loc, "unix:")
	case strings.HasPrefix(loc, "/"):
		return "unix", loc
	default:
		return "tcp", loc
	}
}

// params builds the request environment for j
func (f *FastCGI) params(j *job.Job, body []byte) (map[string]string, error) {
	header, err := json.Marshal(map[string]string{
		"queue":  j.Queue,
		"class":  j.Payload.Class,
		"id":     j.Payload.ID,
		"worker": f.worker.ID(),
	})
	if err != nil {
		return nil, err
	}

	p := map[string]string{
		"GATEWAY_INTERFACE": "FastCGI/1.0",
		"REQUEST_METHOD":    "POST",
		"SERVER_SOFTWARE":   "goresque-fastcgi",
		"REMOTE_ADDR":       "127.0.0.1",
		"SERVER_ADDR":       "127.0.0.1",
		"SERVER_PROTOCOL":   "HTTP/1.1",
		"SERVER_NAME":       "goresque",
		"SCRIPT_FILENAME":   f.opts.Script,
		"CONTENT_TYPE":      "application/json",
	}
	for k, v := range f.opts.Env {
		p[k] = v
	}
	p["CONTENT_LENGTH"] = strconv.Itoa(len(body))
	p["RESQUE_JOB"] = url.QueryEscape(string(header))
	return p, nil
}

func (f *FastCGI) client(ctx context.Context) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn != nil {
		return f.conn, nil
	}
	network, address := f.network()
	c, err := f.opts.Dial(ctx, network, address)
	if err != nil {
		return nil, err
	}
	f.conn = c
	return c, nil
}

func (f *FastCGI) closeConn() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}

func (f *FastCGI) setWaiting(v bool) {
	f.mu.Lock()
	f.waiting = v
	f.mu.Unlock()
}

// Perform implements Strategy
func (f *FastCGI) Perform(ctx context.Context, j *job.Job) error {
	// failures are recorded even once ctx is cancelled
	record := context.WithoutCancel(ctx)
	body, err := json.Marshal(j.Payload)
	if err != nil {
		return j.Fail(record, err)
	}
	params, err := f.params(j, body)
	if err != nil {
		return j.Fail(record, err)
	}

	f.setWaiting(true)
	defer f.setWaiting(false)

	var resp *Response
	for attempt := 1; ; attempt++ {
		var c Client
		c, err = f.client(ctx)
		if err == nil {
			resp, err = c.Do(ctx, params, body)
		}
		if err == nil {
			break
		}

		f.closeConn()
		if !errors.IsTemporary(err) || attempt > f.opts.MaxRetries {
			f.logger.Error("FastCGI request failed", "location", f.opts.Location, "job", j.String(),
				"attempts", attempt, "error", err)
			return j.Fail(record, errors.NewCommunicationError(f.opts.Location, attempt, err))
		}
		f.logger.Warn("FastCGI request failed, retrying", "location", f.opts.Location, "job", j.String(),
			"attempt", attempt, "max_retries", f.opts.MaxRetries, "error", err)
	}

	if resp.StatusCode != http.StatusOK {
		return j.Fail(record, errors.NewDirtyExitError(resp.StatusCode,
			fmt.Sprintf("executor returned status %d", resp.StatusCode)))
	}
	if loc := f.opts.FatalPattern.FindIndex(resp.Body); loc != nil {
		return j.Fail(record, errors.NewDirtyExitError(resp.StatusCode, firstLine(resp.Body[loc[0]:])))
	}
	j.SetOutcome(job.OutcomePerformed, "")
	return nil
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

// Shutdown closes the connection if a request is outstanding
func (f *FastCGI) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.waiting || f.conn == nil {
		return
	}
	f.logger.Info("Closing FastCGI connection", "location", f.opts.Location)
	f.conn.Close()
	f.conn = nil
}

// fcgiClient adapts github.com/tomasen/fcgi_client to Client
type fcgiClient struct {
	c *fcgiclient.FCGIClient
}

// TCPDialer dials executors with github.com/tomasen/fcgi_client
func TCPDialer(timeout time.Duration) Dialer {
	return func(ctx context.Context, network, address string) (Client, error) {
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		c, err := fcgiclient.DialTimeout(network, address, timeout)
		if err != nil {
			return nil, errors.NewConnectionError(network+"://"+address, err)
		}
		return &fcgiClient{c: c}, nil
	}
}

func (a *fcgiClient) Do(ctx context.Context, params map[string]string, body []byte) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := a.c.Request(params, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: data}, nil
}

func (a *fcgiClient) Close() {
	a.c.Close()
}
