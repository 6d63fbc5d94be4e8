package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/BranchIntl/goresque/errors"
	"github.com/BranchIntl/goresque/job"
)

// ChildCommand is the subcommand the worker binary runs to perform one job
const ChildCommand = "perform-child"

// ReportEnv is the environment variable telling a child which descriptor
// to write its Report to. Fork passes the pipe as the first extra file,
// descriptor 3.
const ReportEnv = "GORESQUE_REPORT_FD"

const reportFD = 3

// reportGrace bounds the wait for a report after the child has exited,
// in case a grandchild still holds the pipe open.
const reportGrace = time.Second

// Report is what a child tells its parent about the job it ran
type Report struct {
	Outcome   job.Outcome `json:"outcome"`
	Exception string      `json:"exception,omitempty"`
}

// OpenReport returns the report pipe handed down by a forking parent, or
// nil when there is none.
func OpenReport() *os.File {
	fd, err := strconv.Atoi(os.Getenv(ReportEnv))
	if err != nil || fd < 0 {
		return nil
	}
	return os.NewFile(uintptr(fd), "report")
}

// WriteReport sends j's outcome to w
func WriteReport(w io.Writer, j *job.Job) error {
	outcome, exception := j.Outcome()
	return json.NewEncoder(w).Encode(Report{Outcome: outcome, Exception: exception})
}

func readReport(r io.Reader) Report {
	var rep Report
	if err := json.NewDecoder(r).Decode(&rep); err != nil {
		return Report{}
	}
	return rep
}

// Envelope is what a parent sends its child on stdin
type Envelope struct {
	Queue   string      `json:"queue"`
	Payload job.Payload `json:"payload"`
	Worker  string      `json:"worker"`
}

// ReadEnvelope decodes a child's stdin into a job bound to rt and returns
// the parent worker id alongside it.
func ReadEnvelope(r io.Reader, rt *job.Runtime) (*job.Job, string, error) {
	var env Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, "", fmt.Errorf("decode envelope: %w", err)
	}
	if env.Payload.Class == "" {
		return nil, "", errors.ErrInvalidPayload
	}
	return job.New(rt, env.Queue, env.Payload), env.Worker, nil
}

// Fork runs each job in a fresh child process and waits for it. The child
// dials its own store, so no connection is ever shared with the parent.
// A nonzero exit fails the job with a DirtyExitError. On a clean exit the
// job takes the outcome the child wrote to its report pipe.
type Fork struct {
	path   string
	args   []string
	env    []string
	logger *slog.Logger

	mu     sync.Mutex
	worker Worker
	child  *os.Process
}

// ForkOption configures a Fork
type ForkOption func(*Fork)

// WithCommand overrides the child command line
func WithCommand(path string, args ...string) ForkOption {
	return func(f *Fork) {
		f.path = path
		f.args = args
	}
}

// WithEnv appends KEY=VALUE pairs to the child's environment
func WithEnv(env ...string) ForkOption {
	return func(f *Fork) {
		f.env = append(f.env, env...)
	}
}

// WithForkLogger sets the logger
func WithForkLogger(logger *slog.Logger) ForkOption {
	return func(f *Fork) {
		f.logger = logger
	}
}

// NewFork creates the child-process strategy. By default the child is the
// running executable invoked with ChildCommand.
func NewFork(opts ...ForkOption) (*Fork, error) {
	f := &Fork{logger: slog.Default(), args: []string{ChildCommand}}
	for _, opt := range opts {
		opt(f)
	}
	if f.path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		f.path = exe
	}
	return f, nil
}

// SetWorker implements Strategy
func (f *Fork) SetWorker(w Worker) {
	f.worker = w
}

// Perform implements Strategy
func (f *Fork) Perform(ctx context.Context, j *job.Job) error {
	// failures are recorded even once ctx is cancelled
	record := context.WithoutCancel(ctx)
	envelope, err := json.Marshal(Envelope{Queue: j.Queue, Payload: j.Payload, Worker: f.worker.ID()})
	if err != nil {
		return j.Fail(record, err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return j.Fail(record, errors.NewDirtyExitError(-1, "could not open report pipe: "+err.Error()))
	}
	defer pr.Close()

	cmd := exec.Command(f.path, f.args...)
	cmd.Stdin = bytes.NewReader(envelope)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(append(os.Environ(), f.env...), ReportEnv+"="+strconv.Itoa(reportFD))
	cmd.ExtraFiles = []*os.File{pw}

	f.mu.Lock()
	err = cmd.Start()
	pw.Close()
	if err != nil {
		f.mu.Unlock()
		f.logger.Error("Could not start child", "job", j.String(), "error", err)
		return j.Fail(record, errors.NewDirtyExitError(-1, "could not start child: "+err.Error()))
	}
	f.child = cmd.Process
	f.mu.Unlock()

	reports := make(chan Report, 1)
	go func() { reports <- readReport(pr) }()

	f.logger.Info("Forked child", "pid", cmd.Process.Pid, "job", j.String())
	err = cmd.Wait()

	f.mu.Lock()
	f.child = nil
	f.mu.Unlock()

	if err == nil {
		var rep Report
		select {
		case rep = <-reports:
		case <-time.After(reportGrace):
			f.logger.Warn("Child exited without a report", "job", j.String())
		}
		if rep.Outcome == job.OutcomeUnknown {
			rep.Outcome = job.OutcomePerformed
		}
		j.SetOutcome(rep.Outcome, rep.Exception)
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		f.logger.Warn("Child exited dirty", "job", j.String(), "status", exitErr.ExitCode())
		return j.Fail(record, errors.NewDirtyExitError(exitErr.ExitCode(), ""))
	}
	return j.Fail(record, errors.NewDirtyExitError(-1, err.Error()))
}

// Shutdown kills the running child. If the child has already gone the
// worker is told to stop.
func (f *Fork) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.child == nil {
		f.logger.Info("No child to kill")
		return
	}

	f.logger.Info("Killing child", "pid", f.child.Pid)
	if err := f.child.Kill(); err != nil {
		f.logger.Warn("Child not found, shutting down worker", "pid", f.child.Pid, "error", err)
		if f.worker != nil {
			f.worker.Shutdown()
		}
	}
}

// Pid returns the running child's pid, or 0
func (f *Fork) Pid() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.child == nil {
		return 0
	}
	return f.child.Pid
}
