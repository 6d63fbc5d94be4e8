// Package core runs the worker loop: reserve a job, hand it to an
// execution strategy, record the outcome, repeat until told to stop.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BranchIntl/goresque/errors"
	"github.com/BranchIntl/goresque/events"
	"github.com/BranchIntl/goresque/job"
	"github.com/BranchIntl/goresque/stats"
	"github.com/BranchIntl/goresque/status"
	"github.com/BranchIntl/goresque/strategy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WorkersKey is the set of registered worker ids
const WorkersKey = "workers"

// AllQueues expands to every known queue, sorted, on each reservation
const AllQueues = "*"

// pauseDelay is how long a paused worker in blocking mode waits between
// checks of the pause flag.
const pauseDelay = time.Second

func workerKey(id string) string {
	return "worker:" + id
}

func startedKey(id string) string {
	return "worker:" + id + ":started"
}

// WorkingOn is the marker a worker publishes while a job is in flight
type WorkingOn struct {
	Queue   string      `json:"queue"`
	RunAt   string      `json:"run_at"`
	Payload job.Payload `json:"payload"`
}

// Worker reserves jobs from its queues and executes them
type Worker struct {
	rt        *job.Runtime
	strategy  strategy.Strategy
	hostname  string
	pid       int
	queues    []string
	id        string
	logger    *slog.Logger
	processes ProcessLister
	tracer    trace.Tracer
	signals   bool
	observers []Observer

	// rehydrated workers were rebuilt from an id by Find; they may belong
	// to another process.
	rehydrated bool

	state       atomic.Int32
	shutdown    atomic.Bool
	paused      atomic.Bool
	mu          sync.Mutex
	current     *job.Job
	cancel      context.CancelFunc
	stopSignals func()
}

// NewWorker creates a worker for queues, listed in priority order
func NewWorker(rt *job.Runtime, queues []string, opts ...Option) (*Worker, error) {
	if len(queues) == 0 {
		return nil, errors.ErrNoQueues
	}

	hostname, _ := os.Hostname()
	w := &Worker{
		rt:        rt,
		strategy:  strategy.NewInProcess(),
		hostname:  hostname,
		pid:       os.Getpid(),
		queues:    append([]string(nil), queues...),
		logger:    slog.Default(),
		processes: hostProcesses{},
		tracer:    defaultTracer(),
		signals:   true,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.id = fmt.Sprintf("%s:%d:%s", w.hostname, w.pid, strings.Join(w.queues, ","))
	w.strategy.SetWorker(w)
	return w, nil
}

// parseID splits hostname:pid:q1,q2
func parseID(id string) (string, int, []string, error) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", 0, nil, fmt.Errorf("%w: %q", errors.ErrInvalidWorkerID, id)
	}
	pid, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, nil, fmt.Errorf("%w: %q", errors.ErrInvalidWorkerID, id)
	}
	return parts[0], pid, strings.Split(parts[2], ","), nil
}

func rehydrate(rt *job.Runtime, id string, logger *slog.Logger) (*Worker, error) {
	hostname, pid, queues, err := parseID(id)
	if err != nil {
		return nil, err
	}
	w, err := NewWorker(rt, queues, WithHostname(hostname), WithPID(pid), WithLogger(logger), WithSignals(false))
	if err != nil {
		return nil, err
	}
	w.id = id
	w.rehydrated = true
	return w, nil
}

// FromID rebuilds a worker from its id without checking registration. A
// forked child uses it to act under its parent's identity.
func FromID(rt *job.Runtime, id string) (*Worker, error) {
	return rehydrate(rt, id, slog.Default())
}

// Exists reports whether id is a registered worker
func Exists(ctx context.Context, rt *job.Runtime, id string) (bool, error) {
	return rt.Store().SetIsMember(ctx, WorkersKey, id)
}

// Find rebuilds a registered worker from its id. It returns nil when the
// id is not registered.
func Find(ctx context.Context, rt *job.Runtime, id string) (*Worker, error) {
	ok, err := Exists(ctx, rt, id)
	if err != nil || !ok {
		return nil, err
	}
	return rehydrate(rt, id, slog.Default())
}

// All returns every registered worker. Ids that do not parse are skipped.
func All(ctx context.Context, rt *job.Runtime) ([]*Worker, error) {
	ids, err := rt.Store().SetMembers(ctx, WorkersKey)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	workers := make([]*Worker, 0, len(ids))
	for _, id := range ids {
		w, err := rehydrate(rt, id, slog.Default())
		if err != nil {
			slog.Warn("Skipping unparseable worker id", "id", id, "error", err)
			continue
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// ID returns hostname:pid:queues
func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) String() string {
	return w.id
}

// Hostname returns the host the worker runs on
func (w *Worker) Hostname() string {
	return w.hostname
}

// Pid returns the worker's process id
func (w *Worker) Pid() int {
	return w.pid
}

// Queues returns the queues as configured, without expanding *
func (w *Worker) Queues() []string {
	return append([]string(nil), w.queues...)
}

// State returns where the worker is in its lifecycle
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Paused reports whether reservation is suspended
func (w *Worker) Paused() bool {
	return w.paused.Load()
}

// resolveQueues expands * to the sorted set of known queues
func (w *Worker) resolveQueues(ctx context.Context) ([]string, error) {
	for _, q := range w.queues {
		if q == AllQueues {
			return w.rt.Queue.Queues(ctx)
		}
	}
	return w.queues, nil
}

// Reserve finds the next job. Blocking mode issues one blocking pop
// across all queues; polling mode tries each queue once in order.
func (w *Worker) Reserve(ctx context.Context, blocking bool, timeout time.Duration) (*job.Job, error) {
	queues, err := w.resolveQueues(ctx)
	if err != nil {
		return nil, err
	}
	if len(queues) == 0 {
		return nil, nil
	}

	if blocking {
		j, err := job.ReserveBlocking(ctx, w.rt, queues, timeout)
		if err != nil || j == nil {
			return nil, err
		}
		w.logger.Info("Found job", "queue", j.Queue, "job", j.String())
		return j, nil
	}

	for _, q := range queues {
		w.logger.Debug("Checking queue", "queue", q)
		j, err := job.Reserve(ctx, w.rt, q)
		if err != nil {
			return nil, err
		}
		if j != nil {
			w.logger.Info("Found job", "queue", q, "job", j.String())
			return j, nil
		}
	}
	return nil, nil
}

// Work runs the loop until shutdown. An interval of zero makes a single
// pass: the loop ends at the first empty reservation. In polling mode an
// empty reservation sleeps for interval; in blocking mode the pop itself
// waits up to interval. Reservation errors end the loop and are returned.
func (w *Worker) Work(ctx context.Context, interval time.Duration, blocking bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	w.setState(Starting)
	if err := w.Startup(ctx); err != nil {
		w.setState(Terminated)
		return err
	}
	defer w.stopSignalHandling()

	w.logger.Info("Worker started", "id", w.id, "interval", interval, "blocking", blocking)

	var workErr error
	for !w.shutdown.Load() && ctx.Err() == nil {
		var j *job.Job
		if !w.paused.Load() {
			w.setState(Reserving)
			var err error
			j, err = w.Reserve(ctx, blocking, interval)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Error("Reservation failed", "id", w.id, "error", err)
					workErr = err
				}
				break
			}
		}

		if j == nil {
			if interval == 0 {
				break
			}
			w.setState(Idle)
			if !blocking {
				sleep(ctx, interval)
			} else if w.paused.Load() {
				sleep(ctx, minDuration(interval, pauseDelay))
			}
			continue
		}

		w.setState(Dispatching)
		w.process(ctx, j)
	}

	w.setState(ShuttingDown)
	w.logger.Info("Worker stopping", "id", w.id)
	if err := w.UnregisterWorker(context.WithoutCancel(ctx)); err != nil {
		w.logger.Error("Failed to unregister worker", "id", w.id, "error", err)
	}
	w.setState(Terminated)
	return workErr
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) jobEvent(j *job.Job) *events.Event {
	return &events.Event{
		Job:    j,
		Worker: w,
		Queue:  j.Queue,
		Class:  j.Payload.Class,
		ID:     j.Payload.ID,
		Args:   j.Arguments(),
	}
}

// process dispatches one reserved job through the strategy
func (w *Worker) process(ctx context.Context, j *job.Job) {
	ctx, span := w.tracer.Start(ctx, "goresque.job", trace.WithAttributes(
		attribute.String("goresque.worker", w.id),
		attribute.String("goresque.queue", j.Queue),
		attribute.String("goresque.class", j.Payload.Class),
		attribute.String("goresque.id", j.Payload.ID),
	))
	defer span.End()

	j.SetOwner(w)
	if _, err := w.rt.Trigger(ctx, events.BeforeFork, w.jobEvent(j)); err != nil {
		w.logger.Error("beforeFork listener failed", "job", j.String(), "error", err)
	}

	if err := w.workingOn(ctx, j); err != nil {
		w.logger.Error("Failed to publish working-on marker", "job", j.String(), "error", err)
	}
	if err := j.UpdateStatus(ctx, status.Working, nil); err != nil {
		w.logger.Error("Failed to update job status", "job", j.String(), "error", err)
	}

	if err := w.strategy.Perform(ctx, j); err != nil {
		w.logger.Error("Strategy failed", "job", j.String(), "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	outcome, exception := j.Outcome()
	span.SetAttributes(attribute.String("goresque.outcome", outcome.String()))
	if outcome == job.OutcomeFailed {
		span.SetStatus(codes.Error, exception)
	}
	for _, o := range w.observers {
		o.JobDone(context.WithoutCancel(ctx), j)
	}

	if err := w.doneWorking(context.WithoutCancel(ctx)); err != nil {
		w.logger.Error("Failed to clear working-on marker", "job", j.String(), "error", err)
	}
}

func (w *Worker) workingOn(ctx context.Context, j *job.Job) error {
	w.mu.Lock()
	w.current = j
	w.mu.Unlock()

	data, err := json.Marshal(WorkingOn{
		Queue:   j.Queue,
		RunAt:   w.now().UTC().Format(time.RFC3339),
		Payload: j.Payload,
	})
	if err != nil {
		return err
	}
	return w.rt.Store().Set(ctx, workerKey(w.id), data)
}

func (w *Worker) doneWorking(ctx context.Context) error {
	w.mu.Lock()
	w.current = nil
	w.mu.Unlock()

	if _, err := w.rt.Store().Delete(ctx, workerKey(w.id)); err != nil {
		return err
	}
	return w.rt.Stats.Incr(ctx, stats.Processed, w.id)
}

func (w *Worker) now() time.Time {
	if w.rt.Now == nil {
		return time.Now()
	}
	return w.rt.Now()
}

func (w *Worker) currentJob() *job.Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Perform runs j in this process. Handler errors and panics fail the job
// and never escape. It reports whether the job ran without error; a job
// skipped by a beforePerform listener counts as completed. The outcome
// is recorded on j either way.
func (w *Worker) Perform(ctx context.Context, j *job.Job) bool {
	if j.Owner() == nil {
		j.SetOwner(w)
	}
	if _, err := w.rt.Trigger(ctx, events.AfterFork, w.jobEvent(j)); err != nil {
		w.fail(ctx, j, err)
		return false
	}

	performed, err := w.run(ctx, j)
	if err != nil {
		w.fail(ctx, j, err)
		return false
	}

	// bookkeeping outlives a ShutdownNow that cancelled ctx mid-job
	if err := j.UpdateStatus(context.WithoutCancel(ctx), status.Completed, j.Result()); err != nil {
		w.logger.Error("Failed to update job status", "job", j.String(), "error", err)
	}
	if performed {
		j.SetOutcome(job.OutcomePerformed, "")
	} else {
		j.SetOutcome(job.OutcomeSkipped, "")
	}
	w.logger.Info("Job done", "job", j.String())
	return true
}

func (w *Worker) run(ctx context.Context, j *job.Job) (performed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			performed = false
			err = &errors.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	performed, err = j.Perform(ctx)
	if err == nil && !performed {
		w.logger.Info("Job skipped by beforePerform listener", "job", j.String())
	}
	return performed, err
}

// fail records cause with the stack of the failing goroutine. The record
// is written even when ctx was cancelled.
func (w *Worker) fail(ctx context.Context, j *job.Job, cause error) {
	w.logger.Error("Job failed", "job", j.String(), "error", cause)
	if err := j.Fail(context.WithoutCancel(ctx), errors.WithStack(cause)); err != nil {
		w.logger.Error("Failed to record job failure", "job", j.String(), "error", err)
	}
}

// Startup installs signal handlers, prunes dead workers, fires
// beforeFirstFork and registers the worker.
func (w *Worker) Startup(ctx context.Context) error {
	if w.signals {
		w.stopSignals = w.handleSignals()
	}
	if err := w.PruneDeadWorkers(ctx); err != nil {
		w.logger.Warn("Failed to prune dead workers", "error", err)
	}
	if _, err := w.rt.Trigger(ctx, events.BeforeFirstFork, &events.Event{Worker: w}); err != nil {
		w.stopSignalHandling()
		return fmt.Errorf("beforeFirstFork: %w", err)
	}
	if err := w.RegisterWorker(ctx); err != nil {
		w.stopSignalHandling()
		return err
	}
	return nil
}

func (w *Worker) stopSignalHandling() {
	if w.stopSignals != nil {
		w.stopSignals()
		w.stopSignals = nil
	}
}

// PruneDeadWorkers unregisters workers on this host whose process is gone
func (w *Worker) PruneDeadWorkers(ctx context.Context) error {
	pids, err := w.processes.Pids(ctx)
	if err != nil {
		return err
	}
	alive := make(map[int]bool, len(pids))
	for _, p := range pids {
		alive[int(p)] = true
	}

	workers, err := All(ctx, w.rt)
	if err != nil {
		return err
	}
	for _, other := range workers {
		if other.hostname != w.hostname || other.pid == w.pid || alive[other.pid] {
			continue
		}
		w.logger.Info("Pruning dead worker", "id", other.id)
		other.logger = w.logger
		if err := other.UnregisterWorker(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RegisterWorker adds the worker to the registered set and records its
// start time.
func (w *Worker) RegisterWorker(ctx context.Context) error {
	if err := w.rt.Store().SetAdd(ctx, WorkersKey, w.id); err != nil {
		return err
	}
	return w.rt.Store().Set(ctx, startedKey(w.id), []byte(w.now().UTC().Format(time.RFC3339)))
}

// UnregisterWorker fails any in-flight job with a dirty exit, then removes
// the worker's registration, marker and counters.
func (w *Worker) UnregisterWorker(ctx context.Context) error {
	inFlight := w.currentJob()
	if inFlight == nil && w.rehydrated {
		marker, err := w.Job(ctx)
		if err != nil {
			w.logger.Warn("Unreadable working-on marker", "id", w.id, "error", err)
		} else if marker != nil {
			inFlight = job.New(w.rt, marker.Queue, marker.Payload)
			inFlight.SetOwner(w)
		}
	}
	if inFlight != nil {
		w.logger.Warn("Failing in-flight job", "id", w.id, "job", inFlight.String())
		if err := inFlight.Fail(ctx, errors.NewDirtyExitError(-1, "worker exited with the job in flight")); err != nil {
			w.logger.Error("Failed to record job failure", "job", inFlight.String(), "error", err)
		}
	}

	if err := w.rt.Store().SetRemove(ctx, WorkersKey, w.id); err != nil {
		return err
	}
	if _, err := w.rt.Store().Delete(ctx, workerKey(w.id), startedKey(w.id)); err != nil {
		return err
	}
	if err := w.rt.Stats.Clear(ctx, stats.Processed, w.id); err != nil {
		return err
	}
	return w.rt.Stats.Clear(ctx, stats.Failed, w.id)
}

// Job returns the working-on marker, or nil when the worker is idle
func (w *Worker) Job(ctx context.Context) (*WorkingOn, error) {
	data, err := w.rt.Store().Get(ctx, workerKey(w.id))
	if err != nil || data == nil {
		return nil, err
	}
	var m WorkingOn
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Started returns when the worker registered, zero if unknown
func (w *Worker) Started(ctx context.Context) (time.Time, error) {
	data, err := w.rt.Store().Get(ctx, startedKey(w.id))
	if err != nil || data == nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, string(data))
}

// Stat returns one of the worker's own counters
func (w *Worker) Stat(ctx context.Context, name string) (int64, error) {
	return w.rt.Stats.Get(ctx, name, w.id)
}

// Shutdown lets the current job finish, then stops the loop
func (w *Worker) Shutdown() {
	w.shutdown.Store(true)
	w.logger.Info("Shutting down", "id", w.id)
}

// ShutdownNow stops the loop and tears down the in-flight execution
func (w *Worker) ShutdownNow() {
	w.Shutdown()
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.KillChild()
}

// KillChild tears down the strategy's current execution and leaves the
// worker running.
func (w *Worker) KillChild() {
	w.strategy.Shutdown()
}

// Pause suspends reservation
func (w *Worker) Pause() {
	w.paused.Store(true)
	w.logger.Info("Pausing job processing", "id", w.id)
}

// Unpause resumes reservation
func (w *Worker) Unpause() {
	w.paused.Store(false)
	w.logger.Info("Resuming job processing", "id", w.id)
}
