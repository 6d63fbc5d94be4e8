// Package job is the unit of work: enqueueing, reservation, the
// perform/fail lifecycle and the per-job status record.
package job

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BranchIntl/goresque/errors"
	"github.com/BranchIntl/goresque/events"
	"github.com/BranchIntl/goresque/failure"
	"github.com/BranchIntl/goresque/registry"
	"github.com/BranchIntl/goresque/stats"
	"github.com/BranchIntl/goresque/status"
	"github.com/google/uuid"
)

// Payload is the JSON document stored on a queue
type Payload struct {
	Class string                   `json:"class"`
	Args  []map[string]interface{} `json:"args"`
	ID    string                   `json:"id,omitempty"`
	Queue string                   `json:"queue,omitempty"`
}

// Owner is the worker a job was dispatched to
type Owner interface {
	ID() string
}

// Job is one decoded queue entry plus its execution context
type Job struct {
	Queue   string
	Payload Payload

	rt       *Runtime
	owner    Owner
	tracker  *status.Tracker
	instance interface{}
	resolved bool
	err      error

	outcome   Outcome
	exception string
}

// New builds a job around a payload, as a reservation would
func New(rt *Runtime, queueName string, payload Payload) *Job {
	return &Job{Queue: queueName, Payload: payload, rt: rt}
}

// normalizeArgs accepts nil or anything that encodes as a JSON object.
// Lists and scalars are rejected.
func normalizeArgs(class string, args interface{}) (map[string]interface{}, error) {
	if args == nil {
		return map[string]interface{}{}, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, errors.NewValidationError(class, err)
	}
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return map[string]interface{}{}, nil
	}
	if len(data) == 0 || data[0] != '{' {
		return nil, errors.NewValidationError(class, errors.ErrInvalidArgs)
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.NewValidationError(class, err)
	}
	return out, nil
}

// Create validates args, pushes a new job onto queueName and returns its
// id. The id is written into the payload, and a status record created,
// only when track is set. Nothing is written when validation fails.
func Create(ctx context.Context, rt *Runtime, queueName, class string, args interface{}, track bool) (string, error) {
	if class == "" {
		return "", errors.NewValidationError(class, errors.ErrEmptyClassName)
	}
	record, err := normalizeArgs(class, args)
	if err != nil {
		return "", err
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	payload := Payload{Class: class, Args: []map[string]interface{}{record}}
	if track {
		payload.ID = id
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	if err := rt.Queue.Push(ctx, queueName, data); err != nil {
		return "", err
	}

	if track {
		if err := rt.Tracker(id).Create(ctx); err != nil {
			return "", err
		}
	}

	if _, err := rt.Trigger(ctx, events.AfterEnqueue, &events.Event{
		Queue: queueName, Class: class, ID: id, Args: record,
	}); err != nil {
		return id, err
	}
	return id, nil
}

func decode(rt *Runtime, queueName string, data []byte) *Job {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil || p.Class == "" {
		rt.logger().Warn("Discarding malformed payload", "queue", queueName, "payload", string(data), "error", err)
		return nil
	}
	return New(rt, queueName, p)
}

// Reserve pops one job from queueName. An empty queue or an undecodable
// entry yields nil.
func Reserve(ctx context.Context, rt *Runtime, queueName string) (*Job, error) {
	data, err := rt.Queue.Pop(ctx, queueName)
	if err != nil || data == nil {
		return nil, err
	}
	return decode(rt, queueName, data), nil
}

// ReserveBlocking waits up to timeout for a job on any of queues. Store
// errors, including an implausibly fast empty pop, are returned as-is.
func ReserveBlocking(ctx context.Context, rt *Runtime, queues []string, timeout time.Duration) (*Job, error) {
	name, data, err := rt.Queue.BlockingPop(ctx, queues, timeout)
	if err != nil || data == nil {
		return nil, err
	}
	return decode(rt, name, data), nil
}

// Runtime returns the job's runtime
func (j *Job) Runtime() *Runtime {
	return j.rt
}

// SetOwner records the worker the job was dispatched to
func (j *Job) SetOwner(o Owner) {
	j.owner = o
}

// Owner returns the worker the job was dispatched to, or nil
func (j *Job) Owner() Owner {
	return j.owner
}

func (j *Job) ownerID() string {
	if j.owner == nil {
		return ""
	}
	return j.owner.ID()
}

// Arguments returns the job's argument record, never nil
func (j *Job) Arguments() map[string]interface{} {
	if len(j.Payload.Args) == 0 || j.Payload.Args[0] == nil {
		return map[string]interface{}{}
	}
	return j.Payload.Args[0]
}

// Status returns the job's tracker, or nil when the job has no id
func (j *Job) Status() *status.Tracker {
	if j.Payload.ID == "" {
		return nil
	}
	if j.tracker == nil {
		j.tracker = j.rt.Tracker(j.Payload.ID)
	}
	return j.tracker
}

// UpdateStatus moves a tracked job to s; untracked jobs are left alone
func (j *Job) UpdateStatus(ctx context.Context, s status.Status, result interface{}) error {
	tr := j.Status()
	if tr == nil {
		return nil
	}
	return tr.Update(ctx, s, result)
}

// Instance builds the handler once and returns the memoized value on
// later calls.
func (j *Job) Instance() (interface{}, error) {
	if j.resolved {
		return j.instance, j.err
	}
	j.resolved = true

	factory, ok := j.rt.Handlers.Get(j.Payload.Class)
	if !ok {
		j.err = errors.NewCannotPerformError(j.Payload.Class, errors.ErrUnknownHandler)
		return nil, j.err
	}
	inst := factory(registry.Instance{
		ID:    j.Payload.ID,
		Queue: j.Queue,
		Args:  j.Arguments(),
		Job:   j,
	})
	if _, ok := inst.(registry.Performer); !ok {
		j.err = errors.NewCannotPerformError(j.Payload.Class, errors.ErrNoPerform)
		return nil, j.err
	}
	j.instance = inst
	return inst, nil
}

func (j *Job) event() *events.Event {
	return &events.Event{
		Job:    j,
		Worker: j.owner,
		Queue:  j.Queue,
		Class:  j.Payload.Class,
		ID:     j.Payload.ID,
		Args:   j.Arguments(),
	}
}

// Perform runs the handler: beforePerform, SetUp, Perform, TearDown,
// afterPerform. It returns false without error when a beforePerform
// listener skipped the job. Any other error is returned for the caller
// to Fail.
func (j *Job) Perform(ctx context.Context) (bool, error) {
	inst, err := j.Instance()
	if err != nil {
		return false, err
	}

	verdict, err := j.rt.Trigger(ctx, events.BeforePerform, j.event())
	if err != nil {
		return false, err
	}
	if verdict == events.Skip {
		return false, nil
	}

	if s, ok := inst.(registry.SetUpper); ok {
		if err := s.SetUp(ctx); err != nil {
			return false, err
		}
	}
	if err := inst.(registry.Performer).Perform(ctx); err != nil {
		return false, err
	}
	if td, ok := inst.(registry.TearDowner); ok {
		if err := td.TearDown(ctx); err != nil {
			return false, err
		}
	}

	if _, err := j.rt.Trigger(ctx, events.AfterPerform, j.event()); err != nil {
		return false, err
	}
	return true, nil
}

// Result returns the handler's result when it implements Resulter
func (j *Job) Result() interface{} {
	if r, ok := j.instance.(registry.Resulter); ok {
		return r.Result()
	}
	return nil
}

// Fail records err against the job: onFailure listeners, failed status,
// the failure backend and the failed counters. Every step is attempted;
// their errors are joined.
func (j *Job) Fail(ctx context.Context, cause error) error {
	var errs []error
	j.SetOutcome(OutcomeFailed, errors.Kind(cause))

	e := j.event()
	e.Err = cause
	if _, err := j.rt.Trigger(ctx, events.OnFailure, e); err != nil {
		errs = append(errs, fmt.Errorf("onFailure listener: %w", err))
	}

	if err := j.UpdateStatus(ctx, status.Failed, nil); err != nil {
		errs = append(errs, err)
	}

	if j.rt.Failures != nil {
		if err := j.rt.Failures.Save(ctx, failure.Failure{
			Payload:  j.Payload,
			Err:      cause,
			Worker:   j.ownerID(),
			Queue:    j.Queue,
			FailedAt: j.rt.now(),
		}); err != nil {
			errs = append(errs, err)
		}
	}

	if j.rt.Stats != nil {
		if err := j.rt.Stats.Incr(ctx, stats.Failed, j.ownerID()); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// String identifies the job in logs
func (j *Job) String() string {
	parts := []string{j.Payload.Class}
	if j.Payload.ID != "" {
		parts = append(parts, j.Payload.ID)
	}
	if args, err := json.Marshal(j.Arguments()); err == nil {
		parts = append(parts, string(args))
	}
	return fmt.Sprintf("(Job{%s} | %s)", j.Queue, strings.Join(parts, " | "))
}
