// Package status keeps the optional per-job status record stored under
// job:<id>:status.
package status

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BranchIntl/goresque/store"
)

// Status is the lifecycle state stored for a tracked job
type Status string

const (
	Queued    Status = "queued"
	Working   Status = "working"
	Failed    Status = "failed"
	Completed Status = "completed"
)

// Terminal reports whether s ends a job's lifecycle
func (s Status) Terminal() bool {
	return s == Failed || s == Completed
}

// TTL is how long a record survives after reaching a terminal state
const TTL = 24 * time.Hour

// Record is the stored status document. Timestamps are epoch seconds.
type Record struct {
	Status  Status      `json:"status"`
	Updated int64       `json:"updated"`
	Started int64       `json:"started,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Key returns the store key of a job's status record
func Key(id string) string {
	return "job:" + id + ":status"
}

// Tracker reads and writes the status of one job. A Tracker is not safe
// for concurrent use; each job owns its own.
type Tracker struct {
	id       string
	store    store.Store
	now      func() time.Time
	checked  bool
	tracking bool
}

// NewTracker returns a tracker for id. A nil clock means time.Now.
func NewTracker(s store.Store, id string, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{id: id, store: s, now: now}
}

// ID returns the job id
func (t *Tracker) ID() string {
	return t.id
}

// Create writes the initial queued record and marks the job tracked
func (t *Tracker) Create(ctx context.Context) error {
	now := t.now().Unix()
	data, err := json.Marshal(Record{Status: Queued, Updated: now, Started: now})
	if err != nil {
		return err
	}
	if err := t.store.Set(ctx, Key(t.id), data); err != nil {
		return err
	}
	t.checked, t.tracking = true, true
	return nil
}

// IsTracking reports whether a record exists. A negative answer is
// remembered for the life of the tracker; a positive one is rechecked.
func (t *Tracker) IsTracking(ctx context.Context) (bool, error) {
	if t.checked && !t.tracking {
		return false, nil
	}
	ok, err := t.store.Exists(ctx, Key(t.id))
	if err != nil {
		return false, err
	}
	t.checked, t.tracking = true, ok
	return ok, nil
}

// Update overwrites the record when the job is tracked. Terminal states
// start the record's expiry clock.
func (t *Tracker) Update(ctx context.Context, s Status, result interface{}) error {
	tracking, err := t.IsTracking(ctx)
	if err != nil || !tracking {
		return err
	}

	data, err := json.Marshal(Record{Status: s, Updated: t.now().Unix(), Result: result})
	if err != nil {
		return err
	}
	if err := t.store.Set(ctx, Key(t.id), data); err != nil {
		return err
	}
	if s.Terminal() {
		return t.store.Expire(ctx, Key(t.id), TTL)
	}
	return nil
}

// Get returns the current status, or "" when untracked, missing or corrupt
func (t *Tracker) Get(ctx context.Context) (Status, error) {
	rec, err := t.GetAll(ctx)
	if err != nil || rec == nil {
		return "", err
	}
	return rec.Status, nil
}

// GetAll returns the whole record, or nil when untracked, missing or corrupt
func (t *Tracker) GetAll(ctx context.Context) (*Record, error) {
	tracking, err := t.IsTracking(ctx)
	if err != nil || !tracking {
		return nil, err
	}

	data, err := t.store.Get(ctx, Key(t.id))
	if err != nil || data == nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil
	}
	return &rec, nil
}

// Stop deletes the record
func (t *Tracker) Stop(ctx context.Context) error {
	_, err := t.store.Delete(ctx, Key(t.id))
	return err
}
