package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"

	"github.com/google/uuid"
)

// Matcher selects queued jobs for removal. Class is always compared; when
// Args is non-nil the job's argument record must equal it exactly,
// otherwise a non-empty ID must equal the job id.
type Matcher struct {
	Class string
	ID    string
	Args  map[string]interface{}
}

type entry struct {
	Class string                   `json:"class"`
	Args  []map[string]interface{} `json:"args"`
	ID    string                   `json:"id"`
}

func (m Matcher) matches(e entry) bool {
	if e.Class != m.Class {
		return false
	}
	if m.Args != nil {
		var got map[string]interface{}
		if len(e.Args) > 0 {
			got = e.Args[0]
		}
		if got == nil {
			got = map[string]interface{}{}
		}
		return reflect.DeepEqual(normalize(m.Args), got)
	}
	if m.ID != "" {
		return e.ID == m.ID
	}
	return true
}

// normalize round-trips through JSON so Go-typed matcher arguments compare
// equal to decoded payloads (ints become float64 and so on).
func normalize(args map[string]interface{}) map[string]interface{} {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(data, &out); err != nil {
		return args
	}
	return out
}

func matchAny(raw []byte, matchers []Matcher) bool {
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return false
	}
	for _, m := range matchers {
		if m.matches(e) {
			return true
		}
	}
	return false
}

// Dequeue removes the jobs in name matching any of matchers and returns
// how many were removed. Without matchers the whole queue is deleted and
// its previous length returned.
//
// Entries are rotated one at a time onto a private temp list, dropped if
// they match, and otherwise parked on a requeue list that is rotated back
// onto the queue once it drains. Surviving entries keep their relative
// order. The store offers no transactions, so a crash part way through can
// strand entries on the temp lists.
func (q *Queue) Dequeue(ctx context.Context, name string, matchers ...Matcher) (int64, error) {
	src := Key(name)

	if len(matchers) == 0 {
		size, err := q.store.Length(ctx, src)
		if err != nil {
			return 0, err
		}
		if _, err := q.store.Delete(ctx, src); err != nil {
			return 0, err
		}
		return size, nil
	}

	token := uuid.NewString()
	temp := src + ":temp:" + token
	requeue := src + ":requeue:" + token
	defer func() {
		if _, err := q.store.Delete(context.WithoutCancel(ctx), temp, requeue); err != nil {
			q.logger.Warn("Failed to clean up dequeue lists", "queue", name, "error", err)
		}
	}()

	var removed int64
	for {
		raw, err := q.store.Rotate(ctx, src, temp)
		if err != nil {
			return removed, err
		}
		if raw == nil {
			break
		}

		if matchAny(raw, matchers) {
			if _, err := q.store.Pop(ctx, temp); err != nil {
				return removed, err
			}
			removed++
			continue
		}
		if _, err := q.store.Rotate(ctx, temp, requeue); err != nil {
			return removed, err
		}
	}

	for {
		raw, err := q.store.Rotate(ctx, requeue, src)
		if err != nil {
			return removed, err
		}
		if raw == nil {
			break
		}
	}

	if removed > 0 {
		q.logger.Debug("Dequeued jobs", slog.String("queue", name), slog.Int64("removed", removed))
	}
	return removed, nil
}
