package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BranchIntl/goresque/events"
	"github.com/BranchIntl/goresque/job"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_CountsEvents(t *testing.T) {
	bus := events.NewBus()
	c := NewCollector()
	c.Attach(bus)
	ctx := context.Background()

	mail := &events.Event{Queue: "mail", Class: "EmailJob"}
	_, err := bus.Trigger(ctx, events.BeforeFirstFork, &events.Event{})
	require.NoError(t, err)
	for _, name := range []events.Name{events.AfterEnqueue, events.AfterEnqueue, events.BeforeFork, events.AfterPerform, events.OnFailure} {
		_, err := bus.Trigger(ctx, name, mail)
		require.NoError(t, err)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(c.enqueued.WithLabelValues("mail", "EmailJob")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.started.WithLabelValues("mail", "EmailJob")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workers))
	assert.Zero(t, testutil.CollectAndCount(c.performed), "outcomes are counted from JobDone only")
	assert.Zero(t, testutil.CollectAndCount(c.failed))
}

func TestCollector_JobDone(t *testing.T) {
	c := NewCollector()
	ctx := context.Background()

	done := func(o job.Outcome, exception string) {
		j := job.New(nil, "mail", job.Payload{Class: "EmailJob"})
		j.SetOutcome(o, exception)
		c.JobDone(ctx, j)
	}
	done(job.OutcomePerformed, "")
	done(job.OutcomePerformed, "")
	done(job.OutcomeSkipped, "")
	done(job.OutcomeFailed, "DirtyExit")
	done(job.OutcomeUnknown, "")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.performed.WithLabelValues("mail", "EmailJob")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.skipped.WithLabelValues("mail", "EmailJob")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failed.WithLabelValues("mail", "EmailJob", "DirtyExit")))
}

func TestCollector_Detach(t *testing.T) {
	bus := events.NewBus()
	c := NewCollector()
	c.Attach(bus)
	assert.Equal(t, 1, bus.Count(events.AfterEnqueue))

	c.Detach()
	for _, name := range events.Names {
		assert.Zero(t, bus.Count(name), name)
	}
	c.Detach()
}

func TestCollector_Handler(t *testing.T) {
	bus := events.NewBus()
	c := NewCollector()
	c.Attach(bus)
	_, err := bus.Trigger(context.Background(), events.AfterEnqueue, &events.Event{Queue: "mail", Class: "EmailJob"})
	require.NoError(t, err)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `goresque_jobs_enqueued_total{class="EmailJob",queue="mail"} 1`)
}
