package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/BranchIntl/goresque/engines"
	"github.com/BranchIntl/goresque/errors"
	"github.com/BranchIntl/goresque/failure"
	"github.com/BranchIntl/goresque/job"
	"github.com/BranchIntl/goresque/registry"
	"github.com/BranchIntl/goresque/strategy"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupEnv points the commands at a fresh miniredis
func setupEnv(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	t.Setenv("STORE_DRIVER", "redigo")
	t.Setenv("REDIS_BACKEND", mr.Addr())
	t.Setenv("REDIS_NAMESPACE", "resque:")
	t.Setenv("JOB_STRATEGY", "inprocess")
	t.Setenv("QUEUE", "mail")
	t.Setenv("INTERVAL", "0")
	t.Setenv("LOGLEVEL", "error")
	return mr
}

func run(t *testing.T, stdin string, args []string, setups ...Setup) (string, error) {
	t.Helper()
	cmd := NewRootCommand(setups...)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func handlers(performed *[]string) Setup {
	return func(e *engines.ResqueEngine) error {
		if err := e.RegisterFunc("EmailJob", func(ctx context.Context, in registry.Instance) error {
			*performed = append(*performed, in.Args["to"].(string))
			return nil
		}); err != nil {
			return err
		}
		return e.RegisterFunc("BrokenJob", func(ctx context.Context, in registry.Instance) error {
			return errors.New("smtp down")
		})
	}
}

func TestEnqueueAndWork(t *testing.T) {
	mr := setupEnv(t)

	out, err := run(t, "", []string{"enqueue", "mail", "EmailJob", `{"to":"a@example.com"}`, "--track"})
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	assert.Len(t, id, 32)
	assert.True(t, mr.Exists("resque:job:"+id+":status"))

	_, err = run(t, "", []string{"enqueue", "mail", "BrokenJob"})
	require.NoError(t, err)

	out, err = run(t, "", []string{"queues"})
	require.NoError(t, err)
	assert.Equal(t, "mail\t2\n", out)

	var performed []string
	_, err = run(t, "", []string{"work"}, handlers(&performed))
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com"}, performed)

	out, err = run(t, "", []string{"failed"})
	require.NoError(t, err)
	var record failure.Record
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &record))
	assert.Equal(t, "mail", record.Queue)
	assert.Equal(t, "smtp down", record.Error)

	_, err = run(t, "", []string{"failed", "--clear"})
	require.NoError(t, err)
	assert.False(t, mr.Exists("resque:failed"))

	out, err = run(t, "", []string{"workers"})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFailedTrim(t *testing.T) {
	mr := setupEnv(t)
	for i := 0; i < 3; i++ {
		_, err := run(t, "", []string{"enqueue", "mail", "BrokenJob"})
		require.NoError(t, err)
	}
	var performed []string
	_, err := run(t, "", []string{"work"}, handlers(&performed))
	require.NoError(t, err)

	_, err = run(t, "", []string{"failed", "--trim", "1"})
	require.NoError(t, err)
	items, err := mr.List("resque:failed")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestEnqueue_Errors(t *testing.T) {
	setupEnv(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing class", []string{"enqueue", "mail"}, "accepts between 2 and 3 arg(s)"},
		{"args not an object", []string{"enqueue", "mail", "EmailJob", `[1,2]`}, "JSON object"},
		{"bad json", []string{"enqueue", "mail", "EmailJob", `{`}, "JSON object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, "", tt.args)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestPerformChild(t *testing.T) {
	mr := setupEnv(t)

	envelope := func(class string) string {
		data, err := json.Marshal(strategy.Envelope{
			Queue:   "mail",
			Payload: job.Payload{Class: class, Args: []map[string]interface{}{{"to": "c@example.com"}}},
			Worker:  "host:100:mail",
		})
		require.NoError(t, err)
		return string(data)
	}

	var performed []string
	_, err := run(t, envelope("EmailJob"), []string{strategy.ChildCommand}, handlers(&performed))
	require.NoError(t, err)
	assert.Equal(t, []string{"c@example.com"}, performed)

	// a failing job is recorded and the child still succeeds
	_, err = run(t, envelope("BrokenJob"), []string{strategy.ChildCommand}, handlers(&performed))
	require.NoError(t, err)
	items, err := mr.List("resque:failed")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = run(t, "{", []string{strategy.ChildCommand}, handlers(&performed))
	assert.Error(t, err)
}

func TestSetupErrorAborts(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "", []string{"work"}, func(e *engines.ResqueEngine) error {
		return errors.New("no handlers today")
	})
	assert.ErrorContains(t, err, "no handlers today")
}

func TestChildArgs(t *testing.T) {
	tests := []struct {
		name string
		g    globals
		want []string
	}{
		{"bare", globals{}, []string{"perform-child"}},
		{"config", globals{configPath: "/etc/goresque.yaml"}, []string{"perform-child", "--config", "/etc/goresque.yaml"}},
		{"env files", globals{envFiles: []string{"a.env", "b.env"}}, []string{"perform-child", "--env-file", "a.env", "--env-file", "b.env"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.g.childArgs())
		})
	}
}
