package executor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wferrors "github.com/jordigilh/workflowcore/internal/errors"
	"github.com/jordigilh/workflowcore/pkg/executor"
	"github.com/jordigilh/workflowcore/pkg/workflow"
)

func newTestExecutor(t *testing.T) *executor.Executor {
	storage := workflow.NewResponseStorage(t.TempDir())
	return executor.New(executor.DefaultConfig(), storage, logr.Discard())
}

func TestExecute_SuccessJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "abc123"}`))
	}))
	defer srv.Close()

	exec := newTestExecutor(t)
	def := &workflow.TaskDefinition{
		Name: "charge",
		HTTP: workflow.HTTPBinding{URL: srv.URL, Method: http.MethodPost},
	}
	ctx := workflow.NewExecutionContext(map[string]interface{}{})

	res := exec.Execute(context.Background(), "exec-1", "charge", def, map[string]interface{}{"amount": 10.0}, nil, ctx, 0, workflow.RetryPolicy{})

	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, "abc123", res.Output["id"])
	assert.Equal(t, 0, res.RetryCount)
}

func TestExecute_RetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	exec := newTestExecutor(t)
	def := &workflow.TaskDefinition{
		Name: "flaky",
		HTTP: workflow.HTTPBinding{URL: srv.URL, Method: http.MethodGet},
	}
	ctx := workflow.NewExecutionContext(map[string]interface{}{})

	res := exec.Execute(context.Background(), "exec-1", "flaky", def, nil, nil, ctx, 0, workflow.RetryPolicy{
		MaxAttempts: 5,
		BaseBackoff: 1 * time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})

	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.RetryCount)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestExecute_PermanentStatusDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	exec := newTestExecutor(t)
	def := &workflow.TaskDefinition{
		Name: "bad-input",
		HTTP: workflow.HTTPBinding{URL: srv.URL, Method: http.MethodGet},
	}
	ctx := workflow.NewExecutionContext(map[string]interface{}{})

	res := exec.Execute(context.Background(), "exec-1", "bad-input", def, nil, nil, ctx, 0, workflow.RetryPolicy{
		MaxAttempts: 5,
		BaseBackoff: 1 * time.Millisecond,
	})

	require.Error(t, res.Err)
	assert.False(t, res.Success)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestExecute_URLTemplateExpansion(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	exec := newTestExecutor(t)
	def := &workflow.TaskDefinition{
		Name: "lookup",
		HTTP: workflow.HTTPBinding{URL: `{{ input.base }}/accounts/{{ input.id }}`, Method: http.MethodGet},
	}
	ctx := workflow.NewExecutionContext(map[string]interface{}{
		"base": srv.URL,
		"id":   "42",
	})

	res := exec.Execute(context.Background(), "exec-1", "lookup", def, nil, nil, ctx, 0, workflow.RetryPolicy{})

	require.NoError(t, res.Err)
	assert.Equal(t, "/accounts/42", gotPath)
}

func TestExecute_TimeoutClassifiedAsHttpTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec := newTestExecutor(t)
	def := &workflow.TaskDefinition{
		Name: "slow",
		HTTP: workflow.HTTPBinding{URL: srv.URL, Method: http.MethodGet},
	}
	ctx := workflow.NewExecutionContext(map[string]interface{}{})

	res := exec.Execute(context.Background(), "exec-1", "slow", def, nil, nil, ctx, 5*time.Millisecond, workflow.RetryPolicy{MaxAttempts: 1})

	require.Error(t, res.Err)
	assert.True(t, wferrors.IsKind(res.Err, wferrors.KindHTTPTimeout))
	assert.False(t, res.Success)
}
