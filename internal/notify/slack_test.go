package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/workflowcore/internal/notify"
	"github.com/jordigilh/workflowcore/pkg/contract"
	"github.com/jordigilh/workflowcore/pkg/workflow"
)

func TestSlackSink_NotifyExecution_PostsSummary(t *testing.T) {
	var posted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		posted = r.FormValue("text")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "channel": "C1", "ts": "1"})
	}))
	defer srv.Close()

	sink := notify.NewSlackSinkWithOptions("xoxb-test", "#alerts", slack.OptionAPIURL(srv.URL+"/"))

	tr := &workflow.Trace{
		ExecutionID:  "exec-1",
		WorkflowName: "billing",
		Status:       workflow.ExecutionSucceeded,
		StartedAt:    time.Now().Add(-100 * time.Millisecond),
		CompletedAt:  time.Now(),
		Tasks:        []workflow.TaskTrace{{StepID: "charge"}},
	}

	err := sink.NotifyExecution(context.Background(), tr)
	require.NoError(t, err)
	assert.Contains(t, posted, "billing")
	assert.Contains(t, posted, "Succeeded")
}

func TestSlackSink_NotifyBlocked_PostsSummary(t *testing.T) {
	var posted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		posted = r.FormValue("text")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "channel": "C1", "ts": "1"})
	}))
	defer srv.Close()

	sink := notify.NewSlackSinkWithOptions("xoxb-test", "#alerts", slack.OptionAPIURL(srv.URL+"/"))

	change := contract.ProposedChange{Kind: contract.ChangeRemoveField, Field: "chargeId"}
	result := contract.ImpactResult{Level: contract.ImpactHigh, Blocked: true, AffectedWorkflows: []string{"billing"}, SuggestedActions: []string{"introduce a new version (Active)"}}

	err := sink.NotifyBlocked(context.Background(), "chargeAccount", change, result)
	require.NoError(t, err)
	assert.Contains(t, posted, "chargeAccount")
	assert.Contains(t, posted, "billing")
}
