// Package notify delivers workflow execution outcomes to Slack, the
// notification channel spec.md's supplemented ambient stack carries
// alongside the core orchestration path.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	wferrors "github.com/jordigilh/workflowcore/internal/errors"
	"github.com/jordigilh/workflowcore/pkg/contract"
	"github.com/jordigilh/workflowcore/pkg/workflow"
)

// SlackSink posts execution outcomes to a fixed Slack channel.
type SlackSink struct {
	client  *slack.Client
	channel string
}

// NewSlackSink builds a sink against the Slack Web API using token (a
// bot token, `xoxb-...`).
func NewSlackSink(token, channel string) *SlackSink {
	return &SlackSink{client: slack.New(token), channel: channel}
}

// NewSlackSinkWithOptions is NewSlackSink with additional slack.Options,
// used by tests to point the client at an httptest server.
func NewSlackSinkWithOptions(token, channel string, opts ...slack.Option) *SlackSink {
	return &SlackSink{client: slack.New(token, opts...), channel: channel}
}

// NotifyExecution posts a one-line summary of a completed execution,
// grounded on the same terminal statuses the Orchestrator produces.
func (s *SlackSink) NotifyExecution(ctx context.Context, tr *workflow.Trace) error {
	text := fmt.Sprintf("workflow %q execution %s: %s (%d steps, %dms)",
		tr.WorkflowName, tr.ExecutionID, tr.Status, len(tr.Tasks), tr.CompletedAt.Sub(tr.StartedAt).Milliseconds())
	if tr.Status == workflow.ExecutionFailed && tr.Error != "" {
		text += fmt.Sprintf(" — %s", tr.Error)
	}

	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return wferrors.Wrap(err, wferrors.KindInternal, "posting execution notification to Slack")
	}
	return nil
}

// NotifyBlocked implements contract.Notifier: it posts a one-line summary
// of a blocked TaskDefinition change to the same channel NotifyExecution
// uses (SPEC_FULL.md §4.9).
func (s *SlackSink) NotifyBlocked(ctx context.Context, taskRef string, change contract.ProposedChange, result contract.ImpactResult) error {
	text := fmt.Sprintf("task %q change %s(%s) blocked, impact=%s, affects: %s. Suggested actions: %s",
		taskRef, change.Kind, change.Field, result.Level, strings.Join(result.AffectedWorkflows, ", "), strings.Join(result.SuggestedActions, "; "))

	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return wferrors.Wrap(err, wferrors.KindInternal, "posting blocked-change notification to Slack")
	}
	return nil
}
