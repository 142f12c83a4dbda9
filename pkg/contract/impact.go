package contract

import "context"

// ImpactLevel is the severity of a proposed TaskDefinition field change
// (spec.md §4.9).
type ImpactLevel string

const (
	ImpactNone   ImpactLevel = "None"
	ImpactLow    ImpactLevel = "Low"
	ImpactMedium ImpactLevel = "Medium"
	ImpactHigh   ImpactLevel = "High"
)

// ChangeKind is the shape of a proposed field change.
type ChangeKind string

const (
	ChangeRemoveField      ChangeKind = "RemoveField"
	ChangeRenameField      ChangeKind = "RenameField"
	ChangeFieldType        ChangeKind = "ChangeFieldType"
	ChangeAddOptionalField ChangeKind = "AddOptionalField"
	ChangeAddRequiredField ChangeKind = "AddRequiredField"
)

// ProposedChange describes a single field-level edit to a TaskDefinition.
type ProposedChange struct {
	Kind  ChangeKind
	Field string
}

// ImpactResult is Impact's return value.
type ImpactResult struct {
	Level             ImpactLevel
	AffectedWorkflows []string
	Blocked           bool
	SuggestedActions  []string
}

// Notifier delivers a blocked impact result to whatever sink the caller
// wired (internal/notify.SlackSink implements it) (SPEC_FULL.md §4.9:
// "suggested actions feed the Notification Sink (Slack) when blocked").
type Notifier interface {
	NotifyBlocked(ctx context.Context, taskRef string, change ProposedChange, result ImpactResult) error
}

// Impact classifies change's effect on taskRef's consumers, drawn from
// contracts (typically the output of AnalyzeUsage across every registered
// workflow) (spec.md §4.9). notifier is optional: when the result is
// Blocked and a notifier is supplied, it is notified before returning;
// a notification failure never changes the classification; the error the
// notifier returns is discarded.
func Impact(ctx context.Context, taskRef string, change ProposedChange, contracts []ConsumerContract, notifier ...Notifier) ImpactResult {
	var affected []string
	fieldUsed := false
	for _, c := range contracts {
		if c.TaskRef != taskRef {
			continue
		}
		if c.ConsumedOutputFields[change.Field] || c.RequiredInputFields[change.Field] {
			fieldUsed = true
			affected = append(affected, c.WorkflowName)
		}
	}

	result := classify(change, fieldUsed, affected)
	if result.Blocked && len(notifier) > 0 && notifier[0] != nil {
		_ = notifier[0].NotifyBlocked(ctx, taskRef, change, result)
	}
	return result
}

func classify(change ProposedChange, fieldUsed bool, affected []string) ImpactResult {
	switch change.Kind {
	case ChangeRemoveField, ChangeRenameField:
		if fieldUsed {
			return ImpactResult{
				Level:             ImpactHigh,
				AffectedWorkflows: affected,
				Blocked:           true,
				SuggestedActions:  []string{"introduce a new version (Active)", "mark old version Superseded", "schedule Deprecated after a grace period"},
			}
		}
		return ImpactResult{Level: ImpactNone}

	case ChangeFieldType:
		if fieldUsed {
			return ImpactResult{
				Level:             ImpactMedium,
				AffectedWorkflows: affected,
				SuggestedActions:  []string{"introduce a new version (Active)", "mark old version Superseded"},
			}
		}
		return ImpactResult{Level: ImpactNone}

	case ChangeAddOptionalField:
		return ImpactResult{Level: ImpactNone}

	case ChangeAddRequiredField:
		return ImpactResult{
			Level:             ImpactHigh,
			AffectedWorkflows: affected,
			Blocked:           true,
			SuggestedActions:  []string{"add the field with a default instead", "introduce a new version (Active)"},
		}

	default:
		return ImpactResult{Level: ImpactNone}
	}
}
