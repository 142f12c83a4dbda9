package contract_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/workflowcore/pkg/contract"
)

func usedContracts() []contract.ConsumerContract {
	return []contract.ConsumerContract{
		{
			WorkflowName:         "billing",
			TaskRef:              "chargeAccount",
			RequiredInputFields:  map[string]bool{"tier": true},
			ConsumedOutputFields: map[string]bool{"chargeId": true},
		},
	}
}

func TestImpact_RemoveUsedFieldIsHighAndBlocked(t *testing.T) {
	result := contract.Impact(context.Background(), "chargeAccount", contract.ProposedChange{Kind: contract.ChangeRemoveField, Field: "chargeId"}, usedContracts())
	assert.Equal(t, contract.ImpactHigh, result.Level)
	assert.True(t, result.Blocked)
	assert.Contains(t, result.AffectedWorkflows, "billing")
}

func TestImpact_RemoveUnusedFieldIsNone(t *testing.T) {
	result := contract.Impact(context.Background(), "chargeAccount", contract.ProposedChange{Kind: contract.ChangeRemoveField, Field: "unused"}, usedContracts())
	assert.Equal(t, contract.ImpactNone, result.Level)
	assert.False(t, result.Blocked)
}

func TestImpact_ChangeTypeOfUsedFieldIsMedium(t *testing.T) {
	result := contract.Impact(context.Background(), "chargeAccount", contract.ProposedChange{Kind: contract.ChangeFieldType, Field: "tier"}, usedContracts())
	assert.Equal(t, contract.ImpactMedium, result.Level)
	assert.False(t, result.Blocked)
}

func TestImpact_AddOptionalFieldIsNone(t *testing.T) {
	result := contract.Impact(context.Background(), "chargeAccount", contract.ProposedChange{Kind: contract.ChangeAddOptionalField, Field: "newField"}, usedContracts())
	assert.Equal(t, contract.ImpactNone, result.Level)
}

func TestImpact_AddRequiredFieldIsHighAndBlocked(t *testing.T) {
	result := contract.Impact(context.Background(), "chargeAccount", contract.ProposedChange{Kind: contract.ChangeAddRequiredField, Field: "mandatoryNew"}, usedContracts())
	assert.Equal(t, contract.ImpactHigh, result.Level)
	assert.True(t, result.Blocked)
}

type recordingNotifier struct {
	taskRef string
	change  contract.ProposedChange
	result  contract.ImpactResult
	calls   int
}

func (n *recordingNotifier) NotifyBlocked(_ context.Context, taskRef string, change contract.ProposedChange, result contract.ImpactResult) error {
	n.taskRef = taskRef
	n.change = change
	n.result = result
	n.calls++
	return nil
}

func TestImpact_NotifiesOnBlocked(t *testing.T) {
	notifier := &recordingNotifier{}
	result := contract.Impact(context.Background(), "chargeAccount", contract.ProposedChange{Kind: contract.ChangeRemoveField, Field: "chargeId"}, usedContracts(), notifier)
	require.True(t, result.Blocked)
	assert.Equal(t, 1, notifier.calls)
	assert.Equal(t, "chargeAccount", notifier.taskRef)
}

func TestImpact_DoesNotNotifyWhenNotBlocked(t *testing.T) {
	notifier := &recordingNotifier{}
	result := contract.Impact(context.Background(), "chargeAccount", contract.ProposedChange{Kind: contract.ChangeAddOptionalField, Field: "newField"}, usedContracts(), notifier)
	require.False(t, result.Blocked)
	assert.Equal(t, 0, notifier.calls)
}
