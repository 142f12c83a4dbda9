package workflow_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/workflowcore/pkg/workflow"
)

func TestEvaluateCondition_StringEquality(t *testing.T) {
	ctx := workflow.NewExecutionContext(map[string]interface{}{"kind": "free"})

	res, err := workflow.EvaluateCondition(`{{ input.kind }} == "free"`, ctx)
	require.NoError(t, err)
	assert.Equal(t, workflow.ConditionExecute, res.Outcome)
}

func TestEvaluateCondition_SkipsOnFalse(t *testing.T) {
	ctx := workflow.NewExecutionContext(map[string]interface{}{"kind": "paid"})

	res, err := workflow.EvaluateCondition(`{{ input.kind }} == "free"`, ctx)
	require.NoError(t, err)
	assert.Equal(t, workflow.ConditionSkip, res.Outcome)
	assert.Equal(t, "condition evaluated to false", res.Reason)
}

func TestEvaluateCondition_NumericStringCoercion(t *testing.T) {
	ctx := workflow.NewExecutionContext(map[string]interface{}{"count": "5"})

	res, err := workflow.EvaluateCondition(`{{ input.count }} == 5`, ctx)
	require.NoError(t, err)
	assert.Equal(t, workflow.ConditionExecute, res.Outcome)
}

func TestEvaluateCondition_OrderedComparison(t *testing.T) {
	ctx := workflow.NewExecutionContext(map[string]interface{}{"usage": 85.0})

	res, err := workflow.EvaluateCondition(`{{ input.usage }} >= 80`, ctx)
	require.NoError(t, err)
	assert.Equal(t, workflow.ConditionExecute, res.Outcome)
}

func TestEvaluateCondition_OrderedComparisonNonNumericFails(t *testing.T) {
	ctx := workflow.NewExecutionContext(map[string]interface{}{"kind": "free"})
	_, err := workflow.EvaluateCondition(`{{ input.kind }} >= 80`, ctx)
	require.Error(t, err)
}

func TestEvaluateCondition_LogicalOperators(t *testing.T) {
	ctx := workflow.NewExecutionContext(map[string]interface{}{
		"kind":  "free",
		"usage": 10.0,
	})

	res, err := workflow.EvaluateCondition(`{{ input.kind }} == "free" && {{ input.usage }} < 50`, ctx)
	require.NoError(t, err)
	assert.Equal(t, workflow.ConditionExecute, res.Outcome)

	res, err = workflow.EvaluateCondition(`{{ input.kind }} == "paid" || {{ input.usage }} < 50`, ctx)
	require.NoError(t, err)
	assert.Equal(t, workflow.ConditionExecute, res.Outcome)
}

func TestEvaluateCondition_Negation(t *testing.T) {
	ctx := workflow.NewExecutionContext(map[string]interface{}{"kind": "paid"})
	res, err := workflow.EvaluateCondition(`!({{ input.kind }} == "free")`, ctx)
	require.NoError(t, err)
	assert.Equal(t, workflow.ConditionExecute, res.Outcome)
}

func TestEvaluateCondition_UnresolvedReference(t *testing.T) {
	ctx := workflow.NewExecutionContext(map[string]interface{}{})
	_, err := workflow.EvaluateCondition(`{{ tasks.pay.output.id }} == "x"`, ctx)
	require.Error(t, err)
}

func TestEvaluateCondition_InvalidExpression(t *testing.T) {
	ctx := workflow.NewExecutionContext(map[string]interface{}{})
	_, err := workflow.EvaluateCondition(`&& true`, ctx)
	require.Error(t, err)
}
