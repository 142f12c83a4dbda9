package validator

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/jordigilh/workflowcore/pkg/workflow"
)

// Policy wraps a compiled rego module evaluated against a WorkflowSpec
// during validation (SPEC_FULL.md §4.7). The module must define
// data.workflowcore.validation.deny as a set of violation message
// strings; a non-empty set fails validation outright when strictMode is
// set, otherwise it is surfaced as a warning.
type Policy struct {
	query      rego.PreparedEvalQuery
	strictMode bool
}

// CompilePolicy prepares module's deny query for repeated evaluation.
func CompilePolicy(ctx context.Context, module string, strictMode bool) (*Policy, error) {
	pq, err := rego.New(
		rego.Query("data.workflowcore.validation.deny"),
		rego.Module("policy.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compiling validation policy: %w", err)
	}
	return &Policy{query: pq, strictMode: strictMode}, nil
}

// Evaluate runs the policy against spec and returns its deny messages.
func (p *Policy) Evaluate(ctx context.Context, spec *workflow.WorkflowSpec) ([]string, error) {
	rs, err := p.query.Eval(ctx, rego.EvalInput(specToPolicyInput(spec)))
	if err != nil {
		return nil, fmt.Errorf("evaluating validation policy: %w", err)
	}

	var denies []string
	for _, result := range rs {
		for _, expr := range result.Expressions {
			values, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, v := range values {
				if msg, ok := v.(string); ok {
					denies = append(denies, msg)
				}
			}
		}
	}
	return denies, nil
}

// specToPolicyInput projects a WorkflowSpec onto the shape a rego policy
// can reason about without exposing template strings or input defaults.
func specToPolicyInput(spec *workflow.WorkflowSpec) map[string]interface{} {
	taskRefs := make([]string, 0, len(spec.Tasks))
	for _, step := range spec.Tasks {
		taskRefs = append(taskRefs, step.TaskRef)
	}
	return map[string]interface{}{
		"workflowName": spec.Metadata.Name,
		"namespace":    spec.Metadata.Namespace,
		"taskCount":    len(spec.Tasks),
		"taskRefs":     taskRefs,
	}
}
