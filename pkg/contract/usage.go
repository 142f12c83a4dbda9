// Package contract implements the Contract & Lifecycle Engine: field
// usage extraction, dependency/impact classification, the deployment
// promotion matrix, and the provider contract verifier (spec.md §4.8-4.11).
package contract

import (
	"strings"

	"github.com/itchyny/gojq"

	"github.com/jordigilh/workflowcore/pkg/workflow"
)

// ConsumerContract is one (workflow, taskRef) pair's field usage, the
// substrate Impact reasons about (spec.md §4.8).
type ConsumerContract struct {
	WorkflowName         string
	TaskRef              string
	RequiredInputFields  map[string]bool
	ConsumedOutputFields map[string]bool
}

// AnalyzeUsage walks every step of spec and returns one ConsumerContract
// per distinct taskRef the workflow references (switch branches count as
// separate taskRefs, each producing its own contract).
func AnalyzeUsage(spec *workflow.WorkflowSpec) []ConsumerContract {
	byRef := make(map[string]*ConsumerContract)

	ensure := func(taskRef string) *ConsumerContract {
		c, ok := byRef[taskRef]
		if !ok {
			c = &ConsumerContract{
				WorkflowName:         spec.Metadata.Name,
				TaskRef:              taskRef,
				RequiredInputFields:  make(map[string]bool),
				ConsumedOutputFields: make(map[string]bool),
			}
			byRef[taskRef] = c
		}
		return c
	}

	taskRefsOf := func(step workflow.TaskStep) []string {
		var refs []string
		if step.TaskRef != "" {
			refs = append(refs, step.TaskRef)
		}
		if step.Switch != nil {
			for _, c := range step.Switch.Cases {
				refs = append(refs, c.TaskRef)
			}
			if step.Switch.Default != nil {
				refs = append(refs, step.Switch.Default.TaskRef)
			}
		}
		return refs
	}

	for _, step := range spec.Tasks {
		refs := taskRefsOf(step)
		for _, ref := range refs {
			c := ensure(ref)
			for field := range step.Input {
				c.RequiredInputFields[field] = true
			}
		}
	}

	// Any step's template may read another task's output; attribute the
	// consumed field to the taskRef of the step being referenced, not the
	// reader, since Impact reasons per-provider.
	byStepID := make(map[string][]string, len(spec.Tasks))
	for _, step := range spec.Tasks {
		byStepID[step.ID] = taskRefsOf(step)
	}

	collectOutputRefs := func(tmpl string, into map[string][]string) {
		for _, path := range extractOutputPaths(tmpl) {
			parts := splitTaskOutputPath(path)
			if len(parts) < 4 || parts[0] != "tasks" || parts[2] != "output" {
				continue
			}
			into[parts[1]] = append(into[parts[1]], parts[3])
		}
	}

	refsByStep := make(map[string][]string)
	for _, step := range spec.Tasks {
		for _, tmpl := range step.Input {
			collectOutputRefs(tmpl, refsByStep)
		}
		if step.Condition != nil {
			collectOutputRefs(step.Condition.If, refsByStep)
		}
		if step.Switch != nil {
			collectOutputRefs(step.Switch.Value, refsByStep)
		}
		if step.ForEach != nil {
			collectOutputRefs(step.ForEach.Items, refsByStep)
		}
	}
	for key, tmpl := range spec.Output {
		_ = key
		collectOutputRefs(tmpl, refsByStep)
	}

	for stepID, fields := range refsByStep {
		for _, taskRef := range byStepID[stepID] {
			c := ensure(taskRef)
			for _, f := range fields {
				c.ConsumedOutputFields[f] = true
			}
		}
	}

	out := make([]ConsumerContract, 0, len(byRef))
	for _, c := range byRef {
		out = append(out, *c)
	}
	return out
}

// splitTaskOutputPath breaks a dotted path token (e.g. "tasks.step1.output.field")
// into its segments by parsing it as a gojq field-access query and splitting
// the query's printed form on "."; a token gojq rejects yields nil. Only
// plain identifier segments come through intact: extractOutputPaths cuts
// tokens at double quotes and keeps only tokens starting with "tasks.", so
// quoted or bracketed step ids never arrive here whole, and a dash in an
// unquoted step id parses as subtraction.
func splitTaskOutputPath(token string) []string {
	q, err := gojq.Parse("." + token)
	if err != nil {
		return nil
	}
	normalized := strings.TrimPrefix(q.String(), ".")
	return strings.Split(normalized, ".")
}

// extractOutputPaths pulls dotted paths out of a template string's
// `{{ }}` segments (mirrors pkg/validator's extractor, scoped to this
// package's narrower need: only "tasks.*" paths matter here).
func extractOutputPaths(tmpl string) []string {
	var paths []string
	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			return paths
		}
		rest = rest[start+2:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			return paths
		}
		expr := strings.TrimSpace(rest[:end])
		rest = rest[end+2:]

		var cur strings.Builder
		flush := func() {
			if cur.Len() == 0 {
				return
			}
			tok := cur.String()
			cur.Reset()
			if strings.HasPrefix(tok, "tasks.") {
				paths = append(paths, tok)
			}
		}
		for _, r := range expr {
			if r == ' ' || r == '(' || r == ')' || r == '!' || r == '&' || r == '|' || r == '=' || r == '<' || r == '>' || r == '"' {
				flush()
				continue
			}
			cur.WriteRune(r)
		}
		flush()
	}
}
