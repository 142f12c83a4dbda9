// Package validator implements the static checks the spec requires at
// workflow registration time (spec.md §4.7): graph shape, template
// resolvability, and control-flow well-formedness.
package validator

import (
	"context"
	"fmt"
	"strings"

	wferrors "github.com/jordigilh/workflowcore/internal/errors"
	"github.com/jordigilh/workflowcore/pkg/workflow"
)

// Result is the outcome of validating one WorkflowSpec.
type Result struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// TaskLookup resolves a taskRef to its declared input/output schema field
// sets, used to validate forward references in templates.
type TaskLookup interface {
	Get(taskRef string) (*workflow.TaskDefinition, bool)
}

// Validate runs every static check spec.md §4.7 names and returns a
// single aggregated Result; it never returns a Go error for an invalid
// workflow — invalidity is represented in Result.Errors. policy is
// optional (SPEC_FULL.md §4.7's rego layer); pass none to skip it.
func Validate(spec *workflow.WorkflowSpec, registry TaskLookup, policy ...*Policy) Result {
	var errs, warnings []string

	errs = append(errs, validateGraph(spec)...)
	// Template and control-flow checks assume a well-formed graph; skip
	// them if the graph itself is broken to avoid cascading noise.
	if len(errs) == 0 {
		terrs, twarnings := validateTemplatesAndControlFlow(spec, registry)
		errs = append(errs, terrs...)
		warnings = append(warnings, twarnings...)
	}

	if len(errs) == 0 && len(policy) > 0 && policy[0] != nil {
		p := policy[0]
		denies, err := p.Evaluate(context.Background(), spec)
		if err != nil {
			errs = append(errs, fmt.Sprintf("policy evaluation failed: %v", err))
		} else if len(denies) > 0 {
			if p.strictMode {
				errs = append(errs, denies...)
			} else {
				warnings = append(warnings, denies...)
			}
		}
	}

	return Result{
		Valid:    len(errs) == 0,
		Errors:   errs,
		Warnings: warnings,
	}
}

func validateGraph(spec *workflow.WorkflowSpec) []string {
	var errs []string

	seen := make(map[string]bool, len(spec.Tasks))
	for _, step := range spec.Tasks {
		if step.ID == "" {
			errs = append(errs, "step has an empty id")
			continue
		}
		if seen[step.ID] {
			errs = append(errs, fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = true
	}

	hasRoot := false
	for _, step := range spec.Tasks {
		if len(step.DependsOn) == 0 {
			hasRoot = true
		}
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				errs = append(errs, fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep))
			}
		}
	}
	if len(spec.Tasks) > 0 && !hasRoot {
		errs = append(errs, "workflow has no root steps (every step declares dependsOn)")
	}

	if len(errs) == 0 {
		if _, err := workflow.BuildDAG(spec); err != nil {
			errs = append(errs, err.Error())
		}
	}

	return errs
}

// validateTemplatesAndControlFlow checks that every template expression
// parses and every referenced path statically resolves to either a
// declared input parameter or an earlier step's schema-declared output
// field (spec.md §4.7 Templates), plus the condition/switch/forEach
// structural rules (spec.md §4.7 Control flow).
func validateTemplatesAndControlFlow(spec *workflow.WorkflowSpec, registry TaskLookup) ([]string, []string) {
	var errs, warnings []string

	levelOf := make(map[string]int)
	if plan, err := workflow.BuildDAG(spec); err == nil {
		for lvl, group := range plan.Levels {
			for _, id := range group {
				levelOf[id] = lvl
			}
		}
	}

	for _, step := range spec.Tasks {
		for field, tmpl := range step.Input {
			for _, path := range extractPaths(tmpl) {
				if err := checkPath(path, step.ID, levelOf, spec, registry); err != nil {
					errs = append(errs, fmt.Sprintf("step %q input %q: %s", step.ID, field, err.Error()))
				}
			}
		}

		if step.Condition != nil {
			if strings.TrimSpace(step.Condition.If) == "" {
				errs = append(errs, fmt.Sprintf("step %q: condition.if must not be empty", step.ID))
			} else {
				for _, path := range extractPaths(step.Condition.If) {
					if err := checkPath(path, step.ID, levelOf, spec, registry); err != nil {
						errs = append(errs, fmt.Sprintf("step %q condition: %s", step.ID, err.Error()))
					}
				}
			}
		}

		if step.Switch != nil {
			errs = append(errs, validateSwitch(step, spec)...)
			if step.Switch.Default == nil {
				warnings = append(warnings, fmt.Sprintf("step %q: switch has no default case", step.ID))
			}
		}

		if step.ForEach != nil {
			if strings.TrimSpace(step.ForEach.Items) == "" {
				errs = append(errs, fmt.Sprintf("step %q: forEach.items must not be empty", step.ID))
			}
			if !isValidIdentifier(step.ForEach.ItemVar) {
				errs = append(errs, fmt.Sprintf("step %q: forEach.itemVar %q is not a valid identifier", step.ID, step.ForEach.ItemVar))
			}
			if step.ForEach.MaxParallel < 0 {
				errs = append(errs, fmt.Sprintf("step %q: forEach.maxParallel must be >= 0", step.ID))
			}
		}
	}

	for field, tmpl := range spec.Output {
		for _, path := range extractPaths(tmpl) {
			if err := checkPath(path, "__output__", levelOf, spec, registry); err != nil {
				errs = append(errs, fmt.Sprintf("output %q: %s", field, err.Error()))
			}
		}
	}

	return errs, warnings
}

func validateSwitch(step workflow.TaskStep, spec *workflow.WorkflowSpec) []string {
	var errs []string
	sw := step.Switch
	if strings.TrimSpace(sw.Value) == "" {
		errs = append(errs, fmt.Sprintf("step %q: switch.value must not be empty", step.ID))
	}
	if len(sw.Cases) == 0 {
		errs = append(errs, fmt.Sprintf("step %q: switch.cases must not be empty", step.ID))
	}

	seenMatch := make(map[string]bool, len(sw.Cases))
	for _, c := range sw.Cases {
		norm := strings.ToLower(strings.TrimSpace(c.Match))
		if seenMatch[norm] {
			errs = append(errs, fmt.Sprintf("step %q: switch has duplicate case match %q", step.ID, c.Match))
		}
		seenMatch[norm] = true
		if !taskRefExists(c.TaskRef, spec) {
			errs = append(errs, fmt.Sprintf("step %q: switch case %q references unknown taskRef %q", step.ID, c.Match, c.TaskRef))
		}
	}
	if sw.Default != nil && !taskRefExists(sw.Default.TaskRef, spec) {
		errs = append(errs, fmt.Sprintf("step %q: switch default references unknown taskRef %q", step.ID, sw.Default.TaskRef))
	}
	return errs
}

// taskRefExists reports whether ref is a taskRef used by some step in
// spec — switch branches reference taskRefs, not step ids, and any step
// sharing that taskRef is a sufficient existence proof for this check.
func taskRefExists(ref string, spec *workflow.WorkflowSpec) bool {
	for _, step := range spec.Tasks {
		if step.TaskRef == ref {
			return true
		}
		if step.Switch != nil {
			for _, c := range step.Switch.Cases {
				if c.TaskRef == ref {
					return true
				}
			}
			if step.Switch.Default != nil && step.Switch.Default.TaskRef == ref {
				return true
			}
		}
	}
	return false
}

func isValidIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
		isDigit := r >= '0' && r <= '9'
		if i == 0 && !isLetter {
			return false
		}
		if !isLetter && !isDigit {
			return false
		}
	}
	return true
}

// checkPath resolves a dotted template path statically: "input.*" must
// name a declared parameter; "tasks.<id>.output.*" must name an earlier
// (lower-level) step whose TaskDefinition declares that output field, when
// the registry and schema are available.
func checkPath(path, ownerStepID string, levelOf map[string]int, spec *workflow.WorkflowSpec, registry TaskLookup) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return nil
	}
	switch parts[0] {
	case "input":
		if len(parts) < 2 {
			return wferrors.Newf(wferrors.KindTemplateUnknownField, "template path %q is missing an input field name", path)
		}
		if _, ok := spec.Input[parts[1]]; !ok {
			return wferrors.Newf(wferrors.KindTemplateUnknownField, "references undeclared input field %q", parts[1])
		}
		return nil
	case "tasks":
		if len(parts) < 3 || parts[2] != "output" {
			return wferrors.Newf(wferrors.KindTemplateUnknownField, "template path %q must be of the form tasks.<id>.output.<field>", path)
		}
		refID := parts[1]
		refLevel, known := levelOf[refID]
		if !known {
			return wferrors.Newf(wferrors.KindTemplateUnknownField, "references unknown step %q", refID)
		}
		ownerLevel, ownerKnown := levelOf[ownerStepID]
		if ownerKnown && refLevel >= ownerLevel {
			return wferrors.Newf(wferrors.KindTemplateBackwardRef, "references step %q which does not complete before %q starts", refID, ownerStepID)
		}
		if registry == nil || len(parts) < 4 {
			return nil
		}
		return checkOutputSchema(refID, parts[3:], spec, registry)
	default:
		// Bare identifiers (forEach itemVars) are validated by the
		// control-flow checks, not here.
		return nil
	}
}

func checkOutputSchema(stepID string, fieldPath []string, spec *workflow.WorkflowSpec, registry TaskLookup) error {
	var taskRef string
	for _, step := range spec.Tasks {
		if step.ID == stepID {
			taskRef = step.TaskRef
			break
		}
	}
	if taskRef == "" {
		return nil // switch step: no single taskRef, so no output schema check
	}
	def, ok := registry.Get(taskRef)
	if !ok || def.OutputSchema == nil || len(def.OutputSchema.Properties) == 0 {
		return nil // no declared schema: nothing to check statically
	}
	if _, ok := def.OutputSchema.Properties[fieldPath[0]]; !ok {
		return wferrors.Newf(wferrors.KindTemplateUnknownField, "task %q's output schema has no field %q", taskRef, fieldPath[0])
	}
	return nil
}

// extractPaths pulls every dotted-path expression out of a template
// string's `{{ }}` segments, ignoring quoted-string and numeric literals
// and operators so condition expressions can be scanned the same way.
func extractPaths(tmpl string) []string {
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
		paths = append(paths, extractPathsFromExpr(expr)...)
	}
}

func extractPathsFromExpr(expr string) []string {
	var paths []string
	var cur strings.Builder
	inString := false
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		tok := cur.String()
		cur.Reset()
		if tok == "true" || tok == "false" || tok == "null" {
			return
		}
		if strings.HasPrefix(tok, "input.") || strings.HasPrefix(tok, "tasks.") {
			paths = append(paths, tok)
		}
	}
	for _, r := range expr {
		switch {
		case r == '"':
			inString = !inString
			flush()
		case inString:
			// inside a string literal, not a path
		case r == ' ' || r == '(' || r == ')' || r == '!' || r == '&' || r == '|' || r == '=' || r == '<' || r == '>':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return paths
}
