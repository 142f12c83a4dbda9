package workflow

import (
	"fmt"
	"strconv"
	"strings"

	wferrors "github.com/jordigilh/workflowcore/internal/errors"
)

// templateOpen/templateClose delimit a `{{ expr }}` segment. The grammar is
// deliberately small (spec.md §1 Non-goals: no general-purpose expression
// language) so this is a hand-written scanner rather than a parser
// generator: it finds balanced `{{ }}` pairs, rejects nesting, and
// evaluates the dotted-path/literal grammar of spec.md §4.1 directly.
const (
	templateOpen  = "{{"
	templateClose = "}}"
)

// ResolveTemplate evaluates a template string against ctx. When the whole
// string is a single `{{ expr }}` expression, the resolved value's native
// type is returned (type-preserving). Otherwise every `{{ expr }}` segment
// is substituted into the surrounding text as a string
// (string-preserving).
func ResolveTemplate(tmpl string, ctx *ExecutionContext) (interface{}, error) {
	segments, err := splitSegments(tmpl)
	if err != nil {
		return nil, err
	}

	if len(segments) == 1 && segments[0].isExpr {
		return resolveExpr(segments[0].raw, ctx)
	}

	var sb strings.Builder
	for _, seg := range segments {
		if !seg.isExpr {
			sb.WriteString(seg.raw)
			continue
		}
		val, err := resolveExpr(seg.raw, ctx)
		if err != nil {
			return nil, err
		}
		sb.WriteString(stringifyValue(val))
	}
	return sb.String(), nil
}

type segment struct {
	raw    string
	isExpr bool
}

// splitSegments scans tmpl into alternating literal-text and expression
// segments, rejecting nested `{{`.
func splitSegments(tmpl string) ([]segment, error) {
	var segments []segment
	rest := tmpl
	for {
		start := strings.Index(rest, templateOpen)
		if start == -1 {
			if rest != "" {
				segments = append(segments, segment{raw: rest})
			}
			break
		}
		if start > 0 {
			segments = append(segments, segment{raw: rest[:start]})
		}
		afterOpen := rest[start+len(templateOpen):]
		if strings.Contains(afterOpen[:firstCloseOrLen(afterOpen)], templateOpen) {
			return nil, wferrors.New(wferrors.KindTemplateUnresolved, "nested templates are not permitted")
		}
		end := strings.Index(afterOpen, templateClose)
		if end == -1 {
			return nil, wferrors.New(wferrors.KindTemplateUnresolved, "unterminated template expression")
		}
		expr := strings.TrimSpace(afterOpen[:end])
		segments = append(segments, segment{raw: expr, isExpr: true})
		rest = afterOpen[end+len(templateClose):]
	}
	if len(segments) == 0 {
		segments = append(segments, segment{raw: ""})
	}
	return segments, nil
}

func firstCloseOrLen(s string) int {
	if idx := strings.Index(s, templateClose); idx != -1 {
		return idx
	}
	return len(s)
}

// resolveExpr evaluates a single trimmed expression body: a literal, a
// dotted `input.` / `tasks.<id>.output.` path, or the current forEach
// item var.
func resolveExpr(expr string, ctx *ExecutionContext) (interface{}, error) {
	if lit, ok := literalValue(expr); ok {
		return lit, nil
	}

	parts := strings.Split(expr, ".")
	switch parts[0] {
	case "input":
		val, ok := lookupPath(ctx.Input, parts[1:])
		if !ok {
			return nil, wferrors.NewTemplateUnresolved(expr)
		}
		return val, nil
	case "tasks":
		return resolveTaskPath(expr, parts, ctx)
	default:
		scope := ctx.CurrentScope()
		if scope != nil && parts[0] == scope.ItemVar {
			if len(parts) == 1 {
				return scope.Item, nil
			}
			obj, ok := asMap(scope.Item)
			if !ok {
				return nil, wferrors.NewTemplateUnresolved(expr)
			}
			val, ok := lookupPath(obj, parts[1:])
			if !ok {
				return nil, wferrors.NewTemplateUnresolved(expr)
			}
			return val, nil
		}
		return nil, wferrors.NewTemplateUnresolved(expr)
	}
}

func resolveTaskPath(expr string, parts []string, ctx *ExecutionContext) (interface{}, error) {
	// tasks.<id>.output.<path...>
	if len(parts) < 3 || parts[2] != "output" {
		return nil, wferrors.NewTemplateUnresolved(expr)
	}
	id := parts[1]
	state, ok := ctx.GetTask(id)
	if !ok || state.Status != StepSucceeded {
		return nil, wferrors.NewTemplateUnresolved(expr)
	}
	val, ok := lookupPath(state.Output, parts[3:])
	if !ok {
		return nil, wferrors.NewTemplateUnresolved(expr)
	}
	return val, nil
}

func lookupPath(root map[string]interface{}, path []string) (interface{}, bool) {
	var cur interface{} = root
	for _, key := range path {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

// literalValue recognizes numeric, boolean, and quoted-string literals.
func literalValue(expr string) (interface{}, bool) {
	switch expr {
	case "true":
		return true, true
	case "false":
		return false, true
	case "null":
		return nil, true
	}
	if len(expr) >= 2 && expr[0] == '"' && expr[len(expr)-1] == '"' {
		return expr[1 : len(expr)-1], true
	}
	if n, err := strconv.ParseFloat(expr, 64); err == nil {
		return n, true
	}
	return nil, false
}

func stringifyValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", val))
	}
}
