package workflow

import (
	"strconv"
	"strings"

	wferrors "github.com/jordigilh/workflowcore/internal/errors"
)

// ConditionOutcome is the result of evaluating a condition expression
// (spec.md §4.2).
type ConditionOutcome int

const (
	ConditionExecute ConditionOutcome = iota
	ConditionSkip
	ConditionFailure
)

// ConditionResult carries the outcome plus a human-readable reason.
type ConditionResult struct {
	Outcome ConditionOutcome
	Reason  string
}

// EvaluateCondition parses and evaluates a boolean expression against ctx.
// Grammar, high to low precedence: `!`, ordered comparisons, `==`/`!=`,
// `&&`, `||`. Operands are template-resolved before comparison.
func EvaluateCondition(expr string, ctx *ExecutionContext) (ConditionResult, error) {
	p := &condParser{tokens: tokenize(expr), ctx: ctx}
	val, err := p.parseOr()
	if err != nil {
		if wferrors.IsKind(err, wferrors.KindTemplateUnresolved) {
			return ConditionResult{}, wferrors.Wrap(err, wferrors.KindConditionUnresolved, "condition references an unresolved path")
		}
		return ConditionResult{}, err
	}
	if !p.atEnd() {
		return ConditionResult{}, wferrors.NewConditionInvalid(expr, nil)
	}
	b, ok := val.(bool)
	if !ok {
		return ConditionResult{}, wferrors.Newf(wferrors.KindConditionInvalid, "condition %q did not evaluate to a boolean", expr)
	}
	if b {
		return ConditionResult{Outcome: ConditionExecute}, nil
	}
	return ConditionResult{Outcome: ConditionSkip, Reason: "condition evaluated to false"}, nil
}

// --- tokenizer ---

type token struct {
	kind string // "op", "lparen", "rparen", "ident", "string", "number", "bool"
	text string
}

func tokenize(expr string) []token {
	var tokens []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			tokens = append(tokens, token{"lparen", "("})
			i++
		case c == ')':
			tokens = append(tokens, token{"rparen", ")"})
			i++
		case strings.HasPrefix(expr[i:], "&&"):
			tokens = append(tokens, token{"op", "&&"})
			i += 2
		case strings.HasPrefix(expr[i:], "||"):
			tokens = append(tokens, token{"op", "||"})
			i += 2
		case strings.HasPrefix(expr[i:], "=="):
			tokens = append(tokens, token{"op", "=="})
			i += 2
		case strings.HasPrefix(expr[i:], "!="):
			tokens = append(tokens, token{"op", "!="})
			i += 2
		case strings.HasPrefix(expr[i:], "<="):
			tokens = append(tokens, token{"op", "<="})
			i += 2
		case strings.HasPrefix(expr[i:], ">="):
			tokens = append(tokens, token{"op", ">="})
			i += 2
		case c == '<' || c == '>':
			tokens = append(tokens, token{"op", string(c)})
			i++
		case c == '!':
			tokens = append(tokens, token{"op", "!"})
			i++
		case c == '"':
			end := strings.IndexByte(expr[i+1:], '"')
			if end == -1 {
				tokens = append(tokens, token{"string", expr[i+1:]})
				i = len(expr)
				continue
			}
			tokens = append(tokens, token{"string", expr[i+1 : i+1+end]})
			i += end + 2
		case strings.HasPrefix(expr[i:], "{{"):
			closeIdx := strings.Index(expr[i:], "}}")
			if closeIdx == -1 {
				tokens = append(tokens, token{"template", expr[i:]})
				i = len(expr)
				continue
			}
			tokens = append(tokens, token{"template", expr[i : i+closeIdx+2]})
			i += closeIdx + 2
		default:
			j := i
			for j < len(expr) && !strings.ContainsRune(" \t()!&|=<>", rune(expr[j])) {
				j++
			}
			word := expr[i:j]
			if word == "" {
				j = i + 1
				word = expr[i:j]
			}
			tokens = append(tokens, token{"ident", word})
			i = j
		}
	}
	return tokens
}

type condParser struct {
	tokens []token
	pos    int
	ctx    *ExecutionContext
}

func (p *condParser) atEnd() bool { return p.pos >= len(p.tokens) }

func (p *condParser) peek() (token, bool) {
	if p.atEnd() {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *condParser) next() (token, bool) {
	t, ok := p.peek()
	if ok {
		p.pos++
	}
	return t, ok
}

func (p *condParser) parseOr() (interface{}, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != "op" || t.text != "||" {
			return left, nil
		}
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		lb, rb := asBool(left), asBool(right)
		left = lb || rb
	}
}

func (p *condParser) parseAnd() (interface{}, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != "op" || t.text != "&&" {
			return left, nil
		}
		p.next()
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = asBool(left) && asBool(right)
	}
}

func (p *condParser) parseEquality() (interface{}, error) {
	left, err := p.parseRelational()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != "op" || (t.text != "==" && t.text != "!=") {
			return left, nil
		}
		p.next()
		right, err := p.parseRelational()
		if err != nil {
			return nil, err
		}
		eq := valuesEqual(left, right)
		if t.text == "!=" {
			eq = !eq
		}
		left = eq
	}
}

func (p *condParser) parseRelational() (interface{}, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	t, ok := p.peek()
	if !ok || t.kind != "op" || (t.text != "<" && t.text != "<=" && t.text != ">" && t.text != ">=") {
		return left, nil
	}
	p.next()
	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	ln, lok := asNumber(left)
	rn, rok := asNumber(right)
	if !lok || !rok {
		return nil, wferrors.Newf(wferrors.KindConditionInvalid, "ordered comparison requires numeric operands")
	}
	switch t.text {
	case "<":
		return ln < rn, nil
	case "<=":
		return ln <= rn, nil
	case ">":
		return ln > rn, nil
	default:
		return ln >= rn, nil
	}
}

func (p *condParser) parseUnary() (interface{}, error) {
	t, ok := p.peek()
	if ok && t.kind == "op" && t.text == "!" {
		p.next()
		val, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !asBool(val), nil
	}
	return p.parsePrimary()
}

func (p *condParser) parsePrimary() (interface{}, error) {
	t, ok := p.next()
	if !ok {
		return nil, wferrors.New(wferrors.KindConditionInvalid, "unexpected end of expression")
	}
	switch t.kind {
	case "lparen":
		val, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing, ok := p.next()
		if !ok || closing.kind != "rparen" {
			return nil, wferrors.New(wferrors.KindConditionInvalid, "missing closing parenthesis")
		}
		return val, nil
	case "string":
		return t.text, nil
	case "template":
		return ResolveTemplate(t.text, p.ctx)
	case "ident":
		return resolveConditionOperand(t.text, p.ctx)
	default:
		return nil, wferrors.Newf(wferrors.KindConditionInvalid, "unexpected token %q", t.text)
	}
}

// resolveConditionOperand resolves a bare operand: a `{{ }}`-wrapped
// template, a dotted path written without braces (condition operands may
// omit them, per spec.md §4.2 "Operands are template-resolved first"),
// or a literal.
func resolveConditionOperand(text string, ctx *ExecutionContext) (interface{}, error) {
	if strings.HasPrefix(text, "{{") {
		return ResolveTemplate(text, ctx)
	}
	if lit, ok := literalValue(text); ok {
		return lit, nil
	}
	return ResolveTemplate("{{ "+text+" }}", ctx)
}

// --- value coercion (spec.md §4.2) ---

func asBool(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val == "true"
	case float64:
		return val != 0
	default:
		return false
	}
}

func asNumber(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case string:
		n, err := strconv.ParseFloat(val, 64)
		return n, err == nil
	case bool:
		return 0, false
	default:
		return 0, false
	}
}

// normalize coerces a value per the `==`/`!=` rules: string-numeric to
// number, "true"/"false" to boolean, null/absent to null.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if val == "true" {
			return true
		}
		if val == "false" {
			return false
		}
		if n, err := strconv.ParseFloat(val, 64); err == nil {
			return n
		}
		return val
	default:
		return val
	}
}

func valuesEqual(a, b interface{}) bool {
	na, nb := normalize(a), normalize(b)
	if na == nil && nb == nil {
		return true
	}
	return na == nb
}
