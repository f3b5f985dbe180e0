package tools

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Calculator evaluates arithmetic expressions. Expressions are parsed with
// a small recursive-descent grammar rather than handed to an interpreter,
// so there is no way to reach anything beyond arithmetic.
type Calculator struct{}

// NewCalculator returns the calculator tool.
func NewCalculator() *Calculator { return &Calculator{} }

type calculatorArgs struct {
	Expression string `json:"expression"`
}

func (c *Calculator) Name() string { return "calculator" }

func (c *Calculator) Description() string {
	return "Evaluates mathematical expressions. Supports basic arithmetic and common math functions."
}

func (c *Calculator) Parameters() map[string]ParamSpec {
	return map[string]ParamSpec{
		"expression": {
			Type:        "string",
			Required:    true,
			Description: "Mathematical expression to evaluate (e.g. '2 + 2', 'sqrt(16)', 'min(3, 7)')",
		},
	}
}

func (c *Calculator) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	var in calculatorArgs
	if err := decodeArgs(args, &in); err != nil {
		return Failure("calculator: %v", err), nil
	}

	expr := strings.TrimSpace(in.Expression)
	if expr == "" {
		return Failure("expression is required"), nil
	}

	value, err := evalExpression(expr)
	if err != nil {
		return &Result{
			Success:  false,
			Error:    fmt.Sprintf("calculation error: %v", err),
			Metadata: map[string]any{"tool": "calculator"},
		}, nil
	}

	return &Result{
		Success: true,
		Output: map[string]any{
			"expression": expr,
			"result":     value,
		},
		Metadata: map[string]any{"tool": "calculator"},
	}, nil
}

// evalExpression evaluates the grammar
//
//	expr   := term (('+' | '-') term)*
//	term   := unary (('*' | '/') unary)*
//	unary  := '-' unary | atom
//	atom   := number | ident '(' expr (',' expr)* ')' | '(' expr ')'
func evalExpression(input string) (float64, error) {
	p := &exprParser{input: input}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("result is not a finite number")
	}
	return v, nil
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	if p.peek() == '-' {
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	}
	return p.parseAtom()
}

func (p *exprParser) parseAtom() (float64, error) {
	ch := p.peek()

	if ch == '(' {
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("expected closing parenthesis")
		}
		p.pos++
		return v, nil
	}

	if ch >= '0' && ch <= '9' || ch == '.' {
		return p.parseNumber()
	}

	if unicode.IsLetter(rune(ch)) {
		return p.parseCall()
	}

	if ch == 0 {
		return 0, fmt.Errorf("unexpected end of expression")
	}
	return 0, fmt.Errorf("unexpected character %q at position %d", ch, p.pos)
}

func (p *exprParser) parseNumber() (float64, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c >= '0' && c <= '9' || c == '.' {
			p.pos++
			continue
		}
		break
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return v, nil
}

func (p *exprParser) parseCall() (float64, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) && (unicode.IsLetter(rune(p.input[p.pos])) || p.input[p.pos] == '_') {
		p.pos++
	}
	name := strings.ToLower(p.input[start:p.pos])

	// Bare constants.
	switch name {
	case "pi":
		return math.Pi, nil
	case "e":
		return math.E, nil
	}

	if p.peek() != '(' {
		return 0, fmt.Errorf("unknown identifier %q", name)
	}
	p.pos++

	var fnArgs []float64
	if p.peek() != ')' {
		for {
			v, err := p.parseExpr()
			if err != nil {
				return 0, err
			}
			fnArgs = append(fnArgs, v)
			if p.peek() != ',' {
				break
			}
			p.pos++
		}
	}
	if p.peek() != ')' {
		return 0, fmt.Errorf("expected closing parenthesis after %s arguments", name)
	}
	p.pos++

	return applyFunc(name, fnArgs)
}

func applyFunc(name string, args []float64) (float64, error) {
	one := func(fn func(float64) float64) (float64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("%s expects 1 argument, got %d", name, len(args))
		}
		return fn(args[0]), nil
	}
	two := func(fn func(float64, float64) float64) (float64, error) {
		if len(args) != 2 {
			return 0, fmt.Errorf("%s expects 2 arguments, got %d", name, len(args))
		}
		return fn(args[0], args[1]), nil
	}

	switch name {
	case "sqrt":
		if len(args) == 1 && args[0] < 0 {
			return 0, fmt.Errorf("sqrt of negative number")
		}
		return one(math.Sqrt)
	case "abs":
		return one(math.Abs)
	case "round":
		return one(math.Round)
	case "floor":
		return one(math.Floor)
	case "ceil":
		return one(math.Ceil)
	case "log":
		return one(math.Log)
	case "sin":
		return one(math.Sin)
	case "cos":
		return one(math.Cos)
	case "tan":
		return one(math.Tan)
	case "pow":
		return two(math.Pow)
	case "min":
		if len(args) == 0 {
			return 0, fmt.Errorf("min expects at least 1 argument")
		}
		v := args[0]
		for _, a := range args[1:] {
			v = math.Min(v, a)
		}
		return v, nil
	case "max":
		if len(args) == 0 {
			return 0, fmt.Errorf("max expects at least 1 argument")
		}
		v := args[0]
		for _, a := range args[1:] {
			v = math.Max(v, a)
		}
		return v, nil
	default:
		return 0, fmt.Errorf("unknown function %q", name)
	}
}
