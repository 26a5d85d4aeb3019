package builtin

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Evaluate computes an arithmetic expression with +, -, *, /, ^, %,
// parentheses, unary minus, and sqrt(). Classic shunting-yard into an RPN
// evaluation.
func Evaluate(expr string) (float64, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0, fmt.Errorf("empty expression")
	}
	rpn, err := toRPN(tokens)
	if err != nil {
		return 0, err
	}
	return evalRPN(rpn)
}

type tokKind int

const (
	tokNum tokKind = iota
	tokOp
	tokLParen
	tokRParen
	tokFunc
)

type token struct {
	kind tokKind
	num  float64
	op   byte   // for tokOp; 'n' is unary minus
	fn   string // for tokFunc
}

func tokenize(expr string) ([]token, error) {
	var out []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(expr) && (expr[j] >= '0' && expr[j] <= '9' || expr[j] == '.') {
				j++
			}
			val, err := strconv.ParseFloat(expr[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", expr[i:j])
			}
			out = append(out, token{kind: tokNum, num: val})
			i = j
		case c == '(':
			out = append(out, token{kind: tokLParen})
			i++
		case c == ')':
			out = append(out, token{kind: tokRParen})
			i++
		case strings.IndexByte("+-*/^%", c) >= 0:
			op := c
			// A minus at the start or after an operator or '(' negates.
			if c == '-' && (len(out) == 0 || out[len(out)-1].kind == tokOp || out[len(out)-1].kind == tokLParen) {
				op = 'n'
			}
			out = append(out, token{kind: tokOp, op: op})
			i++
		case unicode.IsLetter(rune(c)):
			j := i
			for j < len(expr) && unicode.IsLetter(rune(expr[j])) {
				j++
			}
			name := strings.ToLower(expr[i:j])
			if name != "sqrt" {
				return nil, fmt.Errorf("unknown function %q", name)
			}
			out = append(out, token{kind: tokFunc, fn: name})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", string(c))
		}
	}
	return out, nil
}

func precedence(op byte) int {
	switch op {
	case 'n':
		return 4
	case '^':
		return 3
	case '*', '/', '%':
		return 2
	default:
		return 1
	}
}

func rightAssoc(op byte) bool { return op == '^' || op == 'n' }

func toRPN(tokens []token) ([]token, error) {
	var out, stack []token
	for _, t := range tokens {
		switch t.kind {
		case tokNum:
			out = append(out, t)
		case tokFunc, tokLParen:
			stack = append(stack, t)
		case tokOp:
			for len(stack) > 0 {
				top := stack[len(stack)-1]
				if top.kind != tokOp {
					break
				}
				if precedence(top.op) > precedence(t.op) ||
					(precedence(top.op) == precedence(t.op) && !rightAssoc(t.op)) {
					out = append(out, top)
					stack = stack[:len(stack)-1]
					continue
				}
				break
			}
			stack = append(stack, t)
		case tokRParen:
			matched := false
			for len(stack) > 0 {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if top.kind == tokLParen {
					matched = true
					break
				}
				out = append(out, top)
			}
			if !matched {
				return nil, fmt.Errorf("unbalanced parentheses")
			}
			if len(stack) > 0 && stack[len(stack)-1].kind == tokFunc {
				out = append(out, stack[len(stack)-1])
				stack = stack[:len(stack)-1]
			}
		}
	}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.kind == tokLParen {
			return nil, fmt.Errorf("unbalanced parentheses")
		}
		out = append(out, top)
	}
	return out, nil
}

func evalRPN(rpn []token) (float64, error) {
	var stack []float64
	pop := func() (float64, bool) {
		if len(stack) == 0 {
			return 0, false
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, true
	}

	for _, t := range rpn {
		switch t.kind {
		case tokNum:
			stack = append(stack, t.num)
		case tokFunc:
			v, ok := pop()
			if !ok {
				return 0, fmt.Errorf("sqrt needs an argument")
			}
			if v < 0 {
				return 0, fmt.Errorf("sqrt of negative number")
			}
			stack = append(stack, math.Sqrt(v))
		case tokOp:
			if t.op == 'n' {
				v, ok := pop()
				if !ok {
					return 0, fmt.Errorf("malformed expression")
				}
				stack = append(stack, -v)
				continue
			}
			b, okB := pop()
			a, okA := pop()
			if !okA || !okB {
				return 0, fmt.Errorf("malformed expression")
			}
			switch t.op {
			case '+':
				stack = append(stack, a+b)
			case '-':
				stack = append(stack, a-b)
			case '*':
				stack = append(stack, a*b)
			case '/':
				if b == 0 {
					return 0, fmt.Errorf("division by zero")
				}
				stack = append(stack, a/b)
			case '^':
				stack = append(stack, math.Pow(a, b))
			case '%':
				if b == 0 {
					return 0, fmt.Errorf("division by zero")
				}
				stack = append(stack, math.Mod(a, b))
			}
		}
	}
	if len(stack) != 1 {
		return 0, fmt.Errorf("malformed expression")
	}
	return stack[0], nil
}
