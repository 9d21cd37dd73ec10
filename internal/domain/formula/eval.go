package formula

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESULT
// ══════════════════════════════════════════════════════════════════════════════

// Result - итог вычисления формулы: число или «NA» (формула говорит: неприменимо).
type Result struct {
	Value float64
	NA    bool
}

// String возвращает строковое представление для диагностики.
func (r Result) String() string {
	if r.NA {
		return "NA"
	}
	return formatNumber(r.Value)
}

// IsActive сообщает, нужно ли вообще вызывать формулу:
// пустые формулы и формулы-комментарии («#...») игнорируются.
func IsActive(src string) bool {
	s := strings.TrimSpace(src)
	return s != "" && !strings.HasPrefix(s, "#")
}

// ══════════════════════════════════════════════════════════════════════════════
// EVALUATOR
// ══════════════════════════════════════════════════════════════════════════════

// Evaluator вычисляет формулы и кеширует разобранные AST.
// Одна и та же формула вызывается для каждого студента, поэтому разбор
// выполняется один раз. Безопасен для конкурентного использования.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]Node
}

// NewEvaluator создаёт Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]Node)}
}

// Compile разбирает формулу (или берёт её из кеша).
func (e *Evaluator) Compile(src string) (Node, error) {
	e.mu.RLock()
	n, ok := e.cache[src]
	e.mu.RUnlock()
	if ok {
		return n, nil
	}

	n, err := Parse(strings.TrimSpace(src))
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[src] = n
	e.mu.Unlock()
	return n, nil
}

// Evaluate вычисляет формулу с заданными переменными.
func (e *Evaluator) Evaluate(src string, b Bindings) (Result, error) {
	n, err := e.Compile(src)
	if err != nil {
		return Result{}, fmt.Errorf("parse: %w", err)
	}
	return Eval(n, b)
}

// Eval вычисляет уже разобранное выражение. Результат обязан быть скаляром.
func Eval(n Node, b Bindings) (Result, error) {
	v, err := eval(n, b)
	if err != nil {
		return Result{}, err
	}
	f, err := v.Float()
	if err != nil {
		return Result{}, fmt.Errorf("formula result: %w", err)
	}
	if IsNA(f) {
		return Result{NA: true}, nil
	}
	if math.IsInf(f, 0) {
		return Result{}, fmt.Errorf("formula result is not finite")
	}
	return Result{Value: f}, nil
}

func eval(n Node, b Bindings) (Value, error) {
	switch x := n.(type) {
	case NumberLit:
		return Scalar(x.Value), nil

	case Ident:
		if x.Name == "NA" {
			return Scalar(NA), nil
		}
		v, ok := b[x.Name]
		if !ok {
			return Value{}, fmt.Errorf("unknown variable %q", x.Name)
		}
		return v, nil

	case VectorLit:
		elems := make([]float64, 0, len(x.Elems))
		for _, el := range x.Elems {
			v, err := eval(el, b)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, v.Elems()...)
		}
		return Vector(elems), nil

	case Unary:
		v, err := eval(x.X, b)
		if err != nil {
			return Value{}, err
		}
		switch x.Op {
		case "-":
			return mapValue(v, func(f float64) float64 { return -f }), nil
		case "not":
			return mapValue(v, func(f float64) float64 {
				if IsNA(f) {
					return NA
				}
				return boolFloat(f == 0)
			}), nil
		}
		return Value{}, fmt.Errorf("unknown unary operator %q", x.Op)

	case Binary:
		return evalBinary(x, b)

	case IndexExpr:
		v, err := eval(x.X, b)
		if err != nil {
			return Value{}, err
		}
		iv, err := eval(x.Index, b)
		if err != nil {
			return Value{}, err
		}
		idx, err := iv.Float()
		if err != nil {
			return Value{}, fmt.Errorf("index: %w", err)
		}
		if IsNA(idx) || idx != math.Trunc(idx) {
			return Value{}, fmt.Errorf("index must be an integer, got %s", formatNumber(idx))
		}
		elems := v.Elems()
		i := int(idx)
		if i < 0 || i >= len(elems) {
			return Value{}, fmt.Errorf("index %d out of range [0, %d)", i, len(elems))
		}
		return Scalar(elems[i]), nil

	case Call:
		return evalCall(x, b)
	}
	return Value{}, fmt.Errorf("unsupported expression %T", n)
}

func evalBinary(x Binary, b Bindings) (Value, error) {
	// and/or вычисляются лениво.
	if x.Op == "and" || x.Op == "or" {
		l, err := evalScalar(x.L, b)
		if err != nil {
			return Value{}, err
		}
		if IsNA(l) {
			return Scalar(NA), nil
		}
		if x.Op == "and" && l == 0 {
			return Scalar(0), nil
		}
		if x.Op == "or" && l != 0 {
			return Scalar(1), nil
		}
		r, err := evalScalar(x.R, b)
		if err != nil {
			return Value{}, err
		}
		if IsNA(r) {
			return Scalar(NA), nil
		}
		return Bool(r != 0), nil
	}

	l, err := eval(x.L, b)
	if err != nil {
		return Value{}, err
	}
	r, err := eval(x.R, b)
	if err != nil {
		return Value{}, err
	}

	var op func(a, c float64) float64
	switch x.Op {
	case "+":
		op = func(a, c float64) float64 { return a + c }
	case "-":
		op = func(a, c float64) float64 { return a - c }
	case "*":
		op = func(a, c float64) float64 { return a * c }
	case "/":
		op = func(a, c float64) float64 {
			if c == 0 {
				return NA
			}
			return a / c
		}
	case "^":
		op = math.Pow
	case "<":
		op = compare(func(a, c float64) bool { return a < c })
	case "<=":
		op = compare(func(a, c float64) bool { return a <= c })
	case ">":
		op = compare(func(a, c float64) bool { return a > c })
	case ">=":
		op = compare(func(a, c float64) bool { return a >= c })
	case "==":
		op = compare(func(a, c float64) bool { return a == c })
	case "!=":
		op = compare(func(a, c float64) bool { return a != c })
	default:
		return Value{}, fmt.Errorf("unknown operator %q", x.Op)
	}
	return broadcast(l, r, op)
}

func compare(pred func(a, c float64) bool) func(a, c float64) float64 {
	return func(a, c float64) float64 {
		if IsNA(a) || IsNA(c) {
			return NA
		}
		return boolFloat(pred(a, c))
	}
}

// broadcast применяет операцию поэлементно; скаляр расширяется до длины вектора.
func broadcast(l, r Value, op func(a, c float64) float64) (Value, error) {
	switch {
	case !l.IsVector() && !r.IsVector():
		return Scalar(op(l.scalar, r.scalar)), nil
	case l.IsVector() && r.IsVector():
		if len(l.vec) != len(r.vec) {
			return Value{}, fmt.Errorf("vector length mismatch: %d vs %d", len(l.vec), len(r.vec))
		}
		out := make([]float64, len(l.vec))
		for i := range l.vec {
			out[i] = op(l.vec[i], r.vec[i])
		}
		return Value{vec: out, isVector: true}, nil
	case l.IsVector():
		out := make([]float64, len(l.vec))
		for i := range l.vec {
			out[i] = op(l.vec[i], r.scalar)
		}
		return Value{vec: out, isVector: true}, nil
	default:
		out := make([]float64, len(r.vec))
		for i := range r.vec {
			out[i] = op(l.scalar, r.vec[i])
		}
		return Value{vec: out, isVector: true}, nil
	}
}

func mapValue(v Value, fn func(float64) float64) Value {
	if !v.IsVector() {
		return Scalar(fn(v.scalar))
	}
	out := make([]float64, len(v.vec))
	for i, f := range v.vec {
		out[i] = fn(f)
	}
	return Value{vec: out, isVector: true}
}

func evalScalar(n Node, b Bindings) (float64, error) {
	v, err := eval(n, b)
	if err != nil {
		return 0, err
	}
	return v.Float()
}

func boolFloat(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
