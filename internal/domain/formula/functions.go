package formula

import (
	"fmt"
	"math"
)

// builtin - функция из белого списка. Получает уже вычисленные аргументы.
type builtin struct {
	minArgs, maxArgs int // maxArgs < 0 - без ограничения
	fn               func(args []Value) (Value, error)
}

// builtins - полный список функций, доступных формулам. Ничего другого вызвать нельзя.
var builtins = map[string]builtin{
	"min":   {1, -1, fnMin},
	"max":   {1, -1, fnMax},
	"sum":   {1, -1, fnSum},
	"mean":  {1, -1, fnMean},
	"count": {1, -1, fnCount},
	"len":   {1, 1, fnLen},
	"dot":   {2, 2, fnDot},
	"abs":   {1, 1, elementwise(math.Abs)},
	"floor": {1, 1, elementwise(math.Floor)},
	"ceil":  {1, 1, elementwise(math.Ceil)},
	"sqrt":  {1, 1, fnSqrt},
	"round": {1, 2, fnRound},
	"isna": {1, 1, func(args []Value) (Value, error) {
		return mapValue(args[0], func(f float64) float64 { return boolFloat(IsNA(f)) }), nil
	}},
}

// Functions возвращает имена доступных функций (для диагностики и документации).
func Functions() []string {
	names := make([]string, 0, len(builtins)+1)
	for name := range builtins {
		names = append(names, name)
	}
	names = append(names, "if")
	return names
}

func evalCall(c Call, b Bindings) (Value, error) {
	// if(cond, a, b) вычисляет только нужную ветку.
	if c.Func == "if" {
		if len(c.Args) != 3 {
			return Value{}, fmt.Errorf("if() expects 3 arguments, got %d", len(c.Args))
		}
		cond, err := evalScalar(c.Args[0], b)
		if err != nil {
			return Value{}, fmt.Errorf("if(): %w", err)
		}
		if IsNA(cond) {
			return Scalar(NA), nil
		}
		if cond != 0 {
			return eval(c.Args[1], b)
		}
		return eval(c.Args[2], b)
	}

	fn, ok := builtins[c.Func]
	if !ok {
		return Value{}, fmt.Errorf("unknown function %q", c.Func)
	}
	if len(c.Args) < fn.minArgs || (fn.maxArgs >= 0 && len(c.Args) > fn.maxArgs) {
		return Value{}, fmt.Errorf("%s(): wrong number of arguments: %d", c.Func, len(c.Args))
	}

	args := make([]Value, len(c.Args))
	for i, a := range c.Args {
		v, err := eval(a, b)
		if err != nil {
			return Value{}, err
		}
		args[i] = v
	}
	v, err := fn.fn(args)
	if err != nil {
		return Value{}, fmt.Errorf("%s(): %w", c.Func, err)
	}
	return v, nil
}

// defined возвращает все определённые (не NA) элементы всех аргументов.
func defined(args []Value) []float64 {
	out := make([]float64, 0)
	for _, a := range args {
		for _, f := range a.Elems() {
			if !IsNA(f) {
				out = append(out, f)
			}
		}
	}
	return out
}

func fnMin(args []Value) (Value, error) {
	vals := defined(args)
	if len(vals) == 0 {
		return Scalar(NA), nil
	}
	m := vals[0]
	for _, f := range vals[1:] {
		m = math.Min(m, f)
	}
	return Scalar(m), nil
}

func fnMax(args []Value) (Value, error) {
	vals := defined(args)
	if len(vals) == 0 {
		return Scalar(NA), nil
	}
	m := vals[0]
	for _, f := range vals[1:] {
		m = math.Max(m, f)
	}
	return Scalar(m), nil
}

func fnSum(args []Value) (Value, error) {
	var s float64
	for _, f := range defined(args) {
		s += f
	}
	return Scalar(s), nil
}

func fnMean(args []Value) (Value, error) {
	vals := defined(args)
	if len(vals) == 0 {
		return Scalar(NA), nil
	}
	var s float64
	for _, f := range vals {
		s += f
	}
	return Scalar(s / float64(len(vals))), nil
}

func fnCount(args []Value) (Value, error) {
	return Scalar(float64(len(defined(args)))), nil
}

func fnLen(args []Value) (Value, error) {
	return Scalar(float64(len(args[0].Elems()))), nil
}

// fnDot - скалярное произведение; пары с NA пропускаются.
func fnDot(args []Value) (Value, error) {
	a, c := args[0].Elems(), args[1].Elems()
	if len(a) != len(c) {
		return Value{}, fmt.Errorf("vector length mismatch: %d vs %d", len(a), len(c))
	}
	var s float64
	for i := range a {
		if IsNA(a[i]) || IsNA(c[i]) {
			continue
		}
		s += a[i] * c[i]
	}
	return Scalar(s), nil
}

func fnSqrt(args []Value) (Value, error) {
	for _, f := range args[0].Elems() {
		if f < 0 {
			return Value{}, fmt.Errorf("negative argument %s", formatNumber(f))
		}
	}
	return mapValue(args[0], math.Sqrt), nil
}

func fnRound(args []Value) (Value, error) {
	digits := 0.0
	if len(args) == 2 {
		d, err := args[1].Float()
		if err != nil {
			return Value{}, err
		}
		if IsNA(d) || d < 0 || d > 10 || d != math.Trunc(d) {
			return Value{}, fmt.Errorf("digits must be an integer in [0, 10]")
		}
		digits = d
	}
	scale := math.Pow(10, digits)
	return mapValue(args[0], func(f float64) float64 {
		return math.Round(f*scale) / scale
	}), nil
}

func elementwise(fn func(float64) float64) func(args []Value) (Value, error) {
	return func(args []Value) (Value, error) {
		return mapValue(args[0], fn), nil
	}
}
