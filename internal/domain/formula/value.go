// Package formula содержит песочницу для формул, которые пишут сами департаменты:
// формула заменяет вычисленную среднюю UE или модуля.
//
// Язык узкий: числа, векторы, арифметика, сравнения, логика
// и фиксированный набор функций. Никакого доступа к атрибутам, рефлексии
// или внешнему состоянию, только переданные переменные (Bindings).
package formula

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE
// ══════════════════════════════════════════════════════════════════════════════

// NA - значение «не определено». Внутри векторов и скаляров хранится как NaN.
var NA = math.NaN()

// IsNA проверяет, что число означает «не определено».
func IsNA(f float64) bool {
	return math.IsNaN(f)
}

// Value - скаляр или вектор.
type Value struct {
	vec      []float64
	scalar   float64
	isVector bool
}

// Scalar создаёт скалярное значение.
func Scalar(f float64) Value {
	return Value{scalar: f}
}

// Vector создаёт вектор (срез копируется).
func Vector(fs []float64) Value {
	cp := make([]float64, len(fs))
	copy(cp, fs)
	return Value{vec: cp, isVector: true}
}

// Bool создаёт скаляр 1/0.
func Bool(b bool) Value {
	if b {
		return Scalar(1)
	}
	return Scalar(0)
}

// IsVector возвращает true для векторов.
func (v Value) IsVector() bool {
	return v.isVector
}

// Float возвращает скаляр (для вектора - ошибка типа).
func (v Value) Float() (float64, error) {
	if v.isVector {
		return 0, fmt.Errorf("expected scalar, got vector of length %d", len(v.vec))
	}
	return v.scalar, nil
}

// Elems возвращает элементы вектора (скаляр - вектор длины 1).
func (v Value) Elems() []float64 {
	if v.isVector {
		return v.vec
	}
	return []float64{v.scalar}
}

// HasNA возвращает true, если значение (или хотя бы один элемент) не определено.
func (v Value) HasNA() bool {
	for _, f := range v.Elems() {
		if IsNA(f) {
			return true
		}
	}
	return false
}

// String возвращает строковое представление для диагностики.
func (v Value) String() string {
	if !v.isVector {
		return formatNumber(v.scalar)
	}
	parts := make([]string, len(v.vec))
	for i, f := range v.vec {
		parts[i] = formatNumber(f)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatNumber(f float64) string {
	if IsNA(f) {
		return "NA"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Bindings - переменные, доступные формуле.
type Bindings map[string]Value

// NANames возвращает отсортированные имена переменных, содержащих NA.
func (b Bindings) NANames() []string {
	names := make([]string, 0)
	for name, v := range b {
		if v.HasNA() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
