// Package gradebook содержит движок расчёта средних и рейтингов семестра.
//
// Семестр устроен как дерево: Модули → Дисциплины (matières) → UE → Семестр.
// GradeBook - корневой агрегат: строится целиком за один проход
// (модули → UE → общая средняя → рейтинги) и после построения не изменяется.
//
// Отсутствующие данные не приводят к панике: вместо чисел используются
// значения-сентинелы NI / NA / ERR, которые просто не участвуют во взвешивании.
package gradebook

import (
	"encoding/json"
	"fmt"
	"math"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE
// ══════════════════════════════════════════════════════════════════════════════

// Kind - тип значения средней.
type Kind uint8

const (
	// KindNI - студент не записан (not inscribed). Нулевое значение Value - NI.
	KindNI Kind = iota
	// KindNumber - обычное числовое значение.
	KindNumber
	// KindNA - записан, но ни одна оценка не участвует; средняя не определена.
	KindNA
	// KindERR - пользовательская формула завершилась ошибкой.
	KindERR
)

// String возвращает метку сентинела.
func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindNI:
		return "NI"
	case KindNA:
		return "NA"
	case KindERR:
		return "ERR"
	default:
		return "UNKNOWN"
	}
}

// Value - средняя: число или сентинел.
type Value struct {
	kind Kind
	num  float64
}

// Сентинелы.
var (
	NI  = Value{kind: KindNI}
	NA  = Value{kind: KindNA}
	ERR = Value{kind: KindERR}
)

// Num создаёт числовое значение. NaN превращается в NA, бесконечность - в ERR.
func Num(f float64) Value {
	switch {
	case math.IsNaN(f):
		return NA
	case math.IsInf(f, 0):
		return ERR
	}
	return Value{kind: KindNumber, num: f}
}

// Kind возвращает тип значения.
func (v Value) Kind() Kind {
	return v.kind
}

// IsNumber возвращает true для числовых значений.
func (v Value) IsNumber() bool {
	return v.kind == KindNumber
}

// Float возвращает число и признак того, что значение числовое.
func (v Value) Float() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// OrNaN возвращает число или NaN (для передачи в формулы).
func (v Value) OrNaN() float64 {
	if v.kind != KindNumber {
		return math.NaN()
	}
	return v.num
}

// String возвращает представление для логов и отчётов: "12.50", "NA", ...
func (v Value) String() string {
	if v.kind == KindNumber {
		return fmt.Sprintf("%.2f", v.num)
	}
	return v.kind.String()
}

// MarshalJSON сериализует число как число, сентинел - как строку.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindNumber {
		return json.Marshal(v.num)
	}
	return json.Marshal(v.kind.String())
}

// UnmarshalJSON - обратная операция к MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*v = Num(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("gradebook: invalid value %s", string(data))
	}
	switch s {
	case "NI":
		*v = NI
	case "NA":
		*v = NA
	case "ERR":
		*v = ERR
	default:
		return fmt.Errorf("gradebook: unknown sentinel %q", s)
	}
	return nil
}

// clamp ограничивает значение диапазоном [lo, hi].
func clamp(f, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, f))
}
