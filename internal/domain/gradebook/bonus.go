package gradebook

import (
	"sort"
)

// BonusGrade - пара (оценка, коэффициент) модуля бонусной UE.
type BonusGrade struct {
	Grade       float64
	Coefficient float64
}

// BonusFunc вычисляет бонус, добавляемый к общей средней.
// Вызывается только если у студента есть хотя бы одна оценка бонусной UE.
type BonusFunc func(grades []BonusGrade, s Settings) float64

// Имена встроенных функций бонуса.
const (
	BonusNone            = "none"
	BonusSportPoints     = "sport_points_above_10"
	BonusBestAbove10     = "best_above_10"
	BonusWeightedAbove10 = "weighted_above_10"
)

// bonusRate - доля очков выше порога, добавляемая к средней.
const bonusRate = 0.05

var bonusFunctions = map[string]BonusFunc{
	BonusNone:            bonusNone,
	BonusSportPoints:     bonusSportPoints,
	BonusBestAbove10:     bonusBestAbove10,
	BonusWeightedAbove10: bonusWeightedAbove10,
}

// LookupBonus возвращает встроенную функцию бонуса по имени.
func LookupBonus(name string) (BonusFunc, bool) {
	fn, ok := bonusFunctions[name]
	return fn, ok
}

// BonusFunctions возвращает имена встроенных функций (отсортированы).
func BonusFunctions() []string {
	names := make([]string, 0, len(bonusFunctions))
	for name := range bonusFunctions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func bonusNone([]BonusGrade, Settings) float64 {
	return 0
}

// 5% суммы очков выше середины шкалы.
func bonusSportPoints(grades []BonusGrade, s Settings) float64 {
	mid := midGrade(s)
	var points float64
	for _, g := range grades {
		if g.Grade > mid {
			points += g.Grade - mid
		}
	}
	return points * bonusRate
}

func bonusBestAbove10(grades []BonusGrade, s Settings) float64 {
	mid := midGrade(s)
	best := mid
	for _, g := range grades {
		if g.Grade > best {
			best = g.Grade
		}
	}
	return (best - mid) * bonusRate
}

func bonusWeightedAbove10(grades []BonusGrade, s Settings) float64 {
	var sum, coefs float64
	for _, g := range grades {
		sum += g.Grade * g.Coefficient
		coefs += g.Coefficient
	}
	if coefs <= 0 {
		return 0
	}
	mean := sum / coefs
	mid := midGrade(s)
	if mean <= mid {
		return 0
	}
	return (mean - mid) * bonusRate
}

func midGrade(s Settings) float64 {
	return (s.MinGrade + s.MaxGrade) / 2
}
