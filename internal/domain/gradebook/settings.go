package gradebook

import (
	"fmt"

	"github.com/alem-hub/gradebook/internal/domain/shared"
	"github.com/go-playground/validator/v10"
)

// WeightingMode - способ взвешивания UE в общей средней.
type WeightingMode string

const (
	// WeightModules - вес UE = сумма коэффициентов её модулей (по умолчанию).
	WeightModules WeightingMode = "modules"
	// WeightUEs - вес UE = явный коэффициент UE.
	WeightUEs WeightingMode = "ues"
)

// Settings - настройки расчёта семестра (предпочтения департамента).
// Загружаются один раз на расчёт и передаются явно, без глобального состояния.
type Settings struct {
	WeightingMode WeightingMode `json:"weighting_mode" validate:"required,oneof=modules ues"`

	// BonusFunction - имя функции бонуса (см. BonusFunctions).
	BonusFunction string `json:"bonus_function" validate:"required"`

	// UEThreshold - порог валидации UE для ECTS.
	UEThreshold float64 `json:"ue_threshold" validate:"gte=0"`

	MinGrade float64 `json:"min_grade" validate:"gte=0"`
	MaxGrade float64 `json:"max_grade" validate:"gtfield=MinGrade"`

	// BlockComputation - глобальный запрет расчёта общей средней.
	BlockComputation bool `json:"block_computation"`

	// CapitalizeUnenrolled - подставлять капитализированную UE,
	// даже если студент не записан ни на один её модуль.
	CapitalizeUnenrolled bool `json:"capitalize_unenrolled"`
}

// DefaultSettings возвращает настройки по умолчанию: шкала 0..20, порог 10.
func DefaultSettings() Settings {
	return Settings{
		WeightingMode: WeightModules,
		BonusFunction: BonusNone,
		UEThreshold:   10,
		MinGrade:      0,
		MaxGrade:      20,
	}
}

var validate = validator.New()

// Validate проверяет настройки.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return shared.WrapError("gradebook", "Settings.Validate", shared.ErrValidation, "invalid semester settings", err)
	}
	if _, ok := bonusFunctions[s.BonusFunction]; !ok {
		return shared.NewDomainError("gradebook", "Settings.Validate", shared.ErrValidation,
			fmt.Sprintf("unknown bonus function %q", s.BonusFunction))
	}
	return nil
}
