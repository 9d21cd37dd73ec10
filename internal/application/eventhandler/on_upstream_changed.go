// Package eventhandler содержит обработчики доменных событий.
// Обработчики связывают обнаружение изменений в источнике данных
// с инвалидацией вычисленных ведомостей.
package eventhandler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/gradebook/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON UPSTREAM CHANGED HANDLER
// Любое изменение оценок, структуры, записи, капитализаций, решений жюри,
// формул или настроек делает ведомость семестра устаревшей. Ведомость
// не исправляется точечно: она сбрасывается и пересчитывается целиком.
// ═══════════════════════════════════════════════════════════════════════════

// Invalidator сбрасывает вычисленную ведомость семестра.
// Пустой semesterID означает все семестры.
type Invalidator interface {
	Invalidate(ctx context.Context, semesterID string, cause shared.EventType) error
}

// OnUpstreamChangedHandler инвалидирует ведомость по событию изменения данных.
type OnUpstreamChangedHandler struct {
	invalidator Invalidator
	logger      *slog.Logger
	config      UpstreamChangedConfig
}

// UpstreamChangedConfig содержит конфигурацию обработчика.
type UpstreamChangedConfig struct {
	// Timeout - ограничение на одну инвалидацию (Redis может быть медленным).
	Timeout time.Duration
}

// DefaultUpstreamChangedConfig возвращает конфигурацию по умолчанию.
func DefaultUpstreamChangedConfig() UpstreamChangedConfig {
	return UpstreamChangedConfig{
		Timeout: 5 * time.Second,
	}
}

// NewOnUpstreamChangedHandler создаёт новый обработчик.
func NewOnUpstreamChangedHandler(
	invalidator Invalidator,
	logger *slog.Logger,
	config UpstreamChangedConfig,
) *OnUpstreamChangedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnUpstreamChangedHandler{
		invalidator: invalidator,
		logger:      logger.With("handler", "on_upstream_changed"),
		config:      config,
	}
}

// Handle обрабатывает событие. Сигнатура совпадает с shared.EventHandler.
func (h *OnUpstreamChangedHandler) Handle(event shared.Event) error {
	if !event.EventType().IsUpstream() {
		return nil
	}

	semesterID := event.AggregateID()
	if ev, ok := event.(shared.UpstreamChangedEvent); ok {
		semesterID = ev.SemesterID
	}

	ctx := context.Background()
	if h.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.Timeout)
		defer cancel()
	}

	// Локальный сброс выполняется всегда; ошибка означает, что не удалось
	// оповестить другие экземпляры.
	if err := h.invalidator.Invalidate(ctx, semesterID, event.EventType()); err != nil {
		h.logger.Warn("invalidation not propagated",
			"semester_id", semesterID,
			"event_type", event.EventType(),
			"error", err,
		)
		return fmt.Errorf("invalidate %q: %w", semesterID, err)
	}

	scope := semesterID
	if scope == "" {
		scope = "*"
	}
	h.logger.Debug("grade book invalidated",
		"semester_id", scope,
		"event_type", event.EventType(),
	)
	return nil
}

// EventTypes возвращает типы событий, на которые подписывается обработчик.
func (h *OnUpstreamChangedHandler) EventTypes() []shared.EventType {
	return shared.UpstreamEventTypes()
}
