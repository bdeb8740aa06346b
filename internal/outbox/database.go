package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Store is the durable event log.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx returns a store bound to the caller's transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Append encodes and stores messages as pending events.
func (s *Store) Append(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	events := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		payload, err := json.Marshal(msg.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", msg.Type, err)
		}
		events = append(events, Event{
			EventID:       uuid.New().String(),
			EventType:     msg.Type,
			Status:        StatusPending,
			CorrelationID: msg.CorrelationID,
			EntityType:    msg.EntityType,
			EntityID:      msg.EntityID,
			Payload:       string(payload),
			ProducedAt:    now,
			NextAttemptAt: now,
		})
	}

	if err := s.db.WithContext(ctx).Create(&events).Error; err != nil {
		return fmt.Errorf("failed to append outbox events: %w", err)
	}
	return nil
}

// ClaimBatch moves up to limit due events to processing and returns them in
// production order. An event claimed by someone else in between is skipped.
func (s *Store) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]Event, error) {
	var candidates []Event
	err := s.db.WithContext(ctx).
		Where("status = ? OR (status = ? AND next_attempt_at <= ?)", StatusPending, StatusFailed, now).
		Order("id ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due events: %w", err)
	}

	claimed := make([]Event, 0, len(candidates))
	for _, evt := range candidates {
		result := s.db.WithContext(ctx).Model(&Event{}).
			Where("id = ? AND status = ?", evt.ID, evt.Status).
			Updates(map[string]interface{}{
				"status":     StatusProcessing,
				"updated_at": now,
			})
		if result.Error != nil {
			return claimed, fmt.Errorf("failed to claim event %d: %w", evt.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			continue
		}
		evt.Status = StatusProcessing
		evt.UpdatedAt = now
		claimed = append(claimed, evt)
	}
	return claimed, nil
}

func (s *Store) MarkProcessed(ctx context.Context, id uint64, now time.Time) error {
	return s.finish(ctx, id, map[string]interface{}{
		"status":       StatusProcessed,
		"processed_at": now,
		"updated_at":   now,
	})
}

// MarkFailed records a handler failure. A dead event is never retried.
func (s *Store) MarkFailed(ctx context.Context, id uint64, cause error, nextAttempt time.Time, dead bool) error {
	status := StatusFailed
	if dead {
		status = StatusDead
	}
	return s.finish(ctx, id, map[string]interface{}{
		"status":          status,
		"attempts":        gorm.Expr("attempts + 1"),
		"last_error":      cause.Error(),
		"next_attempt_at": nextAttempt,
		"updated_at":      time.Now().UTC(),
	})
}

func (s *Store) finish(ctx context.Context, id uint64, updates map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&Event{}).
		Where("id = ? AND status = ?", id, StatusProcessing).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update event %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("event %d is not processing", id)
	}
	return nil
}

// RecoverStale fails events left in processing by a crashed dispatcher so
// the retry policy picks them up again.
func (s *Store) RecoverStale(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&Event{}).
		Where("status = ? AND updated_at < ?", StatusProcessing, before).
		Updates(map[string]interface{}{
			"status":          StatusFailed,
			"last_error":      "abandoned while processing",
			"next_attempt_at": before,
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to recover stale events: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Store) Get(ctx context.Context, id uint64) (*Event, error) {
	var evt Event
	if err := s.db.WithContext(ctx).First(&evt, id).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch event %d: %w", id, err)
	}
	return &evt, nil
}

// ListByEntity returns the events recorded for one entity, oldest first.
func (s *Store) ListByEntity(ctx context.Context, entityType, entityID string) ([]Event, error) {
	var events []Event
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("id ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list events for %s %s: %w", entityType, entityID, err)
	}
	return events, nil
}

// ListByType returns events of one type, oldest first.
func (s *Store) ListByType(ctx context.Context, eventType EventType) ([]Event, error) {
	var events []Event
	if err := s.db.WithContext(ctx).Where("event_type = ?", eventType).Order("id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list %s events: %w", eventType, err)
	}
	return events, nil
}
