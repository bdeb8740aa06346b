package outbox

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
)

type EventType string

const (
	EventOrderCreated   EventType = "order.created"
	EventOrderRequested EventType = "order.requested"
	EventOrderCancelled EventType = "order.cancelled"
	EventOrderRejected  EventType = "order.rejected"
	EventOrderModified  EventType = "order.modified"

	EventFundsReserved          EventType = "funds.reserved"
	EventFundsReservationFailed EventType = "funds.reservation_failed"
	EventFundsReleased          EventType = "funds.released"

	EventExecutionReport EventType = "execution.report"

	EventSagaStarted       EventType = "saga.started"
	EventSagaStepCompleted EventType = "saga.step.completed"
	EventSagaStepFailed    EventType = "saga.step.failed"
	EventSagaCompensating  EventType = "saga.compensating"
	EventSagaCompleted     EventType = "saga.completed"
	EventSagaFailed        EventType = "saga.failed"
)

// SagaEventTypes lists every saga lifecycle event.
var SagaEventTypes = []EventType{
	EventSagaStarted,
	EventSagaStepCompleted,
	EventSagaStepFailed,
	EventSagaCompensating,
	EventSagaCompleted,
	EventSagaFailed,
}

func (t EventType) IsSaga() bool {
	return strings.HasPrefix(string(t), "saga.")
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
)

// Event is a durable outbox record written in the same transaction as the
// state change it describes.
type Event struct {
	ID            uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID       string     `gorm:"size:36;uniqueIndex;not null" json:"event_id"`
	EventType     EventType  `gorm:"size:64;not null;index" json:"event_type"`
	Status        Status     `gorm:"size:16;not null" json:"status"`
	Attempts      int        `gorm:"not null" json:"attempts"`
	LastError     string     `gorm:"type:text" json:"last_error,omitempty"`
	CorrelationID string     `gorm:"size:64;index" json:"correlation_id"`
	EntityType    string     `gorm:"size:32" json:"entity_type"`
	EntityID      string     `gorm:"size:64;index" json:"entity_id"`
	Payload       string     `gorm:"type:text;not null" json:"payload"`
	ProducedAt    time.Time  `gorm:"not null" json:"produced_at"`
	NextAttemptAt time.Time  `gorm:"not null" json:"next_attempt_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (Event) TableName() string {
	return "outbox_events"
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal([]byte(e.Payload), v)
}

// Message is what producers hand to the store.
type Message struct {
	Type          EventType
	CorrelationID string
	EntityType    string
	EntityID      string
	Payload       interface{}
}
