package settlement

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// =============================================================================
// EVENTS - Emitted after a successful mutation
// =============================================================================

type EventType string

const (
	EventPaymentRegistered    EventType = "payment.registered"
	EventPaymentSettled       EventType = "payment.settled"
	EventPaymentStatusChanged EventType = "payment.status_changed"
	EventPaymentDeleted       EventType = "payment.deleted"
)

type Event struct {
	Type           EventType
	PaymentID      PaymentID
	Target         TargetReference
	Amount         string
	Status         PaymentStatus
	PreviousStatus PaymentStatus
	OccurredAt     time.Time
}

// Publisher delivers events. Failures are logged by the engine, never
// returned to the caller: the mutation has already been committed.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// =============================================================================
// OBSERVER - Telemetry hooks
// =============================================================================

// Observer captures telemetry for engine operations. outcome is the error
// kind on failure, or the created payment's status on success.
type Observer interface {
	RecordRegistration(duration time.Duration, outcome string)
	RecordTransition(from, to PaymentStatus, err error)
	RecordDeletion(err error)
}

type NopObserver struct{}

func (NopObserver) RecordRegistration(time.Duration, string) {}
func (NopObserver) RecordTransition(PaymentStatus, PaymentStatus, error) {}
func (NopObserver) RecordDeletion(error) {}

// Outcome labels a result for an Observer.
func Outcome(status PaymentStatus, err error) string {
	if err == nil {
		return string(status)
	}
	if kind := KindOf(err); kind != "" {
		return string(kind)
	}
	return "INTERNAL"
}

// =============================================================================
// IDS
// =============================================================================

type IDGenerator interface {
	NewPaymentID() PaymentID
}

// SnowflakeIDs generates time-ordered payment ids.
type SnowflakeIDs struct {
	Node *snowflake.Node
}

func NewSnowflakeIDs(nodeID int64) (*SnowflakeIDs, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, err
	}
	return &SnowflakeIDs{Node: node}, nil
}

func (s *SnowflakeIDs) NewPaymentID() PaymentID {
	return PaymentID(s.Node.Generate().String())
}
