/*
Package settlement provides the payment registration and settlement engine.

PURPOSE:
  Decides, for a reservation or a subscription, whether an incoming payment
  is legal given the payments already recorded against it, whether that
  payment settles the obligation, and which status transitions a recorded
  payment may undergo afterwards.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A decimal amount (single currency per target)
  - TargetReference: The reservation or subscription a payment belongs to
  - Payment: A persisted payment record
  - LedgerEntry / LedgerSnapshot: Read-only projection used for balance math
  - RegistrationRequest / RegistrationResult: Engine input and output

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal so ledger arithmetic is exact
  2. Immutability: Amount, date and target never change after creation
  3. Explicit dependencies: Repository and publisher are injected, no globals

USAGE:
  engine := settlement.NewEngine(repo, settlement.WithLogger(log))
  result, err := engine.RegisterPayment(ctx, settlement.RegistrationRequest{
      Target:        settlement.Reservation("res-42"),
      Amount:        settlement.NewMoney(40),
      ExpectedTotal: settlement.NewMoney(100),
  })

SEE ALSO:
  - ledger.go: Snapshot builder and outstanding computation
  - registration.go: Registration policy
  - status.go: Payment status state machine
  - store.go: Repository port
*/
package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Decimal amount, single currency per target
// =============================================================================

type Money struct {
	Amount decimal.Decimal
}

func NewMoney(value float64) Money {
	return Money{Amount: decimal.NewFromFloat(value)}
}

func NewMoneyFromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{Amount: d}, nil
}

func MustParseMoney(s string) Money {
	m, err := NewMoneyFromString(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Add(o Money) Money { return Money{Amount: m.Amount.Add(o.Amount)} }
func (m Money) Sub(o Money) Money { return Money{Amount: m.Amount.Sub(o.Amount)} }
func (m Money) Equal(o Money) bool { return m.Amount.Equal(o.Amount) }
func (m Money) GreaterThan(o Money) bool { return m.Amount.GreaterThan(o.Amount) }
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }
func (m Money) IsPositive() bool { return m.Amount.IsPositive() }
func (m Money) String() string { return m.Amount.String() }

// =============================================================================
// TARGET - What a payment is collected against
// =============================================================================

type TargetType string

const (
	TargetReservation  TargetType = "RESERVATION"
	TargetSubscription TargetType = "SUBSCRIPTION"
)

func (t TargetType) Valid() bool {
	return t == TargetReservation || t == TargetSubscription
}

// TargetReference identifies the reservation or subscription a payment or a
// ledger belongs to. Exactly one target type applies to any payment.
type TargetReference struct {
	Type TargetType
	ID   string
}

func Reservation(id string) TargetReference {
	return TargetReference{Type: TargetReservation, ID: id}
}

func Subscription(id string) TargetReference {
	return TargetReference{Type: TargetSubscription, ID: id}
}

func (t TargetReference) String() string {
	return string(t.Type) + ":" + t.ID
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentID string

type PaymentStatus string

const (
	StatusPending   PaymentStatus = "PENDING"
	StatusCompleted PaymentStatus = "COMPLETED"
	StatusCancelled PaymentStatus = "CANCELLED"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Payment is a persisted payment record. Only Status ever changes, and only
// through the status state machine.
type Payment struct {
	ID             PaymentID
	Amount         Money
	Date           time.Time
	Status         PaymentStatus
	Target         TargetReference
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewPayment is the data handed to Repository.Create.
type NewPayment struct {
	ID             PaymentID
	Amount         Money
	Date           time.Time
	Status         PaymentStatus
	Target         TargetReference
	IdempotencyKey string
}

// =============================================================================
// LEDGER - Read-only projection of a target's payments
// =============================================================================

type LedgerEntry struct {
	PaymentID PaymentID
	Amount    decimal.Decimal
	Status    PaymentStatus
}

// LedgerSnapshot is the ledger state before a new payment is applied.
// It is rebuilt on every registration attempt, never cached.
type LedgerSnapshot struct {
	Target               TargetReference
	Entries              []LedgerEntry
	ExpectedTotal        decimal.Decimal
	AllowPartialPayments bool
}

// WithEntry returns a copy of the snapshot with entry appended.
func (l LedgerSnapshot) WithEntry(entry LedgerEntry) LedgerSnapshot {
	entries := make([]LedgerEntry, 0, len(l.Entries)+1)
	entries = append(entries, l.Entries...)
	l.Entries = append(entries, entry)
	return l
}

// =============================================================================
// REGISTRATION
// =============================================================================

type RegistrationRequest struct {
	Target               TargetReference
	Amount               Money
	ExpectedTotal        Money // total owed for the target, supplied by the caller
	AllowPartialPayments bool
	OccurredAt           time.Time

	// Optional. A repeated key is rejected by the repository.
	IdempotencyKey string
}

type RegistrationResult struct {
	Payment       *Payment
	Ledger        LedgerSnapshot
	SettlesTarget bool
}

// UpdateStatusInput is the data handed to Repository.Update.
type UpdateStatusInput struct {
	PaymentID PaymentID
	Status    PaymentStatus

	// ExpectedStatus, when set, makes the update conditional: the repository
	// returns ErrConcurrentModification if the stored status differs.
	ExpectedStatus PaymentStatus
}
