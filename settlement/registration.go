/*
registration.go - Payment registration policy

PURPOSE:
  Decides whether an incoming payment is legal for its target, whether it
  settles the target, and persists it with the matching initial status.

REGISTRATION FLOW:
  1. Target validation        empty id -> TargetAmbiguity, nothing read
  2. Snapshot + outstanding   ledger rebuilt from the repository
  3. Already settled          outstanding <= 0 -> AlreadySettled
  4. Overpayment              amount > outstanding -> ExceedsOutstanding
  5. Partial policy           !allowPartial && amount != outstanding
                              (exact) -> PartialPaymentsNotAllowed
  6. Settlement               |outstanding - amount| < 0.0001
  7. Status                   settles ? COMPLETED : PENDING
  8. Persist                  Repository.Create
  9. Ledger append            pre-registration snapshot + new entry
  10. Result

ATOMICITY:
  When the repository implements Transactor, steps 2-8 run inside WithTx so
  two registrations against the same target cannot both pass the
  outstanding check. Without it, correctness under concurrency is the
  storage layer's responsibility.

SEE ALSO:
  - ledger.go: Snapshot and outstanding computation
  - status.go: What may happen to the payment afterwards
*/
package settlement

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Engine registers payments and applies status changes. All collaborators
// are injected; the zero values of the optional ones are no-ops.
type Engine struct {
	Repo      Repository
	IDs       IDGenerator
	Publisher Publisher
	Observer  Observer
	Log       *zap.Logger
	Now       func() time.Time
}

type Option func(*Engine)

func WithLogger(log *zap.Logger) Option { return func(e *Engine) { e.Log = log } }
func WithPublisher(p Publisher) Option { return func(e *Engine) { e.Publisher = p } }
func WithObserver(o Observer) Option { return func(e *Engine) { e.Observer = o } }
func WithIDGenerator(ids IDGenerator) Option { return func(e *Engine) { e.IDs = ids } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.Now = now } }

func NewEngine(repo Repository, opts ...Option) *Engine {
	e := &Engine{
		Repo:      repo,
		Publisher: NopPublisher{},
		Observer:  NopObserver{},
		Log:       zap.NewNop(),
		Now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.Log == nil {
		e.Log = zap.NewNop()
	}
	e.Log = e.Log.Named("settlement")
	return e
}

// =============================================================================
// REGISTRATION
// =============================================================================

// RegisterPayment validates request against the target's ledger and persists
// a new payment. On any policy failure nothing is written.
func (e *Engine) RegisterPayment(ctx context.Context, request RegistrationRequest) (*RegistrationResult, error) {
	start := time.Now()
	result, err := e.register(ctx, request)

	var status PaymentStatus
	if result != nil {
		status = result.Payment.Status
	}
	e.Observer.RecordRegistration(time.Since(start), Outcome(status, err))

	if err != nil {
		e.Log.Info("payment registration rejected",
			zap.String("target", request.Target.String()),
			zap.String("amount", request.Amount.String()),
			zap.Error(err),
		)
		return nil, err
	}

	e.Log.Info("payment registered",
		zap.String("payment_id", string(result.Payment.ID)),
		zap.String("target", request.Target.String()),
		zap.String("amount", result.Payment.Amount.String()),
		zap.String("status", string(result.Payment.Status)),
		zap.Bool("settles_target", result.SettlesTarget),
	)

	e.publish(ctx, e.eventFor(EventPaymentRegistered, result.Payment, ""))
	if result.SettlesTarget {
		e.publish(ctx, e.eventFor(EventPaymentSettled, result.Payment, ""))
	}
	return result, nil
}

func (e *Engine) register(ctx context.Context, request RegistrationRequest) (*RegistrationResult, error) {
	if request.Target.ID == "" || !request.Target.Type.Valid() {
		return nil, TargetAmbiguityError()
	}

	var result *RegistrationResult
	err := e.inTx(ctx, func(repo Repository) error {
		r, err := e.registerWith(ctx, repo, request)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// inTx runs fn atomically when the repository supports it.
func (e *Engine) inTx(ctx context.Context, fn func(Repository) error) error {
	if tx, ok := e.Repo.(Transactor); ok {
		return tx.WithTx(ctx, fn)
	}
	return fn(e.Repo)
}

func (e *Engine) registerWith(ctx context.Context, repo Repository, request RegistrationRequest) (*RegistrationResult, error) {
	ledger, err := NewSnapshotBuilder(repo).Build(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("failed to build ledger snapshot: %w", err)
	}
	outstanding := CalculateOutstanding(ledger)

	if !outstanding.IsPositive() {
		return nil, AlreadySettledError(request.Target.ID)
	}

	amount := request.Amount.Amount
	if amount.GreaterThan(outstanding) {
		return nil, ExceedsOutstandingError(amount, outstanding)
	}

	// Exact comparison: when partial payments are disallowed only the full
	// remaining balance is acceptable.
	if !request.AllowPartialPayments && !amount.Equal(outstanding) {
		return nil, PartialPaymentsNotAllowedError(request.Target.ID)
	}

	settles := DoesPaymentSettleTarget(amount, outstanding)
	status := StatusPending
	if settles {
		status = StatusCompleted
	}

	date := request.OccurredAt
	if date.IsZero() {
		date = e.Now()
	}

	data := NewPayment{
		Amount:         request.Amount,
		Date:           date,
		Status:         status,
		Target:         request.Target,
		IdempotencyKey: request.IdempotencyKey,
	}
	if e.IDs != nil {
		data.ID = e.IDs.NewPaymentID()
	}

	payment, err := repo.Create(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	return &RegistrationResult{
		Payment:       payment,
		Ledger:        ledger.WithEntry(EntryFor(*payment)),
		SettlesTarget: settles,
	}, nil
}

// =============================================================================
// LEDGER QUERY
// =============================================================================

// LedgerView is the current ledger of a target plus its outstanding balance.
type LedgerView struct {
	Snapshot    LedgerSnapshot
	Paid        Money
	Outstanding Money
}

// Ledger returns the current ledger for target without registering anything.
func (e *Engine) Ledger(ctx context.Context, target TargetReference, expectedTotal Money, allowPartial bool) (*LedgerView, error) {
	if target.ID == "" || !target.Type.Valid() {
		return nil, TargetAmbiguityError()
	}
	snapshot, err := NewSnapshotBuilder(e.Repo).Build(ctx, RegistrationRequest{
		Target:               target,
		ExpectedTotal:        expectedTotal,
		AllowPartialPayments: allowPartial,
	})
	if err != nil {
		return nil, err
	}
	return &LedgerView{
		Snapshot:    snapshot,
		Paid:        Money{Amount: PaidAmount(snapshot)},
		Outstanding: Money{Amount: CalculateOutstanding(snapshot)},
	}, nil
}

// Payments lists the payments recorded against target.
func (e *Engine) Payments(ctx context.Context, target TargetReference) ([]Payment, error) {
	if target.ID == "" || !target.Type.Valid() {
		return nil, TargetAmbiguityError()
	}
	return FindByTarget(ctx, e.Repo, target)
}

// =============================================================================
// EVENTS
// =============================================================================

func (e *Engine) publish(ctx context.Context, event Event) {
	if e.Publisher == nil {
		return
	}
	if err := e.Publisher.Publish(ctx, event); err != nil {
		e.Log.Warn("failed to publish payment event",
			zap.String("event", string(event.Type)),
			zap.String("payment_id", string(event.PaymentID)),
			zap.Error(err),
		)
	}
}

func (e *Engine) eventFor(t EventType, p *Payment, previous PaymentStatus) Event {
	return Event{
		Type:           t,
		PaymentID:      p.ID,
		Target:         p.Target,
		Amount:         p.Amount.String(),
		Status:         p.Status,
		PreviousStatus: previous,
		OccurredAt:     e.Now(),
	}
}
