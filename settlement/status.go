/*
status.go - Payment status state machine

STATES:
  PENDING ──▶ COMPLETED ──▶ CANCELLED
     │                          ▲
     └──────────────────────────┘

  CANCELLED is terminal: every attempted transition out of it fails, even
  CANCELLED -> CANCELLED. Any other self-transition is a no-op success.

  Status changes are independent of registration: an operator may complete
  or cancel a payment directly.

SEE ALSO:
  - registration.go: Decides the initial status
*/
package settlement

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

var transitions = map[PaymentStatus][]PaymentStatus{
	StatusPending:   {StatusCompleted, StatusCancelled},
	StatusCompleted: {StatusCancelled},
	StatusCancelled: {},
}

// AllowedTransitions returns the statuses reachable from current.
func AllowedTransitions(current PaymentStatus) []PaymentStatus {
	allowed := transitions[current]
	out := make([]PaymentStatus, len(allowed))
	copy(out, allowed)
	return out
}

// CanTransition reports whether current may move to next. It does not
// special-case CANCELLED self-transitions; ValidateTransition does.
func CanTransition(current, next PaymentStatus) bool {
	if current == next {
		return true
	}
	for _, s := range transitions[current] {
		if s == next {
			return true
		}
	}
	return false
}

// ValidateTransition checks current -> next. Cancellation is checked before
// the table so that it is unconditionally final.
func ValidateTransition(current, next PaymentStatus) error {
	if current == StatusCancelled {
		return UpdateFailedError(ReasonCancelledPayment, "Cannot transition from cancelled state")
	}
	if !CanTransition(current, next) {
		return UpdateFailedError(ReasonInvalidTransition,
			fmt.Sprintf("Cannot transition payment from %s to %s", current, next))
	}
	return nil
}

// =============================================================================
// STATUS UPDATE / DELETE
// =============================================================================

// UpdatePaymentStatus moves a payment to data.Status if the state machine
// allows it. Load, validation and write run in one transaction when the
// repository supports it, and the write is conditional on the status that
// was validated. A status changed concurrently in between surfaces as
// ErrConcurrentModification.
func (e *Engine) UpdatePaymentStatus(ctx context.Context, data UpdateStatusInput) (*Payment, error) {
	var (
		previous PaymentStatus
		updated  *Payment
	)
	err := e.inTx(ctx, func(repo Repository) error {
		var err error
		previous, updated, err = e.updateStatusWith(ctx, repo, data)
		return err
	})
	if err != nil {
		if previous != "" {
			e.Observer.RecordTransition(previous, data.Status, err)
			e.Log.Info("payment status transition rejected",
				zap.String("payment_id", string(data.PaymentID)),
				zap.String("from", string(previous)),
				zap.String("to", string(data.Status)),
				zap.Error(err),
			)
		}
		return nil, err
	}
	e.Observer.RecordTransition(previous, updated.Status, nil)

	if previous != updated.Status {
		e.Log.Info("payment status changed",
			zap.String("payment_id", string(updated.ID)),
			zap.String("from", string(previous)),
			zap.String("to", string(updated.Status)),
		)
		e.publish(ctx, e.eventFor(EventPaymentStatusChanged, updated, previous))
	}
	return updated, nil
}

// updateStatusWith returns the status the payment had when it was loaded
// ("" if it could not be loaded) and the updated payment.
func (e *Engine) updateStatusWith(ctx context.Context, repo Repository, data UpdateStatusInput) (PaymentStatus, *Payment, error) {
	payment, err := repo.FindByID(ctx, data.PaymentID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load payment: %w", err)
	}
	if payment == nil {
		return "", nil, PaymentNotFoundError(data.PaymentID)
	}

	previous := payment.Status
	if err := ValidateTransition(previous, data.Status); err != nil {
		return previous, nil, err
	}

	data.ExpectedStatus = previous
	updated, err := repo.Update(ctx, data)
	if err != nil {
		return previous, nil, fmt.Errorf("failed to update payment: %w", err)
	}
	if updated == nil {
		return previous, nil, UpdateFailedError(string(data.PaymentID), "Repository returned null")
	}
	return previous, updated, nil
}

// DeletePayment removes a payment after confirming it exists. Whether the
// caller may delete it is decided outside the engine.
func (e *Engine) DeletePayment(ctx context.Context, id PaymentID) error {
	payment, err := e.Repo.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load payment: %w", err)
	}
	if payment == nil {
		return PaymentNotFoundError(id)
	}

	deleted, err := e.Repo.Delete(ctx, id)
	if err != nil {
		e.Observer.RecordDeletion(err)
		return fmt.Errorf("failed to delete payment: %w", err)
	}
	if !deleted {
		err := DeletionFailedError(id, "Repository returned false")
		e.Observer.RecordDeletion(err)
		return err
	}
	e.Observer.RecordDeletion(nil)

	e.Log.Info("payment deleted", zap.String("payment_id", string(id)))
	e.publish(ctx, e.eventFor(EventPaymentDeleted, payment, ""))
	return nil
}

// GetPayment returns a payment by id.
func (e *Engine) GetPayment(ctx context.Context, id PaymentID) (*Payment, error) {
	payment, err := e.Repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	if payment == nil {
		return nil, PaymentNotFoundError(id)
	}
	return payment, nil
}
