/*
errors.go - Error taxonomy for the settlement engine

PURPOSE:
  Every domain failure is a *Error carrying a Kind. Callers branch on the
  kind (errors.As + switch) or compare with the sentinel values below
  through errors.Is, which matches on Kind only.

ERROR KINDS:
  TargetAmbiguity            request has no resolvable target id
  AlreadySettled             outstanding balance is already zero
  ExceedsOutstanding         amount is larger than what remains
  PartialPaymentsNotAllowed  partial payment while the policy forbids it
  PaymentNotFound            referenced payment does not exist
  UpdateFailed               illegal transition or repository failure (Reason)
  DeletionFailed             delete did not affect a record
  MustBeAssociated           payment with neither reservation nor subscription

  None of these are retried internally; all are client errors.

SEE ALSO:
  - api/errors.go: Kind -> HTTP status mapping
*/
package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindTargetAmbiguity           Kind = "PAYMENT_TARGET_AMBIGUITY"
	KindAlreadySettled            Kind = "PAYMENT_ALREADY_SETTLED"
	KindExceedsOutstanding        Kind = "PAYMENT_EXCEEDS_OUTSTANDING"
	KindPartialPaymentsNotAllowed Kind = "PARTIAL_PAYMENTS_NOT_ALLOWED"
	KindPaymentNotFound           Kind = "PAYMENT_NOT_FOUND"
	KindUpdateFailed              Kind = "PAYMENT_UPDATE_FAILED"
	KindDeletionFailed            Kind = "PAYMENT_DELETION_FAILED"
	KindMustBeAssociated          Kind = "PAYMENT_MUST_BE_ASSOCIATED"
)

// Kinds lists every error kind, in declaration order.
var Kinds = []Kind{
	KindTargetAmbiguity,
	KindAlreadySettled,
	KindExceedsOutstanding,
	KindPartialPaymentsNotAllowed,
	KindPaymentNotFound,
	KindUpdateFailed,
	KindDeletionFailed,
	KindMustBeAssociated,
}

// Reason codes carried by UpdateFailed errors.
const (
	ReasonCancelledPayment  = "CANCELLED_PAYMENT"
	ReasonInvalidTransition = "INVALID_TRANSITION"
)

// Error is the single domain error type. Only the fields relevant to Kind
// are populated.
type Error struct {
	Kind        Kind
	TargetID    string
	PaymentID   PaymentID
	Amount      decimal.Decimal
	Outstanding decimal.Decimal
	Reason      string
	Message     string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTargetAmbiguity:
		return "payment target is ambiguous: a reservation or subscription id is required"
	case KindAlreadySettled:
		return fmt.Sprintf("target %s is already settled", e.TargetID)
	case KindExceedsOutstanding:
		return fmt.Sprintf("payment amount %s exceeds outstanding balance %s", e.Amount, e.Outstanding)
	case KindPartialPaymentsNotAllowed:
		return fmt.Sprintf("partial payments are not allowed for target %s", e.TargetID)
	case KindPaymentNotFound:
		return fmt.Sprintf("payment %s not found", e.PaymentID)
	case KindUpdateFailed:
		return fmt.Sprintf("payment update failed (%s): %s", e.Reason, e.Message)
	case KindDeletionFailed:
		return fmt.Sprintf("payment %s deletion failed: %s", e.PaymentID, e.Message)
	case KindMustBeAssociated:
		return fmt.Sprintf("payment %s must be associated with a reservation or a subscription", e.PaymentID)
	}
	return string(e.Kind)
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// =============================================================================
// SENTINELS - Use with errors.Is()
// =============================================================================

var (
	ErrTargetAmbiguity           = &Error{Kind: KindTargetAmbiguity}
	ErrAlreadySettled            = &Error{Kind: KindAlreadySettled}
	ErrExceedsOutstanding        = &Error{Kind: KindExceedsOutstanding}
	ErrPartialPaymentsNotAllowed = &Error{Kind: KindPartialPaymentsNotAllowed}
	ErrPaymentNotFound           = &Error{Kind: KindPaymentNotFound}
	ErrUpdateFailed              = &Error{Kind: KindUpdateFailed}
	ErrDeletionFailed            = &Error{Kind: KindDeletionFailed}
	ErrMustBeAssociated          = &Error{Kind: KindMustBeAssociated}
)

// Storage-level failures. These are not domain kinds.
var (
	// ErrDuplicateIdempotencyKey is returned when a payment with the same
	// idempotency key already exists. Expected on client retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned by a conditional status update
	// when the stored status no longer matches the one it expected.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// CONSTRUCTORS
// =============================================================================

func TargetAmbiguityError() *Error {
	return &Error{Kind: KindTargetAmbiguity}
}

func AlreadySettledError(targetID string) *Error {
	return &Error{Kind: KindAlreadySettled, TargetID: targetID}
}

func ExceedsOutstandingError(amount, outstanding decimal.Decimal) *Error {
	return &Error{Kind: KindExceedsOutstanding, Amount: amount, Outstanding: outstanding}
}

func PartialPaymentsNotAllowedError(targetID string) *Error {
	return &Error{Kind: KindPartialPaymentsNotAllowed, TargetID: targetID}
}

func PaymentNotFoundError(id PaymentID) *Error {
	return &Error{Kind: KindPaymentNotFound, PaymentID: id}
}

// UpdateFailedError carries either a transition reason code or, for
// repository failures, the payment id as reason.
func UpdateFailedError(reason, message string) *Error {
	return &Error{Kind: KindUpdateFailed, Reason: reason, Message: message}
}

func DeletionFailedError(id PaymentID, message string) *Error {
	return &Error{Kind: KindDeletionFailed, PaymentID: id, Message: message}
}

func MustBeAssociatedError(id PaymentID) *Error {
	return &Error{Kind: KindMustBeAssociated, PaymentID: id}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf returns the kind of a domain error, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return KindOf(err) != "" || errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing payment.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPaymentNotFound)
}
