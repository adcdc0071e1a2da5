/*
store.go - Persistence port for payment records

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never talks to SQL directly; any implementation of Repository can back it.

KEY INTERFACES:
  Repository: Core payment persistence (create, find, update, delete)
  Transactor: Runs a read-decide-write sequence atomically

CONTRACT:
  - Create persists exactly one target reference (reservation XOR
    subscription). A repeated idempotency key yields
    ErrDuplicateIdempotencyKey.
  - Update returns (nil, nil) when no record was updated. That is "not
    found", distinct from a storage failure. With ExpectedStatus set and a
    stored status that differs, Update returns ErrConcurrentModification.
  - Delete returns true iff a record was removed.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - settlement/store/memory.go: In-memory for testing

SEE ALSO:
  - registration.go: Uses Transactor when available
*/
package settlement

import "context"

// Repository persists payments.
type Repository interface {
	Create(ctx context.Context, data NewPayment) (*Payment, error)

	// FindByID returns (nil, nil) when the payment does not exist.
	FindByID(ctx context.Context, id PaymentID) (*Payment, error)

	// FindByReservationID returns payments ordered by date, then creation.
	FindByReservationID(ctx context.Context, reservationID string) ([]Payment, error)

	// FindBySubscriptionID returns payments ordered by date, then creation.
	FindBySubscriptionID(ctx context.Context, subscriptionID string) ([]Payment, error)

	Update(ctx context.Context, data UpdateStatusInput) (*Payment, error)

	Delete(ctx context.Context, id PaymentID) (bool, error)
}

// Transactor is implemented by repositories that can run fn atomically.
// If fn returns an error the transaction is rolled back.
type Transactor interface {
	WithTx(ctx context.Context, fn func(Repository) error) error
}

// FindByTarget dispatches to the reservation or subscription lookup.
func FindByTarget(ctx context.Context, repo Repository, target TargetReference) ([]Payment, error) {
	switch target.Type {
	case TargetReservation:
		return repo.FindByReservationID(ctx, target.ID)
	case TargetSubscription:
		return repo.FindBySubscriptionID(ctx, target.ID)
	}
	return nil, TargetAmbiguityError()
}
