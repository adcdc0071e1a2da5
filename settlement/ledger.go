/*
ledger.go - Ledger snapshot builder and outstanding balance

PURPOSE:
  Reconstructs the payments already recorded against a target and answers
  "how much is still owed?". Nothing is cached: the snapshot is rebuilt from
  the repository on every registration attempt.

OUTSTANDING BALANCE:
  outstanding = max(expectedTotal - sum(COMPLETED amounts), 0)

  PENDING and CANCELLED entries do not reduce the outstanding balance. A
  pending payment is not guaranteed money.

EXAMPLE:
  expectedTotal 100, entries [60 COMPLETED, 20 PENDING, 10 CANCELLED]
  paid = 60, outstanding = 40

SEE ALSO:
  - registration.go: Consumes the snapshot
*/
package settlement

import (
	"context"

	"github.com/shopspring/decimal"
)

// SettlementTolerance absorbs rounding residue when deciding whether a
// payment closes the target.
var SettlementTolerance = decimal.New(1, -4)

// SnapshotBuilder loads a target's payments and projects them into a ledger.
type SnapshotBuilder struct {
	Repo Repository
}

func NewSnapshotBuilder(repo Repository) *SnapshotBuilder {
	return &SnapshotBuilder{Repo: repo}
}

// Build returns the pre-registration ledger for request.Target. Amounts and
// statuses are copied verbatim; no aggregation happens here.
func (b *SnapshotBuilder) Build(ctx context.Context, request RegistrationRequest) (LedgerSnapshot, error) {
	payments, err := FindByTarget(ctx, b.Repo, request.Target)
	if err != nil {
		return LedgerSnapshot{}, err
	}

	entries := make([]LedgerEntry, 0, len(payments))
	for _, p := range payments {
		entries = append(entries, EntryFor(p))
	}

	return LedgerSnapshot{
		Target:               request.Target,
		Entries:              entries,
		ExpectedTotal:        request.ExpectedTotal.Amount,
		AllowPartialPayments: request.AllowPartialPayments,
	}, nil
}

// EntryFor projects a payment into a ledger entry.
func EntryFor(p Payment) LedgerEntry {
	return LedgerEntry{PaymentID: p.ID, Amount: p.Amount.Amount, Status: p.Status}
}

// PaidAmount sums the COMPLETED entries.
func PaidAmount(ledger LedgerSnapshot) decimal.Decimal {
	paid := decimal.Zero
	for _, e := range ledger.Entries {
		if e.Status == StatusCompleted {
			paid = paid.Add(e.Amount)
		}
	}
	return paid
}

// CalculateOutstanding returns what remains owed, floored at zero.
func CalculateOutstanding(ledger LedgerSnapshot) decimal.Decimal {
	outstanding := ledger.ExpectedTotal.Sub(PaidAmount(ledger))
	if outstanding.IsNegative() {
		return decimal.Zero
	}
	return outstanding
}

// DoesPaymentSettleTarget reports whether amount closes the outstanding
// balance within SettlementTolerance.
func DoesPaymentSettleTarget(amount, outstanding decimal.Decimal) bool {
	return outstanding.Sub(amount).Abs().LessThan(SettlementTolerance)
}
