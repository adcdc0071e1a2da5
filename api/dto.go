/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts travel as decimal strings ("33.34") so clients never lose
  precision. Plain JSON numbers are accepted on input as well.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type TargetDTO struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// RegisterPaymentRequest is the request to register a payment.
type RegisterPaymentRequest struct {
	Target               TargetDTO       `json:"target"`
	Amount               decimal.Decimal `json:"amount"`
	ExpectedTotal        decimal.Decimal `json:"expected_total"`
	AllowPartialPayments bool            `json:"allow_partial_payments"`
	OccurredAt           string          `json:"occurred_at,omitempty"` // RFC3339, defaults to now
	IdempotencyKey       string          `json:"idempotency_key,omitempty"`
}

// UpdateStatusRequest is the request to change a payment's status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type PaymentDTO struct {
	ID        string    `json:"id"`
	Amount    string    `json:"amount"`
	Date      string    `json:"date"`
	Status    string    `json:"status"`
	Target    TargetDTO `json:"target"`
	CreatedAt string    `json:"created_at,omitempty"`
	UpdatedAt string    `json:"updated_at,omitempty"`
}

type LedgerEntryDTO struct {
	PaymentID string `json:"payment_id"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
}

type LedgerDTO struct {
	Target               TargetDTO        `json:"target"`
	Entries              []LedgerEntryDTO `json:"entries"`
	ExpectedTotal        string           `json:"expected_total"`
	AllowPartialPayments bool             `json:"allow_partial_payments"`
	Paid                 string           `json:"paid,omitempty"`
	Outstanding          string           `json:"outstanding,omitempty"`
}

type RegistrationResultDTO struct {
	Payment       PaymentDTO `json:"payment"`
	Ledger        LedgerDTO  `json:"ledger"`
	SettlesTarget bool       `json:"settles_target"`
}

// ErrorResponse is the body of every error reply. Kind is set for domain
// errors so clients can branch without parsing messages.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toTargetDTO(t settlement.TargetReference) TargetDTO {
	return TargetDTO{Type: string(t.Type), ID: t.ID}
}

func toPaymentDTO(p *settlement.Payment) PaymentDTO {
	dto := PaymentDTO{
		ID:     string(p.ID),
		Amount: p.Amount.String(),
		Date:   p.Date.UTC().Format(time.RFC3339),
		Status: string(p.Status),
		Target: toTargetDTO(p.Target),
	}
	if !p.CreatedAt.IsZero() {
		dto.CreatedAt = p.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !p.UpdatedAt.IsZero() {
		dto.UpdatedAt = p.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

func toPaymentDTOs(payments []settlement.Payment) []PaymentDTO {
	dtos := make([]PaymentDTO, len(payments))
	for i := range payments {
		dtos[i] = toPaymentDTO(&payments[i])
	}
	return dtos
}

func toLedgerDTO(l settlement.LedgerSnapshot) LedgerDTO {
	entries := make([]LedgerEntryDTO, len(l.Entries))
	for i, e := range l.Entries {
		entries[i] = LedgerEntryDTO{
			PaymentID: string(e.PaymentID),
			Amount:    e.Amount.String(),
			Status:    string(e.Status),
		}
	}
	return LedgerDTO{
		Target:               toTargetDTO(l.Target),
		Entries:              entries,
		ExpectedTotal:        l.ExpectedTotal.String(),
		AllowPartialPayments: l.AllowPartialPayments,
	}
}
