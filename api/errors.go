package api

import (
	"errors"
	"net/http"

	"github.com/warp/settlement-engine/settlement"
)

// statusForKind maps every domain error kind to an HTTP status. The switch
// is exhaustive over settlement.Kinds; TestStatusForKind_CoversEveryKind
// fails when a kind is added without a mapping.
func statusForKind(kind settlement.Kind) (int, bool) {
	switch kind {
	case settlement.KindTargetAmbiguity:
		return http.StatusBadRequest, true
	case settlement.KindAlreadySettled:
		return http.StatusConflict, true
	case settlement.KindExceedsOutstanding:
		return http.StatusUnprocessableEntity, true
	case settlement.KindPartialPaymentsNotAllowed:
		return http.StatusUnprocessableEntity, true
	case settlement.KindPaymentNotFound:
		return http.StatusNotFound, true
	case settlement.KindUpdateFailed:
		return http.StatusConflict, true
	case settlement.KindDeletionFailed:
		return http.StatusConflict, true
	case settlement.KindMustBeAssociated:
		return http.StatusBadRequest, true
	}
	return 0, false
}

// writeDomainError translates an engine error into an HTTP reply.
func writeDomainError(w http.ResponseWriter, err error, fallback string) {
	var derr *settlement.Error
	if errors.As(err, &derr) {
		if status, ok := statusForKind(derr.Kind); ok {
			writeJSON(w, status, ErrorResponse{
				Error:  derr.Error(),
				Kind:   string(derr.Kind),
				Reason: derr.Reason,
			})
			return
		}
	}
	if errors.Is(err, settlement.ErrDuplicateIdempotencyKey) {
		writeError(w, http.StatusConflict, "Duplicate idempotency key", err)
		return
	}
	if settlement.IsRetryable(err) {
		writeError(w, http.StatusServiceUnavailable, "Concurrent modification, retry", err)
		return
	}
	writeError(w, http.StatusInternalServerError, fallback, err)
}
