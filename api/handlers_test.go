/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Payment registration (success, policy rejections, validation)
- Status updates through the state machine
- Deletion
- Target ledger and payment listing
- Error kind -> HTTP status mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/observability"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/settlement/store"
	"github.com/warp/settlement-engine/store/sqlite"
)

// =============================================================================
// HELPERS
// =============================================================================

type testServer struct {
	router http.Handler
	repo   *store.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	repo := store.NewMemory()
	engine := settlement.NewEngine(repo)
	h := NewHandler(engine, nil, nil)
	return &testServer{router: NewRouter(h, RouterConfig{}), repo: repo}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func registerBody(targetType, id, amount, expected string, allowPartial bool) string {
	return fmt.Sprintf(`{"target":{"type":%q,"id":%q},"amount":%q,"expected_total":%q,"allow_partial_payments":%t}`,
		targetType, id, amount, expected, allowPartial)
}

// =============================================================================
// REGISTRATION
// =============================================================================

func TestRegisterPayment_Settles(t *testing.T) {
	// GIVEN: An empty reservation owing 100
	s := newTestServer(t)

	// WHEN: 100 is registered
	rec := s.do(t, http.MethodPost, "/api/payments", registerBody("RESERVATION", "res-1", "100", "100", false))

	// THEN: 201 with a COMPLETED payment
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[RegistrationResultDTO](t, rec)
	assert.True(t, res.SettlesTarget)
	assert.Equal(t, "COMPLETED", res.Payment.Status)
	assert.Equal(t, "100", res.Payment.Amount)
	assert.Equal(t, TargetDTO{Type: "RESERVATION", ID: "res-1"}, res.Payment.Target)
	assert.Len(t, res.Ledger.Entries, 1)
}

func TestRegisterPayment_NumericAmountsAccepted(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/payments",
		`{"target":{"type":"subscription","id":"sub-1"},"amount":25.5,"expected_total":100,"allow_partial_payments":true}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[RegistrationResultDTO](t, rec)
	assert.Equal(t, "PENDING", res.Payment.Status)
	assert.Equal(t, "25.5", res.Payment.Amount)
	assert.Equal(t, "SUBSCRIPTION", res.Payment.Target.Type)
}

func TestRegisterPayment_PolicyRejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		kind   settlement.Kind
	}{
		{"overpayment", registerBody("RESERVATION", "res-1", "150", "100", true),
			http.StatusUnprocessableEntity, settlement.KindExceedsOutstanding},
		{"partial not allowed", registerBody("RESERVATION", "res-1", "50", "100", false),
			http.StatusUnprocessableEntity, settlement.KindPartialPaymentsNotAllowed},
		{"missing target id", registerBody("RESERVATION", "", "50", "100", true),
			http.StatusBadRequest, settlement.KindTargetAmbiguity},
		{"unknown target type", registerBody("INVOICE", "inv-1", "50", "100", true),
			http.StatusBadRequest, settlement.KindTargetAmbiguity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)

			rec := s.do(t, http.MethodPost, "/api/payments", tt.body)

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, string(tt.kind), decode[ErrorResponse](t, rec).Kind)
		})
	}
}

func TestRegisterPayment_AlreadySettledConflicts(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/payments", registerBody("RESERVATION", "res-1", "100", "100", false))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/payments", registerBody("RESERVATION", "res-1", "1", "100", true))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(settlement.KindAlreadySettled), decode[ErrorResponse](t, rec).Kind)
}

func TestRegisterPayment_DuplicateIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	body := `{"target":{"type":"RESERVATION","id":"res-1"},"amount":"10","expected_total":"100","allow_partial_payments":true,"idempotency_key":"k-1"}`

	rec := s.do(t, http.MethodPost, "/api/payments", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/payments", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRegisterPayment_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"negative amount", registerBody("RESERVATION", "res-1", "-5", "100", true)},
		{"negative expected total", registerBody("RESERVATION", "res-1", "5", "-100", true)},
		{"bad occurred_at", `{"target":{"type":"RESERVATION","id":"r"},"amount":"5","expected_total":"10","occurred_at":"yesterday"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			rec := s.do(t, http.MethodPost, "/api/payments", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	// GIVEN: Bodies well past the request size cap
	s := newTestServer(t)
	p := registerPending(t, s)
	huge := strings.Repeat("x", 2<<20)

	// WHEN: They are posted to the endpoints that read a body
	register := s.do(t, http.MethodPost, "/api/payments",
		`{"target":{"type":"RESERVATION","id":"res-2"},"amount":"10","expected_total":"100","idempotency_key":"`+huge+`"}`)
	status := s.do(t, http.MethodPatch, "/api/payments/"+p.ID+"/status", `{"status":"`+huge+`"}`)

	// THEN: 413, and nothing was registered for the target
	assert.Equal(t, http.StatusRequestEntityTooLarge, register.Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, status.Code)
	got, err := s.repo.FindByReservationID(context.Background(), "res-2")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRegisterPayment_OccurredAt(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/payments",
		`{"target":{"type":"RESERVATION","id":"r"},"amount":"5","expected_total":"10","allow_partial_payments":true,"occurred_at":"2026-03-01T10:00:00Z"}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "2026-03-01T10:00:00Z", decode[RegistrationResultDTO](t, rec).Payment.Date)
}

// =============================================================================
// STATUS / DELETE / GET
// =============================================================================

func registerPending(t *testing.T, s *testServer) PaymentDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/payments", registerBody("RESERVATION", "res-1", "40", "100", true))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[RegistrationResultDTO](t, rec).Payment
}

func TestUpdatePaymentStatus(t *testing.T) {
	s := newTestServer(t)
	p := registerPending(t, s)

	rec := s.do(t, http.MethodPatch, "/api/payments/"+p.ID+"/status", `{"status":"completed"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "COMPLETED", decode[PaymentDTO](t, rec).Status)
}

func TestUpdatePaymentStatus_FromCancelled(t *testing.T) {
	s := newTestServer(t)
	p := registerPending(t, s)
	rec := s.do(t, http.MethodPatch, "/api/payments/"+p.ID+"/status", `{"status":"CANCELLED"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPatch, "/api/payments/"+p.ID+"/status", `{"status":"PENDING"}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, string(settlement.KindUpdateFailed), resp.Kind)
	assert.Equal(t, settlement.ReasonCancelledPayment, resp.Reason)
}

func TestUpdatePaymentStatus_InvalidInput(t *testing.T) {
	s := newTestServer(t)
	p := registerPending(t, s)

	rec := s.do(t, http.MethodPatch, "/api/payments/"+p.ID+"/status", `{"status":"REFUNDED"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPatch, "/api/payments/missing/status", `{"status":"COMPLETED"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeletePayment(t *testing.T) {
	s := newTestServer(t)
	p := registerPending(t, s)

	rec := s.do(t, http.MethodDelete, "/api/payments/"+p.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/payments/"+p.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/payments/"+p.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetPayment(t *testing.T) {
	s := newTestServer(t)
	p := registerPending(t, s)

	rec := s.do(t, http.MethodGet, "/api/payments/"+p.ID, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, p.ID, decode[PaymentDTO](t, rec).ID)
}

// =============================================================================
// TARGETS
// =============================================================================

func TestGetLedger(t *testing.T) {
	// GIVEN: 40 completed and 20 pending against a reservation
	s := newTestServer(t)
	p := registerPending(t, s)
	rec := s.do(t, http.MethodPatch, "/api/payments/"+p.ID+"/status", `{"status":"COMPLETED"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/payments", registerBody("RESERVATION", "res-1", "20", "100", true))
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN: The ledger is requested
	rec = s.do(t, http.MethodGet, "/api/targets/reservations/res-1/ledger?expected_total=100&allow_partial=true", nil)

	// THEN: Only the completed payment counts
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ledger := decode[LedgerDTO](t, rec)
	assert.Len(t, ledger.Entries, 2)
	assert.Equal(t, "40", ledger.Paid)
	assert.Equal(t, "60", ledger.Outstanding)
	assert.True(t, ledger.AllowPartialPayments)
}

func TestGetLedger_RequiresExpectedTotal(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/targets/reservations/res-1/ledger", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTargetPayments(t *testing.T) {
	s := newTestServer(t)
	registerPending(t, s)
	rec := s.do(t, http.MethodPost, "/api/payments", registerBody("SUBSCRIPTION", "res-1", "5", "10", true))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/targets/reservation/res-1/payments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]PaymentDTO](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/api/targets/invoices/res-1/payments", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// HEALTH / METRICS
// =============================================================================

func TestHealthz_WithSQLite(t *testing.T) {
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := NewHandler(settlement.NewEngine(db), db, nil)
	router := NewRouter(h, RouterConfig{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewMetrics("settlement", reg)
	require.NoError(t, err)

	engine := settlement.NewEngine(store.NewMemory(), settlement.WithObserver(metrics))
	router := NewRouter(NewHandler(engine, nil, nil), RouterConfig{Gatherer: reg})

	body := registerBody("RESERVATION", "res-1", "100", "100", false)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/payments", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `settlement_registrations_total{outcome="COMPLETED"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	engine := settlement.NewEngine(store.NewMemory())
	router := NewRouter(NewHandler(engine, nil, nil), RouterConfig{AllowedOrigins: []string{"http://localhost:5173"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/payments", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusForKind_CoversEveryKind(t *testing.T) {
	for _, kind := range settlement.Kinds {
		status, ok := statusForKind(kind)
		assert.True(t, ok, "kind %s has no HTTP status", kind)
		assert.GreaterOrEqual(t, status, 400, "kind %s", kind)
		assert.Less(t, status, 500, "kind %s", kind)
	}
}

func TestWriteDomainError_Fallbacks(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("tx: %w", settlement.ErrConcurrentModification), http.StatusServiceUnavailable},
		{fmt.Errorf("create: %w", settlement.ErrDuplicateIdempotencyKey), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", settlement.PaymentNotFoundError("p")), http.StatusNotFound},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeDomainError(rec, tt.err, "failed")
		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
	}
}
