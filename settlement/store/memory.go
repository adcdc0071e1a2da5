// Package store provides in-process Repository implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	payments    map[settlement.PaymentID]settlement.Payment
	idempotency map[string]settlement.PaymentID
	seq         int64
	now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		payments:    make(map[settlement.PaymentID]settlement.Payment),
		idempotency: make(map[string]settlement.PaymentID),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

var (
	_ settlement.Repository = (*Memory)(nil)
	_ settlement.Transactor = (*Memory)(nil)
)

func (m *Memory) Create(_ context.Context, data settlement.NewPayment) (*settlement.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(data)
}

func (m *Memory) createLocked(data settlement.NewPayment) (*settlement.Payment, error) {
	if data.Target.ID == "" || !data.Target.Type.Valid() {
		return nil, settlement.MustBeAssociatedError(data.ID)
	}
	if data.IdempotencyKey != "" {
		if _, ok := m.idempotency[data.IdempotencyKey]; ok {
			return nil, settlement.ErrDuplicateIdempotencyKey
		}
	}

	m.seq++
	id := data.ID
	if id == "" {
		id = settlement.PaymentID(fmt.Sprintf("pay-%d", m.seq))
	}
	if _, exists := m.payments[id]; exists {
		return nil, fmt.Errorf("payment %s already exists", id)
	}

	now := m.now()
	p := settlement.Payment{
		ID:             id,
		Amount:         data.Amount,
		Date:           data.Date,
		Status:         data.Status,
		Target:         data.Target,
		IdempotencyKey: data.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.payments[id] = p
	if data.IdempotencyKey != "" {
		m.idempotency[data.IdempotencyKey] = id
	}
	return &p, nil
}

func (m *Memory) FindByID(_ context.Context, id settlement.PaymentID) (*settlement.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(id), nil
}

func (m *Memory) findLocked(id settlement.PaymentID) *settlement.Payment {
	p, ok := m.payments[id]
	if !ok {
		return nil
	}
	return &p
}

func (m *Memory) FindByReservationID(_ context.Context, reservationID string) ([]settlement.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byTargetLocked(settlement.Reservation(reservationID)), nil
}

func (m *Memory) FindBySubscriptionID(_ context.Context, subscriptionID string) ([]settlement.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byTargetLocked(settlement.Subscription(subscriptionID)), nil
}

func (m *Memory) byTargetLocked(target settlement.TargetReference) []settlement.Payment {
	var result []settlement.Payment
	for _, p := range m.payments {
		if p.Target == target {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Date.Equal(result[j].Date) {
			return result[i].Date.Before(result[j].Date)
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt) ||
			(result[i].CreatedAt.Equal(result[j].CreatedAt) && result[i].ID < result[j].ID)
	})
	return result
}

func (m *Memory) Update(_ context.Context, data settlement.UpdateStatusInput) (*settlement.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(data)
}

func (m *Memory) updateLocked(data settlement.UpdateStatusInput) (*settlement.Payment, error) {
	p, ok := m.payments[data.PaymentID]
	if !ok {
		return nil, nil
	}
	if data.ExpectedStatus != "" && p.Status != data.ExpectedStatus {
		return nil, settlement.ErrConcurrentModification
	}
	p.Status = data.Status
	p.UpdatedAt = m.now()
	m.payments[data.PaymentID] = p
	return &p, nil
}

func (m *Memory) Delete(_ context.Context, id settlement.PaymentID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(id), nil
}

func (m *Memory) deleteLocked(id settlement.PaymentID) bool {
	p, ok := m.payments[id]
	if !ok {
		return false
	}
	delete(m.payments, id)
	if p.IdempotencyKey != "" {
		delete(m.idempotency, p.IdempotencyKey)
	}
	return true
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn while holding the write lock. Writes made through the
// view are rolled back if fn returns an error.
func (m *Memory) WithTx(_ context.Context, fn func(settlement.Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	payments    map[settlement.PaymentID]settlement.Payment
	idempotency map[string]settlement.PaymentID
	seq         int64
}

func (m *Memory) snapshot() memorySnapshot {
	payments := make(map[settlement.PaymentID]settlement.Payment, len(m.payments))
	for k, v := range m.payments {
		payments[k] = v
	}
	idempotency := make(map[string]settlement.PaymentID, len(m.idempotency))
	for k, v := range m.idempotency {
		idempotency[k] = v
	}
	return memorySnapshot{payments: payments, idempotency: idempotency, seq: m.seq}
}

func (m *Memory) restore(s memorySnapshot) {
	m.payments = s.payments
	m.idempotency = s.idempotency
	m.seq = s.seq
}

// txView operates on the parent without locking; the parent lock is held
// by WithTx for the view's whole lifetime.
type txView struct {
	parent *Memory
}

func (tv *txView) Create(_ context.Context, data settlement.NewPayment) (*settlement.Payment, error) {
	return tv.parent.createLocked(data)
}

func (tv *txView) FindByID(_ context.Context, id settlement.PaymentID) (*settlement.Payment, error) {
	return tv.parent.findLocked(id), nil
}

func (tv *txView) FindByReservationID(_ context.Context, reservationID string) ([]settlement.Payment, error) {
	return tv.parent.byTargetLocked(settlement.Reservation(reservationID)), nil
}

func (tv *txView) FindBySubscriptionID(_ context.Context, subscriptionID string) ([]settlement.Payment, error) {
	return tv.parent.byTargetLocked(settlement.Subscription(subscriptionID)), nil
}

func (tv *txView) Update(_ context.Context, data settlement.UpdateStatusInput) (*settlement.Payment, error) {
	return tv.parent.updateLocked(data)
}

func (tv *txView) Delete(_ context.Context, id settlement.PaymentID) (bool, error) {
	return tv.parent.deleteLocked(id), nil
}
