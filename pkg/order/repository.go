package order

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"refit/pkg/audit"
	"refit/pkg/orderfsm"
)

var (
	ErrNotFound = errors.New("order not found")
	// ErrDepositReused is returned when a deposit signature is already bound
	// to another order.
	ErrDepositReused = errors.New("deposit already credited to another order")
)

// Expect is the precondition an update is conditioned on. Empty fields do
// not constrain.
type Expect struct {
	Status        []orderfsm.Status
	PaymentStatus []orderfsm.PaymentStatus
	Approved      bool
}

func (e Expect) holds(o *Order) bool {
	if len(e.Status) > 0 && !slices.Contains(e.Status, o.Status) {
		return false
	}
	if len(e.PaymentStatus) > 0 && !slices.Contains(e.PaymentStatus, o.PaymentStatus) {
		return false
	}
	return !e.Approved || o.Approved()
}

// Patch lists the columns an update writes; nil fields are left alone.
type Patch struct {
	Status              *orderfsm.Status
	PaymentStatus       *orderfsm.PaymentStatus
	InspectionCondition *string
	InspectionApproved  *bool
	PaymentTxHash       *string
	PaymentAmount       *decimal.Decimal
	DepositTxSignature  *string
	DepositVerified     *bool
}

func (p Patch) apply(o *Order) {
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.PaymentStatus != nil {
		o.PaymentStatus = *p.PaymentStatus
	}
	if p.InspectionCondition != nil {
		o.InspectionCondition = *p.InspectionCondition
	}
	if p.InspectionApproved != nil {
		v := *p.InspectionApproved
		o.InspectionApproved = &v
	}
	if p.PaymentTxHash != nil {
		o.PaymentTxHash = *p.PaymentTxHash
	}
	if p.PaymentAmount != nil {
		v := *p.PaymentAmount
		o.PaymentAmount = &v
	}
	if p.DepositTxSignature != nil {
		o.DepositTxSignature = *p.DepositTxSignature
	}
	if p.DepositVerified != nil {
		o.DepositVerified = *p.DepositVerified
	}
}

// Repository stores orders and their history. Update applies patch and
// appends entry in one atomic step, and only if expect still holds; it
// reports false when it does not.
type Repository interface {
	Insert(ctx context.Context, o *Order, entry audit.Entry) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, id string, expect Expect, patch Patch, entry *audit.Entry) (bool, error)
}

// MemoryRepository keeps orders in process. It has the same conditional
// semantics as PostgresRepository and is meant for development and tests.
type MemoryRepository struct {
	mu     sync.Mutex
	orders map[string]*Order
	now    func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: map[string]*Order{}, now: time.Now}
}

func (m *MemoryRepository) Insert(_ context.Context, o *Order, entry audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return errors.New("order already exists")
	}
	cp := cloneOrder(o)
	cp.History = append(cp.History[:0:0], entry)
	m.orders[o.ID] = cp
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *MemoryRepository) Update(_ context.Context, id string, expect Expect, patch Patch, entry *audit.Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return false, ErrNotFound
	}
	if !expect.holds(o) {
		return false, nil
	}
	if patch.DepositTxSignature != nil {
		for oid, other := range m.orders {
			if oid != id && other.DepositTxSignature == *patch.DepositTxSignature {
				return false, ErrDepositReused
			}
		}
	}
	patch.apply(o)
	o.UpdatedAt = m.now().UTC()
	if entry != nil {
		o.History = append(o.History, *entry)
	}
	return true, nil
}

func cloneOrder(o *Order) *Order {
	cp := *o
	cp.History = append([]audit.Entry(nil), o.History...)
	if o.InspectionApproved != nil {
		v := *o.InspectionApproved
		cp.InspectionApproved = &v
	}
	if o.PaymentAmount != nil {
		v := *o.PaymentAmount
		cp.PaymentAmount = &v
	}
	return &cp
}
