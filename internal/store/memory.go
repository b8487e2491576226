package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/kitabu/kitabu-gobackend/internal/models"
)

// MemoryStore keeps everything in process. It backs DB_DRIVER=memory and
// the service tests.
type MemoryStore struct {
	mu         sync.Mutex
	txns       map[string]*models.Transaction
	byCheckout map[string]string
	byMerchant map[string]string
	users      map[string]*models.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns:       make(map[string]*models.Transaction),
		byCheckout: make(map[string]string),
		byMerchant: make(map[string]string),
		users:      make(map[string]*models.User),
	}
}

func cloneTxn(t *models.Transaction) *models.Transaction {
	c := *t
	if t.RawCallbackPayload != nil {
		c.RawCallbackPayload = append([]byte(nil), t.RawCallbackPayload...)
	}
	return &c
}

func (m *MemoryStore) Create(ctx context.Context, txn *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txns[txn.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.byCheckout[txn.CheckoutRequestID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.byMerchant[txn.MerchantRequestID]; ok {
		return ErrDuplicate
	}
	m.txns[txn.ID] = cloneTxn(txn)
	m.byCheckout[txn.CheckoutRequestID] = txn.ID
	m.byMerchant[txn.MerchantRequestID] = txn.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTxn(t), nil
}

func (m *MemoryStore) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byCheckout[checkoutRequestID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTxn(m.txns[id]), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userRef string) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.Transaction{}
	for _, t := range m.txns {
		if t.UserRef == userRef {
			out = append(out, *cloneTxn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Transition(ctx context.Context, checkoutRequestID string, t models.Transition) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byCheckout[checkoutRequestID]
	if !ok {
		return nil, ErrNotFound
	}
	txn := m.txns[id]
	if !slices.Contains(t.From(), txn.Status) {
		return nil, ErrNotPending
	}
	code := t.ResultCode
	txn.Status = t.Status
	txn.ResultCode = &code
	txn.ResultDesc = t.ResultDesc
	if t.Status == models.StatusCompleted {
		txn.GatewayReceiptRef = t.ReceiptRef
		txn.SettledAt = t.SettledAt
	}
	if t.RawPayload != nil {
		txn.RawCallbackPayload = append([]byte(nil), t.RawPayload...)
	}
	txn.UpdatedAt = t.At
	return cloneTxn(txn), nil
}

func (m *MemoryStore) RecordCallback(ctx context.Context, checkoutRequestID string, raw []byte, at time.Time) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byCheckout[checkoutRequestID]
	if !ok {
		return nil, ErrNotFound
	}
	txn := m.txns[id]
	txn.RawCallbackPayload = append([]byte(nil), raw...)
	txn.UpdatedAt = at
	return cloneTxn(txn), nil
}

func (m *MemoryStore) MarkEntitlementGranted(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[id]
	if !ok {
		return ErrNotFound
	}
	if txn.EntitlementGrantedAt == nil {
		txn.EntitlementGrantedAt = &at
	}
	return nil
}

func (m *MemoryStore) ListUngranted(ctx context.Context, limit int) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.Transaction{}
	for _, t := range m.txns {
		if t.Status == models.StatusCompleted && t.EntitlementGrantedAt == nil {
			out = append(out, *cloneTxn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ExpirePending(ctx context.Context, createdBefore, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, t := range m.txns {
		if t.Status == models.StatusPending && t.CreatedAt.Before(createdBefore) {
			t.Status = models.StatusCancelled
			t.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.ID == user.ID || u.Email == user.Email || u.Username == user.Username {
			return ErrDuplicate
		}
	}
	c := *user
	m.users[user.ID] = &c
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ActivatePremium(ctx context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	if !u.IsPremium {
		u.IsPremium = true
		u.PremiumActivatedAt = &at
	}
	return nil
}

func (m *MemoryStore) EnsureIndexes(ctx context.Context) error { return nil }

func (m *MemoryStore) Close(ctx context.Context) error { return nil }
