// Package store persists payment transactions and the user records whose
// premium flag they unlock.
//
// Every store applies state transitions as a compare-and-set on the
// statuses models.Transition.From allows, so two deliveries of the same
// callback can never both observe an open record and both report success.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kitabu/kitabu-gobackend/internal/models"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrDuplicate  = errors.New("duplicate record")
	ErrNotPending = errors.New("transaction is not pending")
)

// TransactionStore persists premium payment transactions.
type TransactionStore interface {
	Create(ctx context.Context, txn *models.Transaction) error
	Get(ctx context.Context, id string) (*models.Transaction, error)
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error)
	ListByUser(ctx context.Context, userRef string) ([]models.Transaction, error)

	// Transition moves a transaction in one of t.From() to t.Status and
	// stores the callback payload in the same write. It returns ErrNotPending
	// when the record exists but is in no such status.
	Transition(ctx context.Context, checkoutRequestID string, t models.Transition) (*models.Transaction, error)

	// RecordCallback refreshes the audit payload without touching status.
	RecordCallback(ctx context.Context, checkoutRequestID string, raw []byte, at time.Time) (*models.Transaction, error)

	MarkEntitlementGranted(ctx context.Context, id string, at time.Time) error
	ListUngranted(ctx context.Context, limit int) ([]models.Transaction, error)
	ExpirePending(ctx context.Context, createdBefore, at time.Time) (int64, error)
}

// UserStore is the boundary into the account subsystem.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	// ActivatePremium sets the premium flag. Repeated calls succeed and keep
	// the first activation time.
	ActivatePremium(ctx context.Context, userID string, at time.Time) error
}

// AtomicCompleter is implemented by stores that can commit a transition to
// completed and the owner's premium flag in one transaction.
type AtomicCompleter interface {
	CompleteAndActivate(ctx context.Context, checkoutRequestID string, t models.Transition) (*models.Transaction, error)
}

// Store is a backend holding both record kinds.
type Store interface {
	TransactionStore
	UserStore
	EnsureIndexes(ctx context.Context) error
	Close(ctx context.Context) error
}
