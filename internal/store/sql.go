package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/kitabu/kitabu-gobackend/internal/models"
)

// SQLStore is the gorm-backed store for postgres, mysql and sqlite. It
// implements AtomicCompleter: the completed transition and the owner's
// premium flag commit together.
type SQLStore struct {
	db *gorm.DB
}

func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// EnsureIndexes migrates both tables; unique and listing indexes come from
// the model tags.
func (s *SQLStore) EnsureIndexes(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&models.User{}, &models.Transaction{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	}
	return err
}

func (s *SQLStore) Create(ctx context.Context, txn *models.Transaction) error {
	if err := translate(s.db.WithContext(ctx).Create(txn).Error); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return err
		}
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.Transaction, error) {
	var txn models.Transaction
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&txn).Error; err != nil {
		return nil, translate(err)
	}
	return &txn, nil
}

func (s *SQLStore) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error) {
	return getByCheckout(s.db.WithContext(ctx), checkoutRequestID)
}

func getByCheckout(db *gorm.DB, checkoutRequestID string) (*models.Transaction, error) {
	var txn models.Transaction
	if err := db.Where("checkout_request_id = ?", checkoutRequestID).First(&txn).Error; err != nil {
		return nil, translate(err)
	}
	return &txn, nil
}

func (s *SQLStore) ListByUser(ctx context.Context, userRef string) ([]models.Transaction, error) {
	payments := []models.Transaction{}
	if err := s.db.WithContext(ctx).Where("user_ref = ?", userRef).Order("created_at DESC").Find(&payments).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch payments: %w", err)
	}
	return payments, nil
}

// transition runs the conditional UPDATE; RowsAffected tells whether this
// caller won the race out of an open status.
func transition(db *gorm.DB, checkoutRequestID string, t models.Transition) (*models.Transaction, error) {
	updates := map[string]interface{}{
		"status":      t.Status,
		"result_code": t.ResultCode,
		"result_desc": t.ResultDesc,
		"updated_at":  t.At,
	}
	if t.RawPayload != nil {
		updates["raw_callback_payload"] = datatypes.JSON(t.RawPayload)
	}
	if t.Status == models.StatusCompleted {
		updates["gateway_receipt_ref"] = t.ReceiptRef
		updates["settled_at"] = t.SettledAt
	}

	res := db.Model(&models.Transaction{}).
		Where("checkout_request_id = ? AND status IN ?", checkoutRequestID, t.From()).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update payment status: %w", res.Error)
	}

	txn, err := getByCheckout(db, checkoutRequestID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotPending
	}
	return txn, nil
}

func (s *SQLStore) Transition(ctx context.Context, checkoutRequestID string, t models.Transition) (*models.Transaction, error) {
	return transition(s.db.WithContext(ctx), checkoutRequestID, t)
}

// CompleteAndActivate applies the transition, sets the owner's premium flag
// and stamps EntitlementGrantedAt inside one database transaction.
func (s *SQLStore) CompleteAndActivate(ctx context.Context, checkoutRequestID string, t models.Transition) (*models.Transaction, error) {
	var out *models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := transition(tx, checkoutRequestID, t)
		if err != nil {
			return err
		}
		if err := activatePremium(tx, txn.UserRef, t.At); err != nil {
			if errors.Is(err, ErrNotFound) {
				// The payment stands even without an owner to grant.
				slog.Error("Completed payment has no owner", "transaction_id", txn.ID, "user_id", txn.UserRef)
				out = txn
				return nil
			}
			return err
		}
		if err := tx.Model(&models.Transaction{}).Where("id = ?", txn.ID).
			Update("entitlement_granted_at", t.At).Error; err != nil {
			return fmt.Errorf("failed to mark entitlement: %w", err)
		}
		at := t.At
		txn.EntitlementGrantedAt = &at
		out = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) RecordCallback(ctx context.Context, checkoutRequestID string, raw []byte, at time.Time) (*models.Transaction, error) {
	db := s.db.WithContext(ctx)
	res := db.Model(&models.Transaction{}).
		Where("checkout_request_id = ?", checkoutRequestID).
		Updates(map[string]interface{}{"raw_callback_payload": datatypes.JSON(raw), "updated_at": at})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to store callback payload: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return getByCheckout(db, checkoutRequestID)
}

func (s *SQLStore) MarkEntitlementGranted(ctx context.Context, id string, at time.Time) error {
	db := s.db.WithContext(ctx)
	res := db.Model(&models.Transaction{}).
		Where("id = ? AND entitlement_granted_at IS NULL", id).
		Update("entitlement_granted_at", at)
	if res.Error != nil {
		return fmt.Errorf("failed to mark entitlement: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		_, err := s.Get(ctx, id)
		return err
	}
	return nil
}

func (s *SQLStore) ListUngranted(ctx context.Context, limit int) ([]models.Transaction, error) {
	q := s.db.WithContext(ctx).
		Where("status = ? AND entitlement_granted_at IS NULL", models.StatusCompleted).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	payments := []models.Transaction{}
	if err := q.Find(&payments).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch ungranted payments: %w", err)
	}
	return payments, nil
}

func (s *SQLStore) ExpirePending(ctx context.Context, createdBefore, at time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("status = ? AND created_at < ?", models.StatusPending, createdBefore).
		Updates(map[string]interface{}{"status": models.StatusCancelled, "updated_at": at})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to expire pending payments: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	if err := translate(s.db.WithContext(ctx).Create(user).Error); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return err
		}
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (s *SQLStore) ActivatePremium(ctx context.Context, userID string, at time.Time) error {
	return activatePremium(s.db.WithContext(ctx), userID, at)
}

func activatePremium(db *gorm.DB, userID string, at time.Time) error {
	res := db.Model(&models.User{}).
		Where("id = ? AND is_premium = ?", userID, false).
		Updates(map[string]interface{}{"is_premium": true, "premium_activated_at": at})
	if res.Error != nil {
		return fmt.Errorf("failed to activate premium: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := db.Model(&models.User{}).Where("id = ?", userID).Count(&n).Error; err != nil {
			return fmt.Errorf("failed to fetch user: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
	}
	return nil
}
