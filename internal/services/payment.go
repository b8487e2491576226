package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kitabu/kitabu-gobackend/internal/models"
	"github.com/kitabu/kitabu-gobackend/internal/mpesa"
	"github.com/kitabu/kitabu-gobackend/internal/store"
)

// Gateway is the outbound half of the M-Pesa client.
type Gateway interface {
	AccessToken(ctx context.Context) (string, error)
	STKPush(ctx context.Context, token string, r mpesa.STKPushRequest) (*mpesa.STKPushResult, error)
}

type PaymentConfig struct {
	Amount           int64
	CallbackURL      string
	AccountRefPrefix string
	Description      string
	CountryCode      string
}

type PaymentService struct {
	txns    store.TransactionStore
	users   store.UserStore
	gateway Gateway
	cfg     PaymentConfig
	now     func() time.Time
}

func NewPaymentService(txns store.TransactionStore, users store.UserStore, gateway Gateway, cfg PaymentConfig) *PaymentService {
	return &PaymentService{txns: txns, users: users, gateway: gateway, cfg: cfg, now: time.Now}
}

// Amount is the flat premium fee in whole shillings.
func (s *PaymentService) Amount() int64 { return s.cfg.Amount }

// Initiation is returned to the client after the STK prompt was sent.
type Initiation struct {
	TransactionID     string `json:"transaction_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	PhoneNumber       string `json:"phone_number"`
	CustomerMessage   string `json:"message"`
}

// Initiate validates the payer's number, asks the gateway to prompt the
// payer and records a pending transaction keyed by the returned ids.
// Nothing is stored when validation or the gateway call fails.
func (s *PaymentService) Initiate(ctx context.Context, userID, rawPhone string) (*Initiation, error) {
	phone, err := NormalizePhone(rawPhone, s.cfg.CountryCode)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.IsPremium {
		return nil, ErrAlreadyPremium
	}

	token, err := s.gateway.AccessToken(ctx)
	if err != nil {
		slog.Error("M-Pesa authentication failed", "user_id", userID, "error", err)
		return nil, err
	}

	res, err := s.gateway.STKPush(ctx, token, mpesa.STKPushRequest{
		Phone:            phone,
		Amount:           s.cfg.Amount,
		CallbackURL:      s.cfg.CallbackURL,
		AccountReference: s.cfg.AccountRefPrefix + "-" + user.Username,
		Description:      s.cfg.Description,
	})
	if err != nil {
		slog.Error("STK push failed", "user_id", userID, "phone", mpesa.MaskPhone(phone), "error", err)
		return nil, err
	}

	now := s.now()
	txn := &models.Transaction{
		ID:                uuid.NewString(),
		UserRef:           user.ID,
		PayerPhone:        phone,
		Amount:            s.cfg.Amount,
		MerchantRequestID: res.MerchantRequestID,
		CheckoutRequestID: res.CheckoutRequestID,
		Status:            models.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	// The payer has already been prompted; finish the write even if the
	// client went away.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.txns.Create(writeCtx, txn); err != nil {
		slog.Error("Gateway accepted payment but it could not be recorded",
			"user_id", user.ID,
			"merchant_request_id", res.MerchantRequestID,
			"checkout_request_id", res.CheckoutRequestID,
			"error", err)
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}

	slog.Info("Payment initiated",
		"transaction_id", txn.ID,
		"user_id", user.ID,
		"checkout_request_id", txn.CheckoutRequestID)

	return &Initiation{
		TransactionID:     txn.ID,
		CheckoutRequestID: txn.CheckoutRequestID,
		PhoneNumber:       phone,
		CustomerMessage:   res.CustomerMessage,
	}, nil
}

// GetStatus returns the caller's own transaction. A transaction owned by
// someone else is reported as not found.
func (s *PaymentService) GetStatus(ctx context.Context, transactionID, userID string) (*models.Transaction, error) {
	txn, err := s.txns.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.UserRef != userID {
		return nil, ErrNotFound
	}
	return txn, nil
}

func (s *PaymentService) ListPayments(ctx context.Context, userID string) ([]models.Transaction, error) {
	return s.txns.ListByUser(ctx, userID)
}

// IsUnavailable reports errors that should be shown as a generic "service
// unavailable": failed authentication and transport failures.
func IsUnavailable(err error) bool {
	var authErr *mpesa.AuthError
	if errors.As(err, &authErr) {
		return true
	}
	var gwErr *mpesa.GatewayError
	return errors.As(err, &gwErr) && gwErr.Unavailable()
}
