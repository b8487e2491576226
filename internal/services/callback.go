package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kitabu/kitabu-gobackend/internal/models"
	"github.com/kitabu/kitabu-gobackend/internal/mpesa"
	"github.com/kitabu/kitabu-gobackend/internal/store"
)

// Outcome is what happened to one callback delivery. Under the default ack
// policy the gateway gets the same acknowledgment for every outcome.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeDuplicateIgnored Outcome = "duplicate_ignored"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeMalformed        Outcome = "malformed"

	// OutcomeConflict is a success reported for a record that already failed.
	OutcomeConflict Outcome = "conflict"
)

// EntitlementActivator grants premium to a user.
type EntitlementActivator interface {
	ActivatePremium(ctx context.Context, userID string, at time.Time) error
}

// CallbackReconciler matches gateway callbacks to pending transactions.
//
// Deliveries are at-least-once and unordered. Only the delivery whose
// conditional update moves the record out of pending activates premium;
// every other delivery for the same checkout request just refreshes the
// stored payload.
type CallbackReconciler struct {
	txns      store.TransactionStore
	activator EntitlementActivator
	now       func() time.Time
}

func NewCallbackReconciler(txns store.TransactionStore, activator EntitlementActivator) *CallbackReconciler {
	return &CallbackReconciler{txns: txns, activator: activator, now: time.Now}
}

// HandleCallback applies one raw callback body. The error is non-nil only
// for storage faults; unusable input is an Outcome, not an error.
func (r *CallbackReconciler) HandleCallback(ctx context.Context, raw []byte) (Outcome, error) {
	now := r.now()

	cb, err := mpesa.ParseCallback(raw)
	if err != nil {
		slog.Warn("Malformed M-Pesa callback", "error", err)
		if cb != nil {
			return r.recordMalformed(ctx, cb.CheckoutRequestID, raw, now)
		}
		return OutcomeMalformed, nil
	}

	log := slog.With(
		"checkout_request_id", cb.CheckoutRequestID,
		"merchant_request_id", cb.MerchantRequestID,
		"result_code", cb.ResultCode,
	)

	t := models.Transition{
		Status:     models.StatusFailed,
		ResultCode: cb.ResultCode,
		ResultDesc: cb.ResultDesc,
		RawPayload: raw,
		At:         now,
	}
	if cb.Succeeded() {
		receipt, settledAt, err := cb.Settlement()
		if err != nil {
			log.Warn("Successful callback without usable settlement metadata", "error", err)
			return r.recordMalformed(ctx, cb.CheckoutRequestID, raw, now)
		}
		t.Status = models.StatusCompleted
		t.ReceiptRef = receipt
		t.SettledAt = &settledAt
	}

	var txn *models.Transaction
	granted := false
	if ac, ok := r.txns.(store.AtomicCompleter); ok && t.Status == models.StatusCompleted {
		txn, err = ac.CompleteAndActivate(ctx, cb.CheckoutRequestID, t)
		granted = err == nil && txn.EntitlementGrantedAt != nil
	} else {
		txn, err = r.txns.Transition(ctx, cb.CheckoutRequestID, t)
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Warn("Callback for unknown checkout request")
		return OutcomeNotFound, nil
	case errors.Is(err, store.ErrNotPending):
		stored, err := r.txns.RecordCallback(ctx, cb.CheckoutRequestID, raw, now)
		if err != nil {
			return "", fmt.Errorf("failed to store duplicate callback: %w", err)
		}
		if t.Status == models.StatusCompleted && stored.Status != models.StatusCompleted {
			log.Error("Gateway reports payment for a closed transaction, reconcile manually",
				"transaction_id", stored.ID, "user_id", stored.UserRef,
				"status", stored.Status, "receipt", t.ReceiptRef)
			return OutcomeConflict, nil
		}
		log.Info("Duplicate callback ignored")
		return OutcomeDuplicateIgnored, nil
	case err != nil:
		return "", err
	}

	if txn.Status == models.StatusCompleted && !granted {
		r.grant(ctx, txn, now)
	}

	log.Info("Callback applied", "transaction_id", txn.ID, "status", txn.Status)
	return OutcomeApplied, nil
}

// recordMalformed keeps the payload for audit on the record it names, if any.
func (r *CallbackReconciler) recordMalformed(ctx context.Context, checkoutRequestID string, raw []byte, at time.Time) (Outcome, error) {
	if checkoutRequestID == "" {
		return OutcomeMalformed, nil
	}
	if _, err := r.txns.RecordCallback(ctx, checkoutRequestID, raw, at); err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("failed to store malformed callback: %w", err)
	}
	return OutcomeMalformed, nil
}

// grant activates premium after a committed pending → completed transition.
// A failure here leaves EntitlementGrantedAt unset for the sweep to retry.
func (r *CallbackReconciler) grant(ctx context.Context, txn *models.Transaction, at time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := r.activator.ActivatePremium(ctx, txn.UserRef, at); err != nil {
		slog.Error("Premium activation failed, left for sweep",
			"transaction_id", txn.ID, "user_id", txn.UserRef, "error", err)
		return
	}
	if err := r.txns.MarkEntitlementGranted(ctx, txn.ID, at); err != nil {
		slog.Error("Failed to mark entitlement granted",
			"transaction_id", txn.ID, "user_id", txn.UserRef, "error", err)
	}
}
