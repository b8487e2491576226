package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kitabu/kitabu-gobackend/internal/config"
	"github.com/kitabu/kitabu-gobackend/internal/mpesa"
	"github.com/kitabu/kitabu-gobackend/internal/services"
)

const (
	maxCallbackBody = 64 << 10
	callbackTimeout = 15 * time.Second

	msgUnavailable = "Payment service unavailable. Please try again later."
	msgPromptSent  = "Payment request sent! Please check your phone and enter your M-Pesa PIN."
)

// callbackAck is the body the gateway expects back from the callback URL.
type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

type PaymentHandler struct {
	payments   *services.PaymentService
	users      *services.UserService
	reconciler *services.CallbackReconciler
	ackPolicy  string
}

func NewPaymentHandler(payments *services.PaymentService, users *services.UserService, reconciler *services.CallbackReconciler, ackPolicy string) *PaymentHandler {
	if ackPolicy == "" {
		ackPolicy = config.AckAlways
	}
	return &PaymentHandler{payments: payments, users: users, reconciler: reconciler, ackPolicy: ackPolicy}
}

// Upgrade handles GET /api/payments/upgrade
func (h *PaymentHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	user, err := h.users.Get(r.Context(), userID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		slog.Error("Failed to fetch user", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch user")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"amount":     h.payments.Amount(),
		"currency":   "KES",
		"is_premium": user.IsPremium,
	})
}

// Initiate handles POST /api/payments/initiate
func (h *PaymentHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req struct {
		PhoneNumber string `json:"phone_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.payments.Initiate(r.Context(), userID, req.PhoneNumber)
	if err != nil {
		var vErr *services.ValidationError
		var gwErr *mpesa.GatewayError
		switch {
		case errors.As(err, &vErr):
			writeError(w, http.StatusBadRequest, vErr.Message)
		case errors.Is(err, services.ErrAlreadyPremium):
			writeError(w, http.StatusConflict, "You already have premium access.")
		case errors.Is(err, services.ErrNotFound):
			writeError(w, http.StatusNotFound, "User not found")
		case services.IsUnavailable(err):
			writeError(w, http.StatusServiceUnavailable, msgUnavailable)
		case errors.As(err, &gwErr):
			desc := gwErr.Description
			if desc == "" {
				desc = "Unknown error"
			}
			writeError(w, http.StatusBadGateway, "Payment failed: "+desc)
		default:
			slog.Error("Payment initiation failed", "user_id", userID, "error", err)
			writeError(w, http.StatusInternalServerError, "Payment request failed. Please try again.")
		}
		return
	}

	if res.CustomerMessage == "" {
		res.CustomerMessage = msgPromptSent
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetPayment handles GET /api/payments/{transactionID}
func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	transactionID := mux.Vars(r)["transactionID"]

	txn, err := h.payments.GetStatus(r.Context(), transactionID, userID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Payment not found")
			return
		}
		slog.Error("Failed to fetch payment", "transaction_id", transactionID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch payment")
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// ListPayments handles GET /api/payments
func (h *PaymentHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	payments, err := h.payments.ListPayments(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list payments", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch payments")
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

// Callback handles POST /api/payments/callback from the gateway. Under the
// default policy every delivery that was processed, or could never be
// processed, is acknowledged with success so the gateway stops retrying.
// Storage faults answer 500 so the delivery is retried.
func (h *PaymentHandler) Callback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBody)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Warn("Unreadable M-Pesa callback body", "error", err)
		if h.ackPolicy == config.AckStrict {
			writeError(w, http.StatusBadRequest, "Invalid callback body")
			return
		}
		writeJSON(w, http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Success"})
		return
	}

	// Processing outlives the gateway's connection.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), callbackTimeout)
	defer cancel()

	outcome, err := h.reconciler.HandleCallback(ctx, raw)
	if err != nil {
		slog.Error("Failed to process M-Pesa callback", "error", err)
		writeJSON(w, http.StatusInternalServerError, callbackAck{ResultCode: 1, ResultDesc: "Internal error"})
		return
	}

	if h.ackPolicy == config.AckStrict {
		switch outcome {
		case services.OutcomeMalformed:
			writeError(w, http.StatusBadRequest, "Invalid callback data")
			return
		case services.OutcomeNotFound:
			writeError(w, http.StatusNotFound, "Payment not found")
			return
		}
	}

	writeJSON(w, http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Success"})
}
