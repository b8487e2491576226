package models

import (
	"time"

	"gorm.io/datatypes"
)

// TransactionStatus is the lifecycle state of a premium payment.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusCancelled TransactionStatus = "cancelled" // expiry sweep only, never set by a callback
)

// Terminal reports whether callbacks can no longer change the record. A
// cancelled record is not terminal: the gateway may still report success.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Transaction is one STK push attempt for the premium upgrade.
type Transaction struct {
	ID                   string            `bson:"_id" json:"id" gorm:"primaryKey;type:varchar(64)"`
	UserRef              string            `bson:"user_ref" json:"user_id" gorm:"type:varchar(64);not null;index:idx_txn_user_created,priority:1"`
	PayerPhone           string            `bson:"payer_phone" json:"phone_number" gorm:"type:varchar(15);not null"`
	Amount               int64             `bson:"amount" json:"amount" gorm:"not null"`
	MerchantRequestID    string            `bson:"merchant_request_id" json:"merchant_request_id" gorm:"type:varchar(100);not null;uniqueIndex"`
	CheckoutRequestID    string            `bson:"checkout_request_id" json:"checkout_request_id" gorm:"type:varchar(100);not null;uniqueIndex"`
	Status               TransactionStatus `bson:"status" json:"status" gorm:"type:varchar(20);not null;index:idx_txn_status_created,priority:1"`
	ResultCode           *int              `bson:"result_code,omitempty" json:"result_code,omitempty"`
	ResultDesc           string            `bson:"result_desc,omitempty" json:"result_desc,omitempty" gorm:"type:varchar(255)"`
	GatewayReceiptRef    string            `bson:"gateway_receipt_ref,omitempty" json:"mpesa_receipt_number,omitempty" gorm:"type:varchar(100)"`
	SettledAt            *time.Time        `bson:"settled_at,omitempty" json:"transaction_date,omitempty"`
	RawCallbackPayload   datatypes.JSON    `bson:"raw_callback_payload,omitempty" json:"-"`
	EntitlementGrantedAt *time.Time        `bson:"entitlement_granted_at,omitempty" json:"-" gorm:"index"`
	CreatedAt            time.Time         `bson:"created_at" json:"created_at" gorm:"index:idx_txn_user_created,priority:2;index:idx_txn_status_created,priority:2"`
	UpdatedAt            time.Time         `bson:"updated_at" json:"updated_at"`
}

// Transition is a single state change applied to a pending transaction.
type Transition struct {
	Status     TransactionStatus
	ResultCode int
	ResultDesc string
	ReceiptRef string
	SettledAt  *time.Time
	RawPayload []byte
	At         time.Time
}

// From lists the statuses t may be applied to. Only a success may reopen a
// record the expiry sweep cancelled.
func (t Transition) From() []TransactionStatus {
	if t.Status == StatusCompleted {
		return []TransactionStatus{StatusPending, StatusCancelled}
	}
	return []TransactionStatus{StatusPending}
}
