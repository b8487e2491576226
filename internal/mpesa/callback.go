package mpesa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedCallback wraps every reason a callback body cannot be used.
var ErrMalformedCallback = errors.New("malformed callback")

const (
	ItemReceiptNumber   = "MpesaReceiptNumber"
	ItemTransactionDate = "TransactionDate"
)

type callbackEnvelope struct {
	Body *struct {
		STKCallback *Callback `json:"stkCallback"`
	} `json:"Body"`
}

// Callback is Body.stkCallback of the gateway's result notification.
type Callback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	RawResultCode     json.Number       `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`

	ResultCode int `json:"-"`
}

type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

// MetadataItem values arrive as JSON strings or numbers depending on the field.
type MetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// ParseCallback decodes the envelope and checks the fields every callback
// must carry. When the correlation id was readable but the result code was
// not, the partial Callback is returned alongside the error.
func ParseCallback(raw []byte) (*Callback, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if env.Body == nil || env.Body.STKCallback == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", ErrMalformedCallback)
	}

	cb := env.Body.STKCallback
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}
	if cb.RawResultCode == "" {
		return cb, fmt.Errorf("%w: missing ResultCode", ErrMalformedCallback)
	}
	code, err := cb.RawResultCode.Int64()
	if err != nil {
		return cb, fmt.Errorf("%w: ResultCode %q is not an integer", ErrMalformedCallback, cb.RawResultCode)
	}
	cb.ResultCode = int(code)
	return cb, nil
}

// Succeeded reports a zero result code.
func (c *Callback) Succeeded() bool { return c.ResultCode == 0 }

// Lookup returns the metadata value for name, matched by name rather than
// position.
func (c *Callback) Lookup(name string) (string, bool) {
	if c.CallbackMetadata == nil {
		return "", false
	}
	for _, item := range c.CallbackMetadata.Item {
		if item.Name != name {
			continue
		}
		v := bytes.TrimSpace(item.Value)
		if len(v) == 0 || bytes.Equal(v, []byte("null")) {
			return "", false
		}
		if v[0] == '"' {
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return "", false
			}
			s = strings.TrimSpace(s)
			return s, s != ""
		}
		return string(v), true
	}
	return "", false
}

// Settlement extracts the receipt number and settlement time from a
// successful callback.
func (c *Callback) Settlement() (string, time.Time, error) {
	receipt, ok := c.Lookup(ItemReceiptNumber)
	if !ok || receipt == "" {
		return "", time.Time{}, fmt.Errorf("%w: missing %s", ErrMalformedCallback, ItemReceiptNumber)
	}
	date, ok := c.Lookup(ItemTransactionDate)
	if !ok {
		return "", time.Time{}, fmt.Errorf("%w: missing %s", ErrMalformedCallback, ItemTransactionDate)
	}
	settledAt, err := time.ParseInLocation(TimestampLayout, date, EAT)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: bad %s %q", ErrMalformedCallback, ItemTransactionDate, date)
	}
	return receipt, settledAt, nil
}
