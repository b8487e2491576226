// Package mpesa talks to the Safaricom Daraja API: the OAuth client
// credentials exchange, the STK push initiation request and the callback
// envelope the gateway posts back.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	SandboxURL    = "https://sandbox.safaricom.co.ke"
	ProductionURL = "https://api.safaricom.co.ke"

	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	stkPath   = "/mpesa/stkpush/v1/processrequest"

	// TimestampLayout is YYYYMMDDHHMMSS, used for the STK password and the
	// callback TransactionDate.
	TimestampLayout = "20060102150405"

	transactionType = "CustomerPayBillOnline"
	maxResponseSize = 1 << 20
)

// EAT is the gateway's local time. Kenya observes no DST.
var EAT = time.FixedZone("EAT", 3*60*60)

type Config struct {
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	Environment    string // sandbox or production
	BaseURL        string // overrides Environment when set
	Timeout        time.Duration
}

// Client is stateless apart from the optional token cache.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	cache      TokenCache
	now        func() time.Time
}

func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = SandboxURL
		if cfg.Environment == "production" {
			baseURL = ProductionURL
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// SetTokenCache enables reuse of access tokens until shortly before expiry.
func (c *Client) SetTokenCache(cache TokenCache) {
	c.cache = cache
}

// Password derives the STK push password: base64(shortcode + passkey + timestamp).
func Password(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

// AccessToken exchanges the consumer key and secret for a bearer token.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if c.cache != nil {
		token, ok, err := c.cache.Get(ctx)
		if err != nil {
			slog.Warn("Token cache read failed", "error", err)
		} else if ok {
			return token, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, nil)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		slog.Error("M-Pesa token request rejected", "status", resp.StatusCode, "body", string(body))
		return "", &AuthError{StatusCode: resp.StatusCode}
	}

	var tr tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&tr); err != nil {
		return "", &AuthError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return "", &AuthError{StatusCode: resp.StatusCode, Err: errors.New("empty access token")}
	}

	if c.cache != nil {
		if ttl := cacheTTL(tr.ExpiresIn); ttl > 0 {
			if err := c.cache.Set(ctx, tr.AccessToken, ttl); err != nil {
				slog.Warn("Token cache write failed", "error", err)
			}
		}
	}
	return tr.AccessToken, nil
}

// cacheTTL keeps a one minute margin so a cached token never expires in flight.
func cacheTTL(expiresIn json.Number) time.Duration {
	secs, err := expiresIn.Int64()
	if err != nil {
		return 0
	}
	return time.Duration(secs)*time.Second - time.Minute
}

// STKPushRequest is what the caller controls in an initiation.
type STKPushRequest struct {
	Phone            string
	Amount           int64
	CallbackURL      string
	AccountReference string
	Description      string
}

// STKPushResult carries the two correlation identifiers echoed by the callback.
type STKPushResult struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	STKPushResult
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// STKPush submits a payment prompt to the payer's phone using a token from
// AccessToken. It does not retry: a repeated push would prompt the payer
// twice.
func (c *Client) STKPush(ctx context.Context, token string, r STKPushRequest) (*STKPushResult, error) {
	timestamp := c.now().In(EAT).Format(TimestampLayout)
	payload := stkPushPayload{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          Password(c.cfg.Shortcode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   transactionType,
		Amount:            r.Amount,
		PartyA:            r.Phone,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       r.Phone,
		CallBackURL:       r.CallbackURL,
		AccountReference:  r.AccountReference,
		TransactionDesc:   r.Description,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &GatewayError{Description: "failed to encode request", Err: err}
	}
	slog.Debug("M-Pesa STK push request", "body", string(maskSensitiveFields(body)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+stkPath, bytes.NewReader(body))
	if err != nil {
		return nil, &GatewayError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &GatewayError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &GatewayError{StatusCode: resp.StatusCode, Err: err}
	}

	var out stkPushResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		slog.Error("Undecodable STK push response", "status", resp.StatusCode, "body", string(raw), "error", err)
		return nil, &GatewayError{StatusCode: resp.StatusCode, Description: "unreadable gateway response"}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		desc := out.ErrorMessage
		if desc == "" {
			desc = out.ResponseDescription
		}
		return nil, &GatewayError{StatusCode: resp.StatusCode, ResponseCode: out.ErrorCode, Description: desc}
	}
	if out.ResponseCode != "0" {
		return nil, &GatewayError{StatusCode: resp.StatusCode, ResponseCode: out.ResponseCode, Description: out.ResponseDescription}
	}
	if out.MerchantRequestID == "" || out.CheckoutRequestID == "" {
		return nil, &GatewayError{StatusCode: resp.StatusCode, ResponseCode: out.ResponseCode, Description: "gateway response missing correlation identifiers"}
	}

	result := out.STKPushResult
	return &result, nil
}
