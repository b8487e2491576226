package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type memCache struct {
	mu     sync.Mutex
	token  string
	ttl    time.Duration
	sets   int
	getErr error
}

func (m *memCache) Get(ctx context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return "", false, m.getErr
	}
	return m.token, m.token != "", nil
}

func (m *memCache) Set(ctx context.Context, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token, m.ttl = token, ttl
	m.sets++
	return nil
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Shortcode:      "174379",
		Passkey:        "passkey",
		BaseURL:        srv.URL,
		Timeout:        2 * time.Second,
	})
}

func TestPassword(t *testing.T) {
	got := Password("174379", "passkey", "20240115103000")
	want := base64.StdEncoding.EncodeToString([]byte("174379passkey20240115103000"))
	if got != want {
		t.Errorf("Password() = %q, want %q", got, want)
	}
}

func TestNewClient_BaseURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"sandbox by default", Config{}, SandboxURL},
		{"production", Config{Environment: "production"}, ProductionURL},
		{"override wins", Config{Environment: "production", BaseURL: "http://localhost:9000/"}, "http://localhost:9000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewClient(tt.cfg).baseURL; got != tt.want {
				t.Errorf("baseURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAccessToken(t *testing.T) {
	t.Run("sends basic auth and returns token", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("method = %s, want POST", r.Method)
			}
			if r.URL.Query().Get("grant_type") != "client_credentials" {
				t.Errorf("grant_type = %q", r.URL.Query().Get("grant_type"))
			}
			user, pass, ok := r.BasicAuth()
			if !ok || user != "key" || pass != "secret" {
				t.Errorf("basic auth = %q/%q/%v", user, pass, ok)
			}
			w.Write([]byte(`{"access_token":"tok-1","expires_in":"3599"}`))
		})

		got, err := c.AccessToken(context.Background())
		if err != nil {
			t.Fatalf("AccessToken() error = %v", err)
		}
		if got != "tok-1" {
			t.Errorf("AccessToken() = %q, want tok-1", got)
		}
	})

	t.Run("non-200 is an auth error", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"errorMessage":"Invalid credentials"}`))
		})

		_, err := c.AccessToken(context.Background())
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("error = %v, want *AuthError", err)
		}
		if authErr.StatusCode != http.StatusUnauthorized {
			t.Errorf("StatusCode = %d, want 401", authErr.StatusCode)
		}
	})

	t.Run("empty token is an auth error", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"expires_in":"3599"}`))
		})
		var authErr *AuthError
		if _, err := c.AccessToken(context.Background()); !errors.As(err, &authErr) {
			t.Fatalf("error = %v, want *AuthError", err)
		}
	})

	t.Run("cached token skips the gateway", func(t *testing.T) {
		calls := 0
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.Write([]byte(`{"access_token":"fresh","expires_in":3599}`))
		})
		cache := &memCache{}
		c.SetTokenCache(cache)

		for i := 0; i < 3; i++ {
			got, err := c.AccessToken(context.Background())
			if err != nil {
				t.Fatalf("AccessToken() error = %v", err)
			}
			if got != "fresh" {
				t.Errorf("AccessToken() = %q, want fresh", got)
			}
		}
		if calls != 1 {
			t.Errorf("gateway calls = %d, want 1", calls)
		}
		if cache.ttl != 3599*time.Second-time.Minute {
			t.Errorf("cache ttl = %s", cache.ttl)
		}
	})

	t.Run("cache read failure falls through to the gateway", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"access_token":"fresh","expires_in":"3599"}`))
		})
		c.SetTokenCache(&memCache{getErr: errors.New("connection refused")})

		got, err := c.AccessToken(context.Background())
		if err != nil || got != "fresh" {
			t.Fatalf("AccessToken() = %q, %v", got, err)
		}
	})
}

func TestSTKPush(t *testing.T) {
	fixed := time.Date(2024, 1, 15, 7, 30, 0, 0, time.UTC) // 10:30 EAT

	t.Run("accepted request returns correlation ids", func(t *testing.T) {
		var payload map[string]interface{}
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != stkPath {
				t.Errorf("path = %s, want %s", r.URL.Path, stkPath)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
				t.Errorf("Authorization = %q", got)
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Errorf("decode payload: %v", err)
			}
			w.Write([]byte(`{
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_191220191020363925",
				"ResponseCode": "0",
				"ResponseDescription": "Success. Request accepted for processing",
				"CustomerMessage": "Success. Request accepted for processing"
			}`))
		})
		c.now = func() time.Time { return fixed }

		res, err := c.STKPush(context.Background(), "tok-1", STKPushRequest{
			Phone:            "254712345678",
			Amount:           87,
			CallbackURL:      "https://example.com/api/payments/callback",
			AccountReference: "Kitabu-jane",
			Description:      "Kitabu Premium Upgrade",
		})
		if err != nil {
			t.Fatalf("STKPush() error = %v", err)
		}
		if res.MerchantRequestID != "29115-34620561-1" || res.CheckoutRequestID != "ws_CO_191220191020363925" {
			t.Errorf("ids = %q/%q", res.MerchantRequestID, res.CheckoutRequestID)
		}

		if payload["Timestamp"] != "20240115103000" {
			t.Errorf("Timestamp = %v, want 20240115103000", payload["Timestamp"])
		}
		if payload["Password"] != Password("174379", "passkey", "20240115103000") {
			t.Errorf("Password = %v", payload["Password"])
		}
		if payload["Amount"] != float64(87) {
			t.Errorf("Amount = %v, want 87", payload["Amount"])
		}
		for _, field := range []string{"PartyA", "PhoneNumber"} {
			if payload[field] != "254712345678" {
				t.Errorf("%s = %v", field, payload[field])
			}
		}
		if payload["PartyB"] != "174379" || payload["BusinessShortCode"] != "174379" {
			t.Errorf("shortcode fields = %v/%v", payload["PartyB"], payload["BusinessShortCode"])
		}
		if payload["TransactionType"] != "CustomerPayBillOnline" {
			t.Errorf("TransactionType = %v", payload["TransactionType"])
		}
	})

	tests := []struct {
		name        string
		status      int
		body        string
		wantDesc    string
		unavailable bool
	}{
		{
			name:     "non-zero response code",
			status:   http.StatusOK,
			body:     `{"MerchantRequestID":"m","CheckoutRequestID":"c","ResponseCode":"1","ResponseDescription":"Rejected"}`,
			wantDesc: "Rejected",
		},
		{
			name:     "error status with gateway message",
			status:   http.StatusBadRequest,
			body:     `{"requestId":"r","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid PhoneNumber"}`,
			wantDesc: "Bad Request - Invalid PhoneNumber",
		},
		{
			name:     "missing correlation ids",
			status:   http.StatusOK,
			body:     `{"ResponseCode":"0","ResponseDescription":"Success"}`,
			wantDesc: "gateway response missing correlation identifiers",
		},
		{
			name:     "unreadable body",
			status:   http.StatusOK,
			body:     `<html>oops</html>`,
			wantDesc: "unreadable gateway response",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := c.STKPush(context.Background(), "tok", STKPushRequest{Phone: "254712345678", Amount: 87})
			var gwErr *GatewayError
			if !errors.As(err, &gwErr) {
				t.Fatalf("error = %v, want *GatewayError", err)
			}
			if gwErr.Description != tt.wantDesc {
				t.Errorf("Description = %q, want %q", gwErr.Description, tt.wantDesc)
			}
			if gwErr.Unavailable() != tt.unavailable {
				t.Errorf("Unavailable() = %v, want %v", gwErr.Unavailable(), tt.unavailable)
			}
		})
	}

	t.Run("timeout is unavailable", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer srv.Close()
		defer close(release)

		c := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
		_, err := c.STKPush(context.Background(), "tok", STKPushRequest{Phone: "254712345678", Amount: 87})
		var gwErr *GatewayError
		if !errors.As(err, &gwErr) || !gwErr.Unavailable() {
			t.Fatalf("error = %v, want unavailable *GatewayError", err)
		}
	})
}

func TestMaskSensitiveFields(t *testing.T) {
	body := []byte(`{"PartyA":"254712345678","PhoneNumber":"254712345678","Password":"c2VjcmV0","Amount":87}`)
	got := string(maskSensitiveFields(body))

	if strings.Contains(got, "254712345678") || strings.Contains(got, "c2VjcmV0") {
		t.Errorf("masked body still has secrets: %s", got)
	}
	if !strings.Contains(got, "****5678") {
		t.Errorf("masked body lost the phone suffix: %s", got)
	}
}
