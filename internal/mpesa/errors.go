package mpesa

import "fmt"

// AuthError means the client credentials exchange failed.
type AuthError struct {
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mpesa: access token request failed: %v", e.Err)
	}
	return fmt.Sprintf("mpesa: access token request failed with status %d", e.StatusCode)
}

func (e *AuthError) Unwrap() error { return e.Err }

// GatewayError means the STK push was not accepted. Description holds the
// gateway's own wording when it gave one.
type GatewayError struct {
	StatusCode   int
	ResponseCode string
	Description  string
	Err          error // transport failure, including timeouts
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mpesa: stk push failed: %v", e.Err)
	}
	return fmt.Sprintf("mpesa: stk push rejected (status %d, code %q): %s", e.StatusCode, e.ResponseCode, e.Description)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Unavailable reports a transport-level failure, where the gateway gave no
// answer that could be shown to a user.
func (e *GatewayError) Unavailable() bool { return e.Err != nil }
