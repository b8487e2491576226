package mpesa

import "encoding/json"

// maskSensitiveFields hides the payer's number and the derived password
// before a request body is logged.
func maskSensitiveFields(body []byte) []byte {
	var req map[string]interface{}
	if err := json.Unmarshal(body, &req); err != nil {
		return body
	}
	for _, field := range []string{"PartyA", "PhoneNumber"} {
		if phone, ok := req[field].(string); ok {
			req[field] = MaskPhone(phone)
		}
	}
	if _, ok := req["Password"]; ok {
		req["Password"] = "****"
	}
	masked, _ := json.Marshal(req)
	return masked
}

// MaskPhone keeps the last four digits.
func MaskPhone(phone string) string {
	if len(phone) > 4 {
		return "****" + phone[len(phone)-4:]
	}
	return "****"
}
