package services

import "strings"

const msisdnLength = 12

// NormalizePhone turns a local or international Kenyan number into the
// 2547XXXXXXXX form the gateway expects. A single leading trunk 0 is
// replaced with countryCode.
func NormalizePhone(raw, countryCode string) (string, error) {
	phone := strings.TrimSpace(raw)
	if phone == "" {
		return "", &ValidationError{Field: "phone_number", Message: "Please provide a phone number."}
	}

	phone = strings.NewReplacer("+", "", " ", "").Replace(phone)
	if strings.HasPrefix(phone, "0") {
		phone = countryCode + phone[1:]
	}

	if !strings.HasPrefix(phone, countryCode) || len(phone) != msisdnLength || !allDigits(phone) {
		return "", &ValidationError{Field: "phone_number", Message: "Invalid phone number. Use format: " + countryCode + strings.Repeat("X", msisdnLength-len(countryCode))}
	}
	return phone, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
