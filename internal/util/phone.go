package util

import (
	"strings"
)

// MaskPhone hides everything except the last four digits so phone numbers
// never appear in plaintext in logs or audit rows.
func MaskPhone(phone string) string {
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits <= 4 {
		return strings.Repeat("*", len(phone))
	}

	var b strings.Builder
	remaining := digits
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			if remaining > 4 {
				b.WriteByte('*')
			} else {
				b.WriteRune(r)
			}
			remaining--
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizePhone strips formatting characters so the same number always
// produces the same lookup hash.
func NormalizePhone(phone string) string {
	replacer := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	return replacer.Replace(strings.TrimSpace(phone))
}

// ValidPhone performs a loose E.164 check: optional leading +, 10-15 digits.
func ValidPhone(phone string) bool {
	p := NormalizePhone(phone)
	if strings.HasPrefix(p, "+") {
		p = p[1:]
	}
	if len(p) < 10 || len(p) > 15 {
		return false
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
