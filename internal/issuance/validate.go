package issuance

import (
	"strings"
	"unicode"
)

// ValidatePhone accepts `+` followed by one or more ASCII digits, after trimming
// surrounding whitespace. Whether the number exists is the remote service's call.
func ValidatePhone(text string) (string, error) {
	phone := strings.TrimSpace(text)
	if len(phone) < 2 || phone[0] != '+' {
		return "", ErrInvalidPhone
	}
	for i := 1; i < len(phone); i++ {
		if phone[i] < '0' || phone[i] > '9' {
			return "", ErrInvalidPhone
		}
	}
	return phone, nil
}

// NormalizeCode drops every whitespace rune, so "1 2 3 4 5" becomes "12345".
func NormalizeCode(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text)
}
