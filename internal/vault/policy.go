package vault

import (
	"fmt"
	"unicode"
)

// minPasswordLength defines the minimum number of characters required for a password.
const minPasswordLength = 12

// ErrWeakPassword is returned when a new password fails the strength policy.
var ErrWeakPassword = fmt.Errorf(
	"password is too weak (must be at least %d characters and include upper, lower, "+
		"number, and symbol)",
	minPasswordLength,
)

// CheckPassword enforces the strength policy for new passwords.
func CheckPassword(password string) error {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len([]rune(password)) < minPasswordLength {
		return ErrWeakPassword
	}
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r), unicode.IsSpace(r):
			hasSymbol = true
		}
	}
	if !(hasUpper && hasLower && hasDigit && hasSymbol) {
		return ErrWeakPassword
	}
	return nil
}
