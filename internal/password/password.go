// Package password enforces the meet password policy and hashes/verifies
// passwords with bcrypt. The policy fields (min length, upper/lower/digit/
// special) are named directly in spec §6's configuration surface; this
// package is what actually evaluates them, a feature the distilled spec
// only gestures at by naming the config keys.
package password

import (
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// Policy configures the password strength requirements enforced on
// CreateMeet.
type Policy struct {
	MinLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSpecial bool
}

// DefaultPolicy matches a reasonable baseline: 8 characters, at least one
// of each character class.
func DefaultPolicy() Policy {
	return Policy{
		MinLength:      8,
		RequireUpper:   true,
		RequireLower:   true,
		RequireDigit:   true,
		RequireSpecial: true,
	}
}

// Validate returns a human-readable reason the password fails the policy,
// or "" if it satisfies it.
func (p Policy) Validate(pw string) string {
	if len(pw) < p.MinLength {
		return "password too short"
	}
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}
	switch {
	case p.RequireUpper && !hasUpper:
		return "password must contain an uppercase letter"
	case p.RequireLower && !hasLower:
		return "password must contain a lowercase letter"
	case p.RequireDigit && !hasDigit:
		return "password must contain a digit"
	case p.RequireSpecial && !hasSpecial:
		return "password must contain a special character"
	}
	return ""
}

// Hash produces an opaque hash blob, the "password hash (opaque blob from
// an external hasher)" spec §3 defines as a Meet attribute.
func Hash(pw string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Verify reports whether pw matches the stored hash.
func Verify(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}
