// Package idgen generates meet identifiers and session/CSRF tokens.
// Meet ids follow the dash-separated decimal-triple format of spec §6;
// tokens follow the CSPRNG, URL-safe, >=128-bit entropy requirement of
// spec §4.2. This mirrors the source tree's own idgen package placement
// (one package, one file per id family) without reusing its content-hash
// scheme, which doesn't apply here: meet ids are pure random digits, not
// derived from content.
package idgen

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
)

// digitGroupMin and digitGroupMax bound each of the three decimal groups
// in a meet id ("473-218-905"), per spec §6.
const (
	digitGroupMin = 100
	digitGroupMax = 999
)

// GenerateMeetID returns a new meet id of the form "ddd-ddd-ddd", each
// group drawn independently from a CSPRNG in [100, 999].
func GenerateMeetID() (string, error) {
	groups := make([]int64, 3)
	span := big.NewInt(int64(digitGroupMax - digitGroupMin + 1))
	for i := range groups {
		n, err := rand.Int(rand.Reader, span)
		if err != nil {
			return "", fmt.Errorf("idgen: generate meet id: %w", err)
		}
		groups[i] = n.Int64() + digitGroupMin
	}
	return fmt.Sprintf("%03d-%03d-%03d", groups[0], groups[1], groups[2]), nil
}

// tokenBytes is 18 bytes = 144 bits of entropy, comfortably above the
// 128-bit floor spec §4.2 requires, and encodes cleanly without padding
// under URL-safe base64.
const tokenBytes = 18

// GenerateSecureToken returns a CSPRNG, URL-safe token suitable for use as
// a session token or CSRF companion.
func GenerateSecureToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("idgen: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
