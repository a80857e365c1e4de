package token

import (
	"github.com/golang-jwt/jwt/v5"
)

// DefaultJWTExpiry decodes a JWT's `exp` claim (seconds since epoch) and
// returns it in epoch milliseconds, the fallback ExpiryFunc used when a
// provider doesn't supply its own. token must be a string, a []byte, or
// have a JWT() string method; any other T yields 0, so such a T must pass a
// custom ExpiryFunc to New instead.
//
// Parses tokens with jwt.NewParser().ParseUnverified to read claims without
// an HTTP round trip or a signing key on hand.
func DefaultJWTExpiry(token any) int64 {
	raw, ok := asJWTString(token)
	if !ok {
		return 0
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return 0
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	return exp.Time.UnixMilli()
}

func asJWTString(token any) (string, bool) {
	switch v := token.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	case interface{ JWT() string }:
		return v.JWT(), true
	default:
		return "", false
	}
}
