// Package auth verifies the signed credentials presented on producer and
// participant connections and reduces them to a user identity.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"
)

// Prefix is the version tag of the token format. Tokens are
// Prefix + "." + base64url(payload JSON) + "." + base64url(HMAC-SHA256 sig),
// where the signature covers Prefix + "." + payload.
const Prefix = "pcr1"

var (
	ErrMalformedToken = errors.New("malformed token")
	ErrBadSignature   = errors.New("bad token signature")
	ErrTokenExpired   = errors.New("token expired")
	ErrMissingSubject = errors.New("token has no subject")
)

// Claims is the verified identity carried by a token.
type Claims struct {
	Subject  string `json:"sub"`
	Username string `json:"username"`
	Exp      int64  `json:"exp,omitempty"` // unix seconds; zero means no expiry
}

// Verifier checks token signatures and expiry against a shared secret.
type Verifier struct {
	secret []byte
	skew   time.Duration
	now    func() time.Time
}

// NewVerifier builds a Verifier. The secret must be non-empty; skew is the
// allowed clock difference when checking expiry and is rounded up to whole
// seconds.
func NewVerifier(secret string, skew time.Duration) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("auth: empty token secret")
	}
	if skew < 0 {
		skew = 0
	}
	return &Verifier{
		secret: []byte(secret),
		skew:   roundSkew(skew),
		now:    time.Now,
	}, nil
}

// roundSkew rounds a skew up to whole seconds so comparisons against unix
// timestamps stay consistent.
func roundSkew(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if r := d % time.Second; r != 0 {
		d += time.Second - r
	}
	return d
}

// addSkew adds a skew to a unix timestamp, saturating on overflow.
func addSkew(unix int64, skew time.Duration) int64 {
	s := int64(skew / time.Second)
	if unix > math.MaxInt64-s {
		return math.MaxInt64
	}
	return unix + s
}

// Verify parses and validates a token, returning its claims.
func (v *Verifier) Verify(tok string) (Claims, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 || parts[0] != Prefix {
		return Claims{}, ErrMalformedToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, ErrMalformedToken
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Claims{}, ErrBadSignature
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrMalformedToken
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Claims{}, ErrMalformedToken
	}
	if c.Subject == "" {
		return Claims{}, ErrMissingSubject
	}
	if c.Exp != 0 && v.now().Unix() > addSkew(c.Exp, v.skew) {
		return Claims{}, ErrTokenExpired
	}
	return c, nil
}

// Sign builds a token for the given claims. Producers obtain tokens out of
// band; this lives here so clients and tests share one implementation.
func Sign(secret string, c Claims) string {
	payload, err := json.Marshal(c)
	if err != nil {
		panic(err)
	}
	signed := Prefix + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signed))
	return signed + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
