package auth

import (
	"net/http"
	"strings"
)

// IdentityCookie is the cookie that carries a signed identity token for
// browser connections. The value uses the same format as bearer tokens.
const IdentityCookie = "paircode_identity"

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const scheme = "Bearer "
	if !strings.HasPrefix(h, scheme) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(scheme):])
	if tok == "" {
		return "", false
	}
	return tok, true
}

// FromRequest resolves the request identity, preferring the bearer header
// and falling back to the identity cookie.
func (v *Verifier) FromRequest(r *http.Request) (Claims, error) {
	if tok, ok := BearerToken(r); ok {
		return v.Verify(tok)
	}
	c, err := r.Cookie(IdentityCookie)
	if err != nil {
		return Claims{}, ErrMalformedToken
	}
	return v.Verify(c.Value)
}
