package security

import "crypto/subtle"

// Authenticator checks client API keys presented in the hello handshake.
type Authenticator struct {
	keys     []string
	required bool
}

// NewAuthenticator builds an authenticator over the configured keys.
// When required is false (local development) every key is accepted.
func NewAuthenticator(keys []string, required bool) *Authenticator {
	return &Authenticator{keys: keys, required: required}
}

// Verify reports whether the presented key is valid. Comparison is
// constant time per configured key.
func (a *Authenticator) Verify(presented string) bool {
	if !a.required {
		return true
	}
	ok := false
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(presented)) == 1 {
			ok = true
		}
	}
	return ok
}

// Required reports whether client auth is enforced.
func (a *Authenticator) Required() bool { return a.required }
