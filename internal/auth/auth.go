// Package auth guards service-only routes with a bearer token.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// Verifier checks bearer tokens against the configured service token.
// Comparison runs over SHA-256 digests in constant time.
type Verifier struct {
	tokenHash string
}

func NewVerifier(serviceToken string) *Verifier {
	return &Verifier{tokenHash: HashToken(serviceToken)}
}

// HashToken returns the SHA-256 hex digest of a token.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// Verify checks the request's bearer token.
func (v *Verifier) Verify(r *http.Request) error {
	token, err := ExtractBearerToken(r)
	if err != nil {
		return err
	}

	digest := HashToken(token)
	if subtle.ConstantTimeCompare([]byte(digest), []byte(v.tokenHash)) != 1 {
		return fmt.Errorf("invalid service token")
	}
	return nil
}

// ExtractBearerToken pulls the token from the Authorization header.
func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("unsupported authorization scheme")
	}

	return parts[1], nil
}
