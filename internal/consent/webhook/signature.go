package webhook

import (
	"crypto"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks that content was signed by the trusted gateway. It returns
// false, never an error, for any malformed or mismatching header.
type Verifier interface {
	Verify(content []byte, signatureHeader string) bool
}

// Supported signature schemes.
const (
	SchemeHMACSHA256  = "hmac-sha256"
	SchemeJWSDetached = "jws-detached"
)

// HMACVerifier expects "sha256=<hex>" (the prefix is optional) over the exact
// bytes received.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret []byte) *HMACVerifier {
	return &HMACVerifier{secret: append([]byte(nil), secret...)}
}

func (v *HMACVerifier) Verify(content []byte, signatureHeader string) bool {
	if len(v.secret) == 0 {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signatureHeader), "sha256="))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(content)
	return hmac.Equal(mac.Sum(nil), got)
}

// Sign produces the header value the gateway would send. Used by tests and
// the local gateway simulator.
func (v *HMACVerifier) Sign(content []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(content)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// JWSVerifier accepts a JWS with detached payload, "<header>..<signature>",
// whose signing input is "<header>.<base64url(content)>". The algorithm is
// pinned by the key type so a header cannot downgrade it.
type JWSVerifier struct {
	key    crypto.PublicKey
	method jwt.SigningMethod
}

// NewJWSVerifier parses a PEM public key (RSA, ECDSA P-256 or Ed25519).
func NewJWSVerifier(publicKeyPEM []byte) (*JWSVerifier, error) {
	if key, err := jwt.ParseEdPublicKeyFromPEM(publicKeyPEM); err == nil {
		return &JWSVerifier{key: key, method: jwt.SigningMethodEdDSA}, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(publicKeyPEM); err == nil {
		return &JWSVerifier{key: key, method: jwt.SigningMethodES256}, nil
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse gateway public key: unsupported or malformed PEM")
	}
	return &JWSVerifier{key: key, method: jwt.SigningMethodRS256}, nil
}

func (v *JWSVerifier) Verify(content []byte, signatureHeader string) bool {
	parts := strings.Split(strings.TrimSpace(signatureHeader), ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] != "" || parts[2] == "" {
		return false
	}
	rawHeader, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(rawHeader, &header); err != nil || header.Alg != v.method.Alg() {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	signingInput := parts[0] + "." + base64.RawURLEncoding.EncodeToString(content)
	return v.method.Verify(signingInput, sig, v.key) == nil
}

// NewVerifier builds the verifier named by scheme.
func NewVerifier(scheme string, secret, publicKeyPEM []byte) (Verifier, error) {
	switch scheme {
	case "", SchemeHMACSHA256:
		if len(secret) == 0 {
			return nil, fmt.Errorf("webhook secret is required for %s", SchemeHMACSHA256)
		}
		return NewHMACVerifier(secret), nil
	case SchemeJWSDetached:
		return NewJWSVerifier(publicKeyPEM)
	default:
		return nil, fmt.Errorf("unknown signature scheme %q", scheme)
	}
}
