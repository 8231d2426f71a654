// Package crypto provides the signing primitives for compliance fingerprints
// and report attestation: ed25519 keys, hex signatures and JWS compact
// serialization.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Signer signs report fingerprints. Implementations must be safe for
// concurrent use.
type Signer interface {
	// Sign returns the hex-encoded signature over data.
	Sign(data []byte) (string, error)
	// SignClaims returns a compact JWS over the claims (EdDSA).
	SignClaims(claims jwt.Claims) (string, error)
	PublicKey() string
	PublicKeyBytes() []byte
	KeyID() string
}

// Ed25519Signer is the default Signer.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromKey wraps an existing private key (e.g. loaded from a
// KMS or secret store by the caller).
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.privKey, data)), nil
}

// SignClaims produces a compact JWS with alg=EdDSA and the key id in the
// header.
func (s *Ed25519Signer) SignClaims(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}
	signed, err := token.SignedString(s.privKey)
	if err != nil {
		return "", fmt.Errorf("crypto: jws signing failed: %w", err)
	}
	return signed, nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) PublicKeyBytes() []byte { return s.pubKey }

func (s *Ed25519Signer) KeyID() string { return s.keyID }

// Verify checks a hex signature against a hex public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("crypto: invalid public key size %d", len(pubKey))
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

// VerifyJWS parses and verifies a compact JWS produced by SignClaims.
func VerifyJWS(tokenString string, pub ed25519.PublicKey, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("crypto: unexpected signing method %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		return fmt.Errorf("crypto: jws verification failed: %w", err)
	}
	return nil
}
