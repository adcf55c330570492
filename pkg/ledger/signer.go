package ledger

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// Signer seals Merkle roots and evidence packages. Implementations must
// be deterministic about identity (KeyID) so auditors can locate the
// verification key.
type Signer interface {
	Sign(data []byte) (string, error)
	Verify(data []byte, signature string) error
	KeyID() string
}

// RSASigner signs with RSASSA-PKCS1-v1_5 over SHA-256.
type RSASigner struct {
	key   *rsa.PrivateKey
	keyID string
}

// NewRSASigner wraps an existing private key.
func NewRSASigner(key *rsa.PrivateKey, keyID string) *RSASigner {
	return &RSASigner{key: key, keyID: keyID}
}

// NewRSASignerFromPEM parses a PKCS#1 or PKCS#8 encoded private key.
func NewRSASignerFromPEM(pemBytes []byte, keyID string) (*RSASigner, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("signer: no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &RSASigner{key: key, keyID: keyID}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signer: parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signer: PEM key is not RSA")
	}
	return &RSASigner{key: key, keyID: keyID}, nil
}

func (s *RSASigner) Sign(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, sum[:])
	if err != nil {
		return "", fmt.Errorf("signer: rsa sign: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

func (s *RSASigner) Verify(data []byte, signature string) error {
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("signer: decode signature: %w", err)
	}
	sum := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(&s.key.PublicKey, crypto.SHA256, sum[:], sig); err != nil {
		return fmt.Errorf("signer: verify: %w", err)
	}
	return nil
}

func (s *RSASigner) KeyID() string { return s.keyID }

// HMACSigner signs with HMAC-SHA256. Suitable for single-trust-domain
// deployments where verifier and signer share the secret.
type HMACSigner struct {
	secret []byte
	keyID  string
}

func NewHMACSigner(secret []byte, keyID string) *HMACSigner {
	return &HMACSigner{secret: secret, keyID: keyID}
}

func (s *HMACSigner) Sign(data []byte) (string, error) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (s *HMACSigner) Verify(data []byte, signature string) error {
	want, err := s.Sign(data)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return fmt.Errorf("signer: hmac mismatch")
	}
	return nil
}

func (s *HMACSigner) KeyID() string { return s.keyID }
