package passport

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet signs passport claims and verifies past keys via kid lookup.
// Each implementation is locked to a single algorithm family; tokens
// presenting any other alg are rejected outright.
type KeySet interface {
	Sign(claims jwt.Claims) (string, error)
	KeyFunc() jwt.Keyfunc
	CurrentKeyID() string
}

// RSAKeySet signs RS256 and keeps retired keys verifiable until rotation
// history is pruned.
type RSAKeySet struct {
	mu         sync.RWMutex
	currentKID string
	keys       map[string]*rsa.PrivateKey
}

// NewRSAKeySet wraps an initial key.
func NewRSAKeySet(key *rsa.PrivateKey, kid string) *RSAKeySet {
	return &RSAKeySet{
		currentKID: kid,
		keys:       map[string]*rsa.PrivateKey{kid: key},
	}
}

// NewRSAKeySetFromPEM parses a PKCS#1 or PKCS#8 private key.
func NewRSAKeySetFromPEM(pemBytes []byte, kid string) (*RSAKeySet, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("passport: no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return NewRSAKeySet(key, kid), nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("passport: parse signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("passport: signing key is not RSA")
	}
	return NewRSAKeySet(key, kid), nil
}

// Rotate installs a new current key; retired keys stay verifiable.
func (ks *RSAKeySet) Rotate(key *rsa.PrivateKey, kid string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[kid] = key
	ks.currentKID = kid
}

func (ks *RSAKeySet) Sign(claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	kid := ks.currentKID
	key := ks.keys[kid]
	ks.mu.RUnlock()
	if key == nil {
		return "", fmt.Errorf("passport: no active signing key")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

func (ks *RSAKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("passport: unexpected signing method %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("passport: token missing kid")
		}
		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, ok := ks.keys[kid]
		if !ok {
			return nil, fmt.Errorf("passport: unknown signing key %q", kid)
		}
		return &key.PublicKey, nil
	}
}

func (ks *RSAKeySet) CurrentKeyID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.currentKID
}

// HMACKeySet signs HS256 for single-trust-domain deployments.
type HMACKeySet struct {
	secret []byte
	kid    string
}

func NewHMACKeySet(secret []byte, kid string) *HMACKeySet {
	return &HMACKeySet{secret: secret, kid: kid}
}

func (ks *HMACKeySet) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = ks.kid
	return token.SignedString(ks.secret)
}

func (ks *HMACKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("passport: unexpected signing method %v", token.Header["alg"])
		}
		return ks.secret, nil
	}
}

func (ks *HMACKeySet) CurrentKeyID() string { return ks.kid }
