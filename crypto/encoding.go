package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

const (
	pemTypePrivateKey = "PRIVATE KEY"
	pemTypePublicKey  = "PUBLIC KEY"
)

// MarshalPublicKeyDER encodes the public key into DER (SPKI) form.
// The DER form is the canonical input for server identifier derivation and
// the wire form (base64) in discovery documents.
func MarshalPublicKeyDER(pk PublicKey) ([]byte, error) {
	if len(pk) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: %d", len(pk))
	}
	der, err := x509.MarshalPKIXPublicKey(ed25519.PublicKey(pk))
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return der, nil
}

// ParsePublicKeyDER decodes a DER (SPKI) encoded Ed25519 public key.
func ParsePublicKeyDER(der []byte) (PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected public key type %T", parsed)
	}
	return NewPublicKeyFromBytes(edKey), nil
}

// MarshalPublicKeyBase64 encodes the public key as base64 over its DER form.
// This is the representation peers exchange in well-known documents.
func MarshalPublicKeyBase64(pk PublicKey) (string, error) {
	der, err := MarshalPublicKeyDER(pk)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePublicKeyBase64 decodes a base64-over-DER public key received from a peer.
func ParsePublicKeyBase64(s string) (PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	return ParsePublicKeyDER(der)
}

// EncodePublicKeyPEM renders the public key as a PEM "PUBLIC KEY" block.
func EncodePublicKeyPEM(pk PublicKey) ([]byte, error) {
	der, err := MarshalPublicKeyDER(pk)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePublicKey, Bytes: der}), nil
}

// DecodePublicKeyPEM parses a PEM "PUBLIC KEY" block into a PublicKey.
func DecodePublicKeyPEM(data []byte) (PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypePublicKey {
		return nil, fmt.Errorf("no %s block found", pemTypePublicKey)
	}
	return ParsePublicKeyDER(block.Bytes)
}

// EncodePrivateKeyPEM renders the private key as a PKCS#8 PEM "PRIVATE KEY" block.
func EncodePrivateKeyPEM(sk PrivateKey) ([]byte, error) {
	if len(sk) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: %d", len(sk))
	}
	der, err := x509.MarshalPKCS8PrivateKey(ed25519.PrivateKey(sk))
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der}), nil
}

// DecodePrivateKeyPEM parses a PKCS#8 PEM "PRIVATE KEY" block into a PrivateKey.
func DecodePrivateKeyPEM(data []byte) (PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypePrivateKey {
		return nil, fmt.Errorf("no %s block found", pemTypePrivateKey)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected private key type %T", parsed)
	}
	return NewPrivateKeyFromBytes(edKey), nil
}

// DeriveServerID computes the stable identifier for a public key: the
// lowercase hex SHA-256 digest of its DER (SPKI) encoding.
func DeriveServerID(pk PublicKey) (string, error) {
	der, err := MarshalPublicKeyDER(pk)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}
