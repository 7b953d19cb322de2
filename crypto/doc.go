// Package crypto provides the cryptographic primitives for server-to-server
// federation.
//
// This package implements the low-level operations the federation protocol is
// built on, including:
//
//   - Digital signatures (Ed25519) for request authentication
//   - SPKI/DER and PEM encodings for key persistence and exchange
//   - Server identifier derivation (SHA-256 over the DER public key)
//
// Higher-level packages compose these primitives: the identity package owns
// key lifecycle and persistence, and the protocol package owns what gets
// signed.
//
// # Key Management
//
// Keys are Ed25519 throughout. Public keys travel between servers as
// base64-encoded DER (SPKI); private keys rest on disk as PKCS#8 PEM. All key
// types include helper methods for serialization and comparison.
//
// # Server Identity
//
// A server's identifier is the lowercase hex SHA-256 digest of its
// DER-encoded public key. The identifier is stable across restarts for as
// long as the keypair survives, and changes if and only if the key changes.
package crypto
