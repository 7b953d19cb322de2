// Package protocol implements the Tezit federation wire protocol: the
// canonical bundle format servers exchange, the HTTP signature scheme that
// authenticates every cross-server request, and the discovery document
// servers publish about themselves.
//
// # Request Authentication
//
// Every federation request is signed by the sending server with its Ed25519
// key over a canonical string of the request:
//
//	METHOD \n PATH \n HOST \n DATE \n DIGEST \n NONCE
//
// HOST is the receiving server's host, which binds a signature to its
// intended recipient; the sender identifies itself in a separate header.
// DIGEST is the base64 SHA-256 of the request body, which extends the
// signature over the payload. DATE bounds replay to a ±60 second window, and
// NONCE closes the remaining window via the receiver's replay cache.
//
// The five signature headers are:
//
//	X-Tezit-Signature   base64 Ed25519 signature over the canonical string
//	X-Tezit-Server      sender's hostname (discovery key for its public key)
//	X-Tezit-Date        RFC 3339 UTC timestamp of signing
//	X-Tezit-Digest      base64 SHA-256 of the request body
//	X-Request-Nonce     unique value per request
//
// Verification fails closed, in order: missing headers, stale date, digest
// mismatch, invalid signature. The receiver resolves the sender's public key
// through discovery before the signature check; an undiscoverable sender is
// rejected.
//
// # Bundles
//
// A FederationBundle is the unit of delivery: one Tez, its sanitized context
// items, the sender address and the recipient addresses at a single target
// host, plus a content hash over the canonicalized fields. The hash is
// deterministic (stable field order, sorted recipients, normalized
// timestamps) so both sides compute the same value for the same content, and
// downstream dedup and provenance checks compare hashes rather than payloads.
//
// # Discovery Documents
//
// Each federating server publishes /.well-known/tezit.json describing its
// server id, public key, inbox path and capabilities. The document is the
// root of trust on first contact (trust-on-first-use); Validate enforces the
// fields without which a peer cannot be federated with.
package protocol
