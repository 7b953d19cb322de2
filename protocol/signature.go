package protocol

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tezit/relay/crypto"
	"github.com/tezit/relay/federr"
)

// Signature header names. Every federation request carries all five.
const (
	HeaderSignature = "X-Tezit-Signature"
	HeaderServer    = "X-Tezit-Server"
	HeaderDate      = "X-Tezit-Date"
	HeaderDigest    = "X-Tezit-Digest"
	HeaderNonce     = "X-Request-Nonce"
)

// MaxClockSkew bounds how far a request's signing timestamp may drift from
// the receiver's clock, in either direction, before the request is stale.
const MaxClockSkew = 60 * time.Second

// Version is the federation protocol version this server speaks and
// advertises in its well-known document.
const Version = "1.0"

// BodyDigest computes the base64 SHA-256 digest of a request body. An empty
// body digests the empty string.
func BodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// CanonicalString assembles the exact bytes that get signed. HOST is the
// receiving server's host, which binds the signature to its recipient. The
// method is upper-cased so both ends canonicalize identically.
func CanonicalString(method, path, host, date, digest, nonce string) string {
	return strings.Join([]string{strings.ToUpper(method), path, host, date, digest, nonce}, "\n")
}

// SignRequest signs req in place: it computes the body digest and canonical
// string, signs with the sender's private key, and sets all five signature
// headers. The nonce must be unique per request; callers generate it with an
// IDGenerator so tests stay deterministic.
func SignRequest(req *http.Request, body []byte, senderHost, nonce string, key crypto.PrivateKey, now time.Time) error {
	path := req.URL.Path
	if path == "" {
		path = "/"
	}
	date := now.UTC().Format(time.RFC3339)
	digest := BodyDigest(body)

	canonical := CanonicalString(req.Method, path, req.URL.Host, date, digest, nonce)
	sig, err := crypto.Sign(key, []byte(canonical))
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	req.Header.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig.Bytes()))
	req.Header.Set(HeaderServer, senderHost)
	req.Header.Set(HeaderDate, date)
	req.Header.Set(HeaderDigest, digest)
	req.Header.Set(HeaderNonce, nonce)
	return nil
}

// SignatureHeaders carries the five signature header values of one request.
type SignatureHeaders struct {
	Signature string
	Server    string
	Date      string
	Digest    string
	Nonce     string
}

// ParseSignatureHeaders extracts the signature headers from an inbound
// request. Any absent or empty header fails with MissingSignatureHeaders;
// nothing else is checked at this stage because the sender's public key is
// not yet known.
func ParseSignatureHeaders(h http.Header) (*SignatureHeaders, error) {
	sh := &SignatureHeaders{
		Signature: h.Get(HeaderSignature),
		Server:    h.Get(HeaderServer),
		Date:      h.Get(HeaderDate),
		Digest:    h.Get(HeaderDigest),
		Nonce:     h.Get(HeaderNonce),
	}
	if sh.Signature == "" || sh.Server == "" || sh.Date == "" || sh.Digest == "" || sh.Nonce == "" {
		return nil, federr.ErrMissingSignatureHeaders
	}
	sh.Server = strings.ToLower(sh.Server)
	return sh, nil
}

// Verify checks an inbound request against the sender's public key. Checks
// run in a fixed order and fail closed: staleness first, then body digest,
// then the signature itself. localHost must be this server's advertised host,
// the HOST the sender is required to have signed.
func (sh *SignatureHeaders) Verify(method, path, localHost string, body []byte, senderKey crypto.PublicKey, now time.Time) error {
	signedAt, err := time.Parse(time.RFC3339, sh.Date)
	if err != nil {
		return federr.ErrStaleRequest
	}
	skew := now.Sub(signedAt)
	if skew > MaxClockSkew || skew < -MaxClockSkew {
		return federr.ErrStaleRequest
	}

	if BodyDigest(body) != sh.Digest {
		return federr.ErrDigestMismatch
	}

	rawSig, err := base64.StdEncoding.DecodeString(sh.Signature)
	if err != nil {
		return federr.ErrSignatureInvalid
	}
	if path == "" {
		path = "/"
	}
	canonical := CanonicalString(method, path, localHost, sh.Date, sh.Digest, sh.Nonce)
	if !crypto.NewSignature(rawSig).Verify(senderKey, []byte(canonical)) {
		return federr.ErrSignatureInvalid
	}
	return nil
}
