package protocol

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tezit/relay/crypto"
	"github.com/tezit/relay/federr"
)

const (
	testTargetHost = "remote.example"
	testSenderHost = "sender.example"
	testInboxPath  = "/api/federation/inbox"
)

func signedTestRequest(t *testing.T, body []byte, key crypto.PrivateKey, now time.Time) *SignatureHeaders {
	t.Helper()
	req := httptest.NewRequest("POST", "https://"+testTargetHost+testInboxPath, nil)
	require.NoError(t, SignRequest(req, body, testSenderHost, "nonce-1", key, now))

	sh, err := ParseSignatureHeaders(req.Header)
	require.NoError(t, err)
	return sh
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"tez":"payload"}`)
	sh := signedTestRequest(t, body, priv, now)

	require.Equal(t, testSenderHost, sh.Server)
	require.NoError(t, sh.Verify("POST", testInboxPath, testTargetHost, body, pub, now))

	// a few seconds of clock drift stays within the window
	require.NoError(t, sh.Verify("POST", testInboxPath, testTargetHost, body, pub, now.Add(30*time.Second)))
	require.NoError(t, sh.Verify("POST", testInboxPath, testTargetHost, body, pub, now.Add(-30*time.Second)))
}

func TestVerifyRejectsMutatedBody(t *testing.T) {
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	now := time.Now().UTC()
	body := []byte(`{"tez":"payload"}`)
	sh := signedTestRequest(t, body, priv, now)

	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		err := sh.Verify("POST", testInboxPath, testTargetHost, mutated, pub, now)
		require.True(t, errors.Is(err, federr.ErrDigestMismatch), "mutation at byte %d", i)
	}
}

func TestVerifyRejectsMutatedSignature(t *testing.T) {
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	now := time.Now().UTC()
	body := []byte("payload")
	sh := signedTestRequest(t, body, priv, now)

	tampered := *sh
	raw := []byte(tampered.Signature)
	raw[0] ^= 0x01
	tampered.Signature = string(raw)

	err = tampered.Verify("POST", testInboxPath, testTargetHost, body, pub, now)
	require.True(t, errors.Is(err, federr.ErrSignatureInvalid))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	otherPub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	now := time.Now().UTC()
	body := []byte("payload")
	sh := signedTestRequest(t, body, priv, now)

	err = sh.Verify("POST", testInboxPath, testTargetHost, body, otherPub, now)
	require.True(t, errors.Is(err, federr.ErrSignatureInvalid))
}

func TestVerifyRejectsStaleRequest(t *testing.T) {
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	body := []byte("payload")
	sh := signedTestRequest(t, body, priv, now)

	// past and future beyond the 60s window, signature otherwise valid
	err = sh.Verify("POST", testInboxPath, testTargetHost, body, pub, now.Add(61*time.Second))
	require.True(t, errors.Is(err, federr.ErrStaleRequest))

	err = sh.Verify("POST", testInboxPath, testTargetHost, body, pub, now.Add(-61*time.Second))
	require.True(t, errors.Is(err, federr.ErrStaleRequest))
}

func TestVerifyRejectsUnparseableDate(t *testing.T) {
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	now := time.Now().UTC()
	sh := signedTestRequest(t, []byte("payload"), priv, now)
	sh.Date = "yesterday"

	err = sh.Verify("POST", testInboxPath, testTargetHost, []byte("payload"), pub, now)
	require.True(t, errors.Is(err, federr.ErrStaleRequest))
}

func TestVerifyRejectsWrongTargetHost(t *testing.T) {
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	now := time.Now().UTC()
	body := []byte("payload")
	sh := signedTestRequest(t, body, priv, now)

	// a signature bound to remote.example does not verify on another host
	err = sh.Verify("POST", testInboxPath, "other.example", body, pub, now)
	require.True(t, errors.Is(err, federr.ErrSignatureInvalid))
}

func TestParseSignatureHeadersMissing(t *testing.T) {
	_, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "https://"+testTargetHost+testInboxPath, nil)
	require.NoError(t, SignRequest(req, []byte("p"), testSenderHost, "nonce-1", priv, time.Now()))

	for _, header := range []string{HeaderSignature, HeaderServer, HeaderDate, HeaderDigest, HeaderNonce} {
		h := req.Header.Clone()
		h.Del(header)
		_, err := ParseSignatureHeaders(h)
		require.True(t, errors.Is(err, federr.ErrMissingSignatureHeaders), "missing %s", header)
	}
}

func TestStalenessCheckedBeforeDigest(t *testing.T) {
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sh := signedTestRequest(t, []byte("payload"), priv, now)

	// stale AND tampered: the staleness error wins
	err = sh.Verify("POST", testInboxPath, testTargetHost, []byte("tampered"), pub, now.Add(2*time.Minute))
	require.True(t, errors.Is(err, federr.ErrStaleRequest))
}

func TestBodyDigest(t *testing.T) {
	// SHA-256 of the empty string, base64
	require.Equal(t, "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=", BodyDigest(nil))
	require.Equal(t, BodyDigest([]byte("x")), BodyDigest([]byte("x")))
	require.NotEqual(t, BodyDigest([]byte("x")), BodyDigest([]byte("y")))
}

func TestCanonicalString(t *testing.T) {
	got := CanonicalString("POST", "/inbox", "host.test", "2026-03-01T12:00:00Z", "digest", "nonce")
	require.Equal(t, "POST\n/inbox\nhost.test\n2026-03-01T12:00:00Z\ndigest\nnonce", got)

	// A peer signing a lowercase method still canonicalizes identically.
	require.Equal(t, got, CanonicalString("post", "/inbox", "host.test", "2026-03-01T12:00:00Z", "digest", "nonce"))
}
