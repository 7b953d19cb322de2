package federr

var (
	// Signature protocol rejections, all failing closed on the receiving side.
	ErrMissingSignatureHeaders = Unauthorized("missing signature headers")
	ErrStaleRequest            = Unauthorized("request timestamp outside freshness window")
	ErrDigestMismatch          = Unauthorized("body digest mismatch")
	ErrSignatureInvalid        = Unauthorized("signature verification failed")
	ErrNonceReplayed           = Unauthorized("request nonce already seen")
	ErrUnknownServer           = Unauthorized("sending server is not discoverable")

	// Outbound policy rejections.
	ErrSsrfBlocked        = Forbidden("target host resolves to a blocked address")
	ErrFederationDisabled = FailedPrecondition("federation is disabled on this server")

	// Content rejections.
	ErrContentTooLarge = InvalidArg("content exceeds maximum federated size")
	ErrBundleHash      = InvalidArg("bundle hash does not match bundle content")

	// Queue states.
	ErrRetriesExhausted = New(CodeResourceExhausted, "delivery attempts exhausted")
	ErrNotRequeueable   = FailedPrecondition("only failed or expired items can be requeued")
)

func ErrDiscoveryFailed(host string, cause error) error {
	return Wrap(CodeNotFound, "no federation metadata for "+host, cause)
}

func ErrDeliveryFailed(host string, cause error) error {
	return Wrap(CodeUnavailable, "delivery to "+host+" failed", cause)
}
