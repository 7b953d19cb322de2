package federr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	require.Equal(t, CodeUnauthenticated, CodeOf(ErrStaleRequest))
	require.Equal(t, CodePermissionDenied, CodeOf(ErrSsrfBlocked))
	require.Equal(t, CodeInvalidArgument, CodeOf(ErrContentTooLarge))
	require.Equal(t, CodeResourceExhausted, CodeOf(ErrRetriesExhausted))
	require.Equal(t, CodeUnknown, CodeOf(errors.New("plain")))
	require.Equal(t, CodeUnknown, CodeOf(nil))
}

func TestCodeSurvivesWrapping(t *testing.T) {
	wrapped := fmt.Errorf("deliver bundle: %w", ErrDigestMismatch)
	require.Equal(t, CodeUnauthenticated, CodeOf(wrapped))
	require.True(t, errors.Is(wrapped, ErrDigestMismatch))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := ErrDeliveryFailed("remote.example", cause)

	require.Equal(t, CodeUnavailable, CodeOf(err))
	require.True(t, errors.Is(err, cause))
	require.Contains(t, err.Error(), "remote.example")
	require.Contains(t, err.Error(), "connection refused")
}

func TestSentinelsAreDistinct(t *testing.T) {
	require.False(t, errors.Is(ErrStaleRequest, ErrSignatureInvalid))
	require.False(t, errors.Is(ErrDigestMismatch, ErrMissingSignatureHeaders))
}
