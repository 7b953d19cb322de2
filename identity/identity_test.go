package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testService(t *testing.T, dir string) *Service {
	t.Helper()
	return NewService(Config{Host: "local.test", DataDir: dir}, nil)
}

func TestLoadCreatesAndPersists(t *testing.T) {
	dir := t.TempDir()

	id, err := testService(t, dir).Load()
	require.NoError(t, err)
	require.Len(t, id.ServerID, 64)
	require.Equal(t, "local.test", id.Host)
	require.NotEmpty(t, id.PublicKeyBase64)
	require.False(t, id.Regenerated)

	privInfo, err := os.Stat(filepath.Join(dir, privateKeyFile))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(privateKeyMode), privInfo.Mode().Perm())

	pubInfo, err := os.Stat(filepath.Join(dir, publicKeyFile))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(publicKeyMode), pubInfo.Mode().Perm())

	// a second service (fresh process) loads the same identity
	again, err := testService(t, dir).Load()
	require.NoError(t, err)
	require.Equal(t, id.ServerID, again.ServerID)
	require.False(t, again.Regenerated)
}

func TestLoadIsMemoized(t *testing.T) {
	svc := testService(t, t.TempDir())

	first, err := svc.Load()
	require.NoError(t, err)
	second, err := svc.Load()
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestCorruptKeyRegenerates(t *testing.T) {
	dir := t.TempDir()

	original, err := testService(t, dir).Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, privateKeyFile), []byte("not a key"), privateKeyMode))

	replacement, err := testService(t, dir).Load()
	require.NoError(t, err)
	require.True(t, replacement.Regenerated)
	require.NotEqual(t, original.ServerID, replacement.ServerID)

	// the replacement persists like any other identity
	reloaded, err := testService(t, dir).Load()
	require.NoError(t, err)
	require.Equal(t, replacement.ServerID, reloaded.ServerID)
	require.False(t, reloaded.Regenerated)
}

func TestFallbackDataDir(t *testing.T) {
	base := t.TempDir()

	// a regular file where the primary directory should be makes MkdirAll fail
	blocked := filepath.Join(base, "blocked")
	require.NoError(t, os.WriteFile(blocked, nil, 0o644))
	fallback := filepath.Join(base, "fallback")

	svc := NewService(Config{Host: "local.test", DataDir: blocked, FallbackDataDir: fallback}, nil)
	id, err := svc.Load()
	require.NoError(t, err)
	require.False(t, id.Regenerated)

	_, err = os.Stat(filepath.Join(fallback, privateKeyFile))
	require.NoError(t, err)

	// subsequent loads find the key in the fallback directory
	again, err := NewService(Config{Host: "local.test", DataDir: blocked, FallbackDataDir: fallback}, nil).Load()
	require.NoError(t, err)
	require.Equal(t, id.ServerID, again.ServerID)
}

func TestNoUsableDirIsFatal(t *testing.T) {
	base := t.TempDir()
	blockedA := filepath.Join(base, "a")
	blockedB := filepath.Join(base, "b")
	require.NoError(t, os.WriteFile(blockedA, nil, 0o644))
	require.NoError(t, os.WriteFile(blockedB, nil, 0o644))

	svc := NewService(Config{Host: "local.test", DataDir: blockedA, FallbackDataDir: blockedB}, nil)
	_, err := svc.Load()
	require.Error(t, err)
}

func TestSignAndVerify(t *testing.T) {
	id, err := testService(t, t.TempDir()).Load()
	require.NoError(t, err)

	data := []byte("canonical request string")
	sig, err := id.Sign(data)
	require.NoError(t, err)

	require.True(t, VerifySignature(data, sig, id.PublicKeyBase64))
	require.False(t, VerifySignature([]byte("tampered"), sig, id.PublicKeyBase64))
	require.False(t, VerifySignature(data, sig, "bm90IGEga2V5"))

	other, err := testService(t, t.TempDir()).Load()
	require.NoError(t, err)
	require.False(t, VerifySignature(data, sig, other.PublicKeyBase64))
}
