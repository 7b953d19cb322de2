// Package identity owns this server's federation identity: an Ed25519
// keypair created on first boot, persisted as PEM files, and loaded on every
// boot after. The derived server id (hex SHA-256 of the DER public key) is
// the stable name other servers know this one by; losing or regenerating the
// keypair changes it and invalidates the trust peers hold in the old key.
package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tezit/relay/crypto"
)

// Key file names inside a data directory.
const (
	privateKeyFile = "private_key.pem"
	publicKeyFile  = "public_key.pem"
)

// File modes: the private key is readable by the server user only.
const (
	privateKeyMode = 0o600
	publicKeyMode  = 0o644
	dataDirMode    = 0o700
)

// ServerIdentity is this server's loaded cryptographic identity. It is
// created once per process and read-only afterwards; the private key never
// leaves this struct except to sign.
type ServerIdentity struct {
	// ServerID is the lowercase hex SHA-256 digest of the DER-encoded
	// public key, the stable identifier peers cache for this server.
	ServerID string

	// Host is this server's advertised hostname, taken from configuration.
	Host string

	// PublicKey is the raw Ed25519 public key.
	PublicKey crypto.PublicKey

	// PublicKeyBase64 is the wire form of the public key (base64 over DER),
	// as published in the well-known document.
	PublicKeyBase64 string

	// Regenerated is true when this identity replaced an existing one whose
	// key material was unusable. Callers must treat that as an operational
	// event: every signature the old key produced is now unverifiable.
	Regenerated bool

	privateKey crypto.PrivateKey
}

// Sign signs data with this server's private key.
func (id *ServerIdentity) Sign(data []byte) (crypto.Signature, error) {
	return crypto.Sign(id.privateKey, data)
}

// PrivateKey exposes the signing key for request-signing call sites. The key
// must never be serialized or transmitted.
func (id *ServerIdentity) PrivateKey() crypto.PrivateKey {
	return id.privateKey
}

// VerifySignature reports whether sig is a valid signature over data by the
// holder of the given base64-DER public key. It is a pure operation with no
// access to this server's own keys.
func VerifySignature(data []byte, sig crypto.Signature, publicKeyBase64 string) bool {
	pub, err := crypto.ParsePublicKeyBase64(publicKeyBase64)
	if err != nil {
		return false
	}
	return sig.Verify(pub, data)
}

// Config locates the identity on disk.
type Config struct {
	// Host is this server's advertised hostname.
	Host string `yaml:"host"`

	// DataDir is the primary directory for key files.
	DataDir string `yaml:"data_dir"`

	// FallbackDataDir is tried when DataDir is unusable. Optional.
	FallbackDataDir string `yaml:"fallback_data_dir"`
}

// Service loads or creates the server identity. Load is idempotent and
// memoized for the process lifetime, so every caller shares one identity.
type Service struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	loaded *ServerIdentity
}

// NewService creates an identity service for the given directories. Nothing
// touches the filesystem until Load.
func NewService(cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{cfg: cfg, log: log}
}

// Load returns the server identity, creating it on first boot. The result is
// cached; subsequent calls return the same identity without filesystem
// access. An error means no configured directory could hold an identity, and
// the server cannot serve federation.
func (s *Service) Load() (*ServerIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded != nil {
		return s.loaded, nil
	}

	id, err := s.loadOrCreate()
	if err != nil {
		return nil, err
	}
	s.loaded = id
	return id, nil
}

func (s *Service) dirs() []string {
	dirs := []string{s.cfg.DataDir}
	if s.cfg.FallbackDataDir != "" {
		dirs = append(dirs, s.cfg.FallbackDataDir)
	}
	return dirs
}

func (s *Service) loadOrCreate() (*ServerIdentity, error) {
	var (
		errs   []error
		hadKey bool
	)

	// A directory that already holds key material wins over creating fresh
	// keys elsewhere.
	for _, dir := range s.dirs() {
		path := filepath.Join(dir, privateKeyFile)
		raw, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		hadKey = true
		if err == nil {
			key, perr := crypto.DecodePrivateKeyPEM(raw)
			if perr == nil {
				return s.identityFromKey(dir, key, false)
			}
			err = perr
		}

		// The key exists but is unusable. Regenerating restores service at
		// the cost of a new server id; peers that cached the old key will
		// reject this server until they re-discover it.
		s.log.Error("stored identity key is unusable, generating a replacement",
			"path", path, "err", err)
		id, cerr := s.createIn(dir)
		if cerr == nil {
			id.Regenerated = true
			return id, nil
		}
		errs = append(errs, cerr)
	}

	// First run, or every directory holding a corrupt key was unwritable.
	for _, dir := range s.dirs() {
		id, err := s.createIn(dir)
		if err == nil {
			id.Regenerated = hadKey
			if dir != s.cfg.DataDir {
				s.log.Warn("identity created in fallback data directory", "dir", dir)
			}
			return id, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("establishing server identity: %w", errors.Join(errs...))
}

// createIn generates a fresh keypair and persists both halves in dir,
// overwriting whatever was there.
func (s *Service) createIn(dir string) (*ServerIdentity, error) {
	if err := os.MkdirAll(dir, dataDirMode); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dir, err)
	}

	_, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}

	privPEM, err := crypto.EncodePrivateKeyPEM(priv)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), privPEM, privateKeyMode); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}

	s.log.Info("generated new server identity", "dir", dir)
	return s.identityFromKey(dir, priv, false)
}

// identityFromKey derives the full identity from a private key and makes
// sure the public PEM on disk matches it.
func (s *Service) identityFromKey(dir string, key crypto.PrivateKey, regenerated bool) (*ServerIdentity, error) {
	pub, err := key.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}
	serverID, err := crypto.DeriveServerID(pub)
	if err != nil {
		return nil, err
	}
	pubB64, err := crypto.MarshalPublicKeyBase64(pub)
	if err != nil {
		return nil, err
	}

	// The public file is advisory (the private key embeds the public half);
	// keep it current but do not fail identity loading over it.
	pubPEM, err := crypto.EncodePublicKeyPEM(pub)
	if err != nil {
		return nil, err
	}
	pubPath := filepath.Join(dir, publicKeyFile)
	if existing, rerr := os.ReadFile(pubPath); rerr != nil || string(existing) != string(pubPEM) {
		if werr := os.WriteFile(pubPath, pubPEM, publicKeyMode); werr != nil {
			s.log.Warn("could not refresh public key file", "path", pubPath, "err", werr)
		}
	}

	return &ServerIdentity{
		ServerID:        serverID,
		Host:            s.cfg.Host,
		PublicKey:       pub,
		PublicKeyBase64: pubB64,
		Regenerated:     regenerated,
		privateKey:      key,
	}, nil
}
