// Package discovery resolves the federation capabilities of remote servers.
//
// Resolution walks three layers: an in-memory TTL cache, the remote host's
// /.well-known/tezit.json document, and finally the operator-seeded server
// table. Network fetches run behind an SSRF guard that rejects internal
// hostnames and private address ranges outright, and the HTTP client never
// follows redirects. A host that cannot be resolved through any layer is
// reported as unknown, not as an error.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/tezit/relay/clock"
	"github.com/tezit/relay/crypto"
	"github.com/tezit/relay/federr"
	"github.com/tezit/relay/protocol"
	"github.com/tezit/relay/store"
)

const (
	defaultCacheTTL     = time.Hour
	defaultFetchTimeout = 10 * time.Second

	// maxWellKnownBytes bounds how much of a well-known response is read.
	maxWellKnownBytes = 64 * 1024
)

// Config tunes the discovery service. The zero value is usable; Scheme and
// AllowPrivateHosts exist so tests can point discovery at loopback servers.
type Config struct {
	// CacheTTL is how long a resolved server stays in the in-memory cache.
	CacheTTL time.Duration

	// FetchTimeout bounds a single well-known fetch.
	FetchTimeout time.Duration

	// Scheme is the URL scheme used for well-known fetches and inbox URLs.
	// Defaults to https.
	Scheme string

	// AllowPrivateHosts disables the SSRF guard. Never set outside tests.
	AllowPrivateHosts bool
}

// RemoteServerInfo is a resolved peer: everything needed to verify its
// signatures and deliver to its inbox.
type RemoteServerInfo struct {
	Host            string
	ServerID        string
	PublicKey       crypto.PublicKey
	PublicKeyBase64 string
	InboxPath       string
	ProtocolVersion string
	Profiles        []string

	// CachedAt is when this entry was resolved, for TTL accounting.
	CachedAt time.Time
}

// InboxURL returns the absolute URL of the peer's federation inbox.
func (i *RemoteServerInfo) InboxURL(scheme string) string {
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + i.Host + i.InboxPath
}

// Service resolves and caches remote server capabilities.
type Service struct {
	cfg    Config
	store  store.Store
	client *http.Client
	clk    clock.Clock
	log    *slog.Logger

	lookup func(ctx context.Context, host string) ([]netip.Addr, error)

	mu    sync.Mutex
	cache map[string]*RemoteServerInfo
}

// New creates a discovery service backed by st for seed lookups.
func New(cfg Config, st store.Store, clk clock.Clock, log *slog.Logger) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		cfg:   cfg,
		store: st,
		client: &http.Client{
			Timeout: cfg.FetchTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return errors.New("redirects are not followed during discovery")
			},
		},
		clk: clk,
		log: log,
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
		cache: make(map[string]*RemoteServerInfo),
	}
}

// Scheme reports the URL scheme discovery and delivery use for this peer set.
func (s *Service) Scheme() string {
	return s.cfg.Scheme
}

// Discover resolves host to its federation capabilities. It consults the
// cache, then the host's well-known document, then the seed table. It returns
// (nil, nil) when the host is unknown through every layer, and an error only
// for hard rejections (ErrSsrfBlocked) or storage failures.
func (s *Service) Discover(ctx context.Context, host string) (*RemoteServerInfo, error) {
	host = strings.ToLower(host)

	if info := s.cached(host); info != nil {
		return info, nil
	}

	fetchable := true
	if !s.cfg.AllowPrivateHosts {
		if err := s.validateHost(ctx, host); err != nil {
			if errors.Is(err, federr.ErrSsrfBlocked) {
				return nil, federr.ErrSsrfBlocked
			}
			// DNS trouble is not a verdict on the host; skip the network
			// layer and let the seed table answer.
			s.log.Debug("discovery resolution failed", "host", host, "err", err)
			fetchable = false
		}
	}

	if fetchable {
		if info := s.fetchWellKnown(ctx, host); info != nil {
			s.remember(info)
			return info, nil
		}
	}

	info, err := s.fromStore(ctx, host)
	if err != nil {
		return nil, err
	}
	if info != nil {
		s.remember(info)
		return info, nil
	}
	return nil, nil
}

func (s *Service) cached(host string) *RemoteServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.cache[host]
	if !ok {
		return nil
	}
	if s.clk.Now().Sub(info.CachedAt) >= s.cfg.CacheTTL {
		delete(s.cache, host)
		return nil
	}
	return info
}

func (s *Service) remember(info *RemoteServerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[info.Host] = info
}

// fetchWellKnown retrieves and validates host's well-known document. Every
// failure mode is soft: network errors, non-200 responses, unparsable or
// federation-disabled documents all yield nil so resolution can fall through.
func (s *Service) fetchWellKnown(ctx context.Context, host string) *RemoteServerInfo {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	url := s.cfg.Scheme + "://" + host + protocol.WellKnownPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Debug("well-known fetch failed", "host", host, "err", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.log.Debug("well-known fetch rejected", "host", host, "status", resp.StatusCode)
		return nil
	}

	var doc protocol.WellKnownDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxWellKnownBytes)).Decode(&doc); err != nil {
		s.log.Debug("well-known document unparsable", "host", host, "err", err)
		return nil
	}
	if err := doc.Validate(); err != nil {
		s.log.Debug("well-known document unusable", "host", host, "err", err)
		return nil
	}

	pub, err := crypto.ParsePublicKeyBase64(doc.PublicKey)
	if err != nil {
		s.log.Debug("well-known public key unparsable", "host", host, "err", err)
		return nil
	}

	return &RemoteServerInfo{
		Host:            host,
		ServerID:        doc.ServerID,
		PublicKey:       pub,
		PublicKeyBase64: doc.PublicKey,
		InboxPath:       doc.Federation.Inbox,
		ProtocolVersion: doc.ProtocolVersion,
		Profiles:        doc.Profiles,
		CachedAt:        s.clk.Now(),
	}
}

// fromStore answers from the operator-seeded server table. A row with an
// unusable key is logged and skipped rather than surfaced as an error.
func (s *Service) fromStore(ctx context.Context, host string) (*RemoteServerInfo, error) {
	row, err := s.store.ServerByHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	pub, err := crypto.ParsePublicKeyBase64(row.PublicKey)
	if err != nil {
		s.log.Warn("seeded server has an unusable public key", "host", host, "err", err)
		return nil, nil
	}

	inbox := row.InboxPath
	if inbox == "" {
		inbox = protocol.DefaultInboxPath
	}

	version := row.ProtocolVersion
	if version == "" {
		version = protocol.Version
	}

	return &RemoteServerInfo{
		Host:            host,
		ServerID:        row.ServerID,
		PublicKey:       pub,
		PublicKeyBase64: row.PublicKey,
		InboxPath:       inbox,
		ProtocolVersion: version,
		Profiles:        row.Profiles,
		CachedAt:        s.clk.Now(),
	}, nil
}
