package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tezit/relay/federr"
	"github.com/tezit/relay/protocol"
	"github.com/tezit/relay/store"
	"github.com/tezit/relay/testutil"
)

// serveWellKnown runs a test peer that publishes doc and counts fetches.
func serveWellKnown(t *testing.T, doc *protocol.WellKnownDocument) (host string, hits *atomic.Int32) {
	t.Helper()
	hits = &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != protocol.WellKnownPath {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(doc))
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://"), hits
}

func TestDiscoverFetchesAndCaches(t *testing.T) {
	ctx := context.Background()
	clk := testutil.FixedClock()

	doc, _, err := testutil.GenerateTestServer("peer.test")
	require.NoError(t, err)
	host, hits := serveWellKnown(t, doc)

	svc := New(Config{Scheme: "http", AllowPrivateHosts: true}, store.NewMemoryStore(), clk, nil)

	info, err := svc.Discover(ctx, host)
	require.NoError(t, err)
	require.NotNil(t, info)
	require.Equal(t, doc.ServerID, info.ServerID)
	require.Equal(t, doc.PublicKey, info.PublicKeyBase64)
	require.Equal(t, "/api/federation/inbox", info.InboxPath)
	require.Equal(t, "http://"+host+"/api/federation/inbox", info.InboxURL("http"))

	// A second lookup inside the TTL is answered from the cache.
	again, err := svc.Discover(ctx, host)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, info.ServerID, again.ServerID)
	require.Equal(t, int32(1), hits.Load())

	// Past the TTL the document is fetched again.
	clk.Advance(time.Hour + time.Second)
	_, err = svc.Discover(ctx, host)
	require.NoError(t, err)
	require.Equal(t, int32(2), hits.Load())
}

func TestDiscoverUnknownHost(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	t.Cleanup(srv.Close)
	host := strings.TrimPrefix(srv.URL, "http://")

	svc := New(Config{Scheme: "http", AllowPrivateHosts: true}, store.NewMemoryStore(), testutil.FixedClock(), nil)

	info, err := svc.Discover(ctx, host)
	require.NoError(t, err)
	require.Nil(t, info)
}

func TestDiscoverUnusableDocumentFallsBackToSeed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	// The live document has federation disabled, so it is unusable.
	doc, _, err := testutil.GenerateTestServer("peer.test")
	require.NoError(t, err)
	doc.Federation.Enabled = false
	host, _ := serveWellKnown(t, doc)

	svc := New(Config{Scheme: "http", AllowPrivateHosts: true}, st, testutil.FixedClock(), nil)

	info, err := svc.Discover(ctx, host)
	require.NoError(t, err)
	require.Nil(t, info)

	// Seeding the host makes it resolvable despite the unusable document.
	require.NoError(t, st.UpsertServer(ctx, &store.RemoteServer{
		Host:      host,
		ServerID:  doc.ServerID,
		PublicKey: doc.PublicKey,
		InboxPath: "/inbox/custom",
	}))

	info, err = svc.Discover(ctx, host)
	require.NoError(t, err)
	require.NotNil(t, info)
	require.Equal(t, doc.ServerID, info.ServerID)
	require.Equal(t, "/inbox/custom", info.InboxPath)
}

func TestDiscoverDNSFailureFallsBackToSeed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	doc, _, err := testutil.GenerateTestServer("peer.example")
	require.NoError(t, err)
	require.NoError(t, st.UpsertServer(ctx, &store.RemoteServer{
		Host:      "peer.example",
		ServerID:  doc.ServerID,
		PublicKey: doc.PublicKey,
	}))

	svc := New(Config{}, st, testutil.FixedClock(), nil)
	svc.lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
		return nil, errors.New("no such host")
	}

	// Resolution failure is a soft miss, answered by the seed table. A row
	// without an inbox path gets the default.
	info, err := svc.Discover(ctx, "peer.example")
	require.NoError(t, err)
	require.NotNil(t, info)
	require.Equal(t, doc.ServerID, info.ServerID)
	require.Equal(t, protocol.DefaultInboxPath, info.InboxPath)

	// An unseeded host stays unknown, with no error.
	info, err = svc.Discover(ctx, "other.example")
	require.NoError(t, err)
	require.Nil(t, info)
}

func TestDiscoverRefusesRedirects(t *testing.T) {
	ctx := context.Background()

	doc, _, err := testutil.GenerateTestServer("peer.test")
	require.NoError(t, err)
	targetHost, targetHits := serveWellKnown(t, doc)

	redirecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://"+targetHost+protocol.WellKnownPath, http.StatusFound)
	}))
	t.Cleanup(redirecting.Close)
	host := strings.TrimPrefix(redirecting.URL, "http://")

	svc := New(Config{Scheme: "http", AllowPrivateHosts: true}, store.NewMemoryStore(), testutil.FixedClock(), nil)

	info, err := svc.Discover(ctx, host)
	require.NoError(t, err)
	require.Nil(t, info)
	require.Equal(t, int32(0), targetHits.Load())
}

func TestDiscoverBlockedHosts(t *testing.T) {
	ctx := context.Background()
	svc := New(Config{}, store.NewMemoryStore(), testutil.FixedClock(), nil)
	svc.lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
		t.Fatalf("unexpected DNS lookup for %s", host)
		return nil, nil
	}

	hosts := []string{
		"localhost",
		"localhost:8443",
		"admin.local",
		"db.internal",
		"peer.localhost",
		"10.0.0.1",
		"10.255.3.4:8443",
		"172.16.0.1",
		"172.31.255.255",
		"192.168.1.10",
		"127.0.0.1:443",
		"169.254.169.254",
		"0.0.0.0",
		"::1",
		"[::1]:8443",
		"fe80::1",
		"fc00::5",
		"::ffff:10.0.0.1",
	}
	for _, host := range hosts {
		info, err := svc.Discover(ctx, host)
		require.ErrorIs(t, err, federr.ErrSsrfBlocked, "host %s", host)
		require.Nil(t, info, "host %s", host)
	}
}

func TestDiscoverBlocksPrivateResolution(t *testing.T) {
	ctx := context.Background()
	svc := New(Config{}, store.NewMemoryStore(), testutil.FixedClock(), nil)
	svc.lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
		// A public address does not redeem a host that also resolves
		// into private space.
		return []netip.Addr{
			netip.MustParseAddr("93.184.216.34"),
			netip.MustParseAddr("10.0.0.5"),
		}, nil
	}

	info, err := svc.Discover(ctx, "rebind.example")
	require.ErrorIs(t, err, federr.ErrSsrfBlocked)
	require.Nil(t, info)
}

func TestValidateHostAllowsPublicAddresses(t *testing.T) {
	ctx := context.Background()
	svc := New(Config{}, store.NewMemoryStore(), testutil.FixedClock(), nil)
	svc.lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("93.184.216.34")}, nil
	}

	for _, host := range []string{
		"example.com",
		"example.com:8443",
		"93.184.216.34",
		"[2606:2800:220:1:248:1893:25c8:1946]:443",
	} {
		require.NoError(t, svc.validateHost(ctx, host), "host %s", host)
	}
}
