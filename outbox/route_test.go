package outbox

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tezit/relay/federr"
	"github.com/tezit/relay/protocol"
	"github.com/tezit/relay/sanitize"
	"github.com/tezit/relay/store"
	"github.com/tezit/relay/testutil"
)

func TestRouteAddressesGroupsByHost(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newEngine(t, st, testutil.FixedClock())

	tez := protocol.Tez{ID: "tez-7", Body: "cross-server note", Author: "alice@local.test"}
	sender := protocol.Address{User: "alice", Host: "local.test"}
	addrs := []protocol.Address{
		{User: "carol", Host: "hosta.test"},
		{User: "bob", Host: "hostb.test"},
		{User: "alice2", Host: "hosta.test"},
		{User: "dave", Host: "local.test"},
	}

	queued, err := e.RouteAddresses(ctx, tez, nil, sender, addrs)
	require.NoError(t, err)
	require.Len(t, queued, 2)

	// One bundle per host, hosts in sorted order, local recipients dropped.
	require.Equal(t, "hosta.test", queued[0].TargetHost)
	require.Equal(t, []string{"alice2@hosta.test", "carol@hosta.test"}, queued[0].TargetAddresses)
	require.Equal(t, "hostb.test", queued[1].TargetHost)
	require.Equal(t, []string{"bob@hostb.test"}, queued[1].TargetAddresses)

	for _, item := range queued {
		require.Equal(t, store.StatusPending, item.Status)
		require.Equal(t, "tez-7", item.TezID)
		require.NotEmpty(t, item.Bundle.BundleHash)
		require.Equal(t, item.TargetAddresses, item.Bundle.Recipients)

		row, err := st.OutboxByID(ctx, item.ID)
		require.NoError(t, err)
		require.NotNil(t, row)
		require.Equal(t, store.StatusPending, row.Status)
	}

	// The two bundles differ only in recipients, so their hashes differ.
	require.NotEqual(t, queued[0].Bundle.BundleHash, queued[1].Bundle.BundleHash)
}

func TestRouteAddressesAllLocalQueuesNothing(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newEngine(t, st, testutil.FixedClock())

	queued, err := e.RouteAddresses(ctx, protocol.Tez{ID: "tez-8", Body: "stays home"},
		nil,
		protocol.Address{User: "alice", Host: "local.test"},
		[]protocol.Address{{User: "bob", Host: "local.test"}, {User: "carol", Host: "LOCAL.TEST"}})
	require.NoError(t, err)
	require.Empty(t, queued)

	rows, err := st.ListOutbox(ctx, "", 0)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestRouteAddressesRejectsOversizedContent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newEngine(t, st, testutil.FixedClock())

	items := []protocol.ContextItem{{
		Name:     "huge",
		MIMEType: "text/plain",
		Content:  strings.Repeat("a", sanitize.MaxContextItemBytes),
	}}

	queued, err := e.RouteAddresses(ctx, protocol.Tez{ID: "tez-9", Body: "x"}, items,
		protocol.Address{User: "alice", Host: "local.test"},
		[]protocol.Address{{User: "bob", Host: "remote.test"}})
	require.ErrorIs(t, err, federr.ErrContentTooLarge)
	require.Empty(t, queued)

	rows, err := st.ListOutbox(ctx, "", 0)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestRouteResolvesUserIDs(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := testutil.FixedClock()

	resolver := &StaticResolver{Addresses: map[string]protocol.Address{
		"u1": {User: "bob", Host: "remote.test"},
		"u2": {User: "carol", Host: "local.test"},
	}}
	e := newEngine(t, st, clk)
	e.resolver = resolver

	queued, err := e.Route(ctx, protocol.Tez{ID: "tez-10", Body: "hi"}, nil,
		protocol.Address{User: "alice", Host: "local.test"}, []string{"u1", "u2"})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, "remote.test", queued[0].TargetHost)

	_, err = e.Route(ctx, protocol.Tez{ID: "tez-11", Body: "hi"}, nil,
		protocol.Address{User: "alice", Host: "local.test"}, []string{"nobody"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown recipient")
}
