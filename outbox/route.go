package outbox

import (
	"context"
	"fmt"
	"sort"

	"github.com/tezit/relay/protocol"
	"github.com/tezit/relay/store"
)

// AddressResolver turns the embedding application's user ids into federation
// addresses. The relay ships a static implementation; a deployment backs it
// with its own user directory.
type AddressResolver interface {
	Resolve(ctx context.Context, userIDs []string) ([]protocol.Address, error)
}

// StaticResolver resolves user ids through a fixed map.
type StaticResolver struct {
	Addresses map[string]protocol.Address
}

func (r *StaticResolver) Resolve(_ context.Context, userIDs []string) ([]protocol.Address, error) {
	addrs := make([]protocol.Address, 0, len(userIDs))
	for _, id := range userIDs {
		addr, ok := r.Addresses[id]
		if !ok {
			return nil, fmt.Errorf("unknown recipient %q", id)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// Route resolves recipient ids to addresses and queues one bundle per remote
// host. See RouteAddresses.
func (e *Engine) Route(ctx context.Context, tez protocol.Tez, items []protocol.ContextItem, sender protocol.Address, recipientIDs []string) ([]*store.OutboxItem, error) {
	if e.resolver == nil {
		return nil, fmt.Errorf("no address resolver configured")
	}
	addrs, err := e.resolver.Resolve(ctx, recipientIDs)
	if err != nil {
		return nil, fmt.Errorf("resolving recipients: %w", err)
	}
	return e.RouteAddresses(ctx, tez, items, sender, addrs)
}

// RouteAddresses queues one bundle per remote recipient host and signals the
// drain loop. Local addresses are dropped from the routing set; a send with
// no remote recipients queues nothing. All bundles are built before any row
// is enqueued, so a sanitizer rejection queues nothing at all.
func (e *Engine) RouteAddresses(ctx context.Context, tez protocol.Tez, items []protocol.ContextItem, sender protocol.Address, addrs []protocol.Address) ([]*store.OutboxItem, error) {
	remote := make([]protocol.Address, 0, len(addrs))
	for _, addr := range addrs {
		if addr.IsLocal(e.cfg.LocalHost) {
			continue
		}
		remote = append(remote, addr)
	}
	if len(remote) == 0 {
		return nil, nil
	}

	groups := protocol.GroupByHost(remote)
	hosts := make([]string, 0, len(groups))
	for host := range groups {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	bundles := make(map[string]*protocol.FederationBundle, len(hosts))
	for _, host := range hosts {
		bundle, err := protocol.BuildBundle(tez, items, sender, groups[host])
		if err != nil {
			return nil, fmt.Errorf("building bundle for %s: %w", host, err)
		}
		bundles[host] = bundle
	}

	now := e.clk.Now()
	queued := make([]*store.OutboxItem, 0, len(hosts))
	for _, host := range hosts {
		bundle := bundles[host]
		item := &store.OutboxItem{
			ID:              e.ids.New(),
			TezID:           tez.ID,
			TargetHost:      host,
			TargetAddresses: bundle.Recipients,
			Bundle:          bundle,
			Status:          store.StatusPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := e.store.EnqueueOutbox(ctx, item); err != nil {
			return queued, fmt.Errorf("enqueueing bundle for %s: %w", host, err)
		}
		e.metrics.OutboxEnqueued.Inc()
		e.log.Info("bundle queued", "target", host, "tez", tez.ID, "recipients", len(bundle.Recipients))
		queued = append(queued, item)
	}

	e.signalDrain()
	return queued, nil
}
