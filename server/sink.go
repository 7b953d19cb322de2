package server

import (
	"context"

	"github.com/tezit/relay/clock"
	"github.com/tezit/relay/protocol"
)

// DeliverySink hands an accepted inbound bundle to the local message store.
// The embedding application implements it against whatever storage holds its
// Tez records; Accept returns the local id assigned to the stored Tez, which
// goes back to the sender in the inbox ack.
type DeliverySink interface {
	Accept(ctx context.Context, bundle *protocol.FederationBundle, senderHost string) (localTezID string, err error)
}

// NoopSink acknowledges bundles without storing them. Deployments that only
// consume receipts and the audit trail run with it; everything else plugs in
// a real sink.
type NoopSink struct {
	IDs clock.IDGenerator
}

// Accept assigns a fresh local id and discards the bundle.
func (s *NoopSink) Accept(context.Context, *protocol.FederationBundle, string) (string, error) {
	ids := s.IDs
	if ids == nil {
		ids = clock.UUIDGenerator{}
	}
	return ids.New(), nil
}
