// Package store persists the durable federation state: known remote servers,
// the delivery outbox, federation receipts and the audit trail. Three
// interchangeable backends implement the same interface; memory for tests,
// sqlite for single-node deployments, postgres for production.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tezit/relay/protocol"
)

// Direction values for FederatedTez receipts.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// OutboxStatus is the delivery state of an outbox row.
type OutboxStatus string

const (
	StatusPending   OutboxStatus = "pending"
	StatusDelivered OutboxStatus = "delivered"
	StatusFailed    OutboxStatus = "failed"
	StatusExpired   OutboxStatus = "expired"
)

// Terminal reports whether the delivery engine is done with a row. An
// expired row can still return to the queue through an operator requeue.
func (s OutboxStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusExpired
}

// RemoteServer is the durable record of a federation peer, seeded by an
// operator to allow-list a peer whose well-known is unreachable. Discovery
// reads this table as its fallback but never writes it; live fetch results
// stay in the TTL cache only.
type RemoteServer struct {
	Host            string
	ServerID        string
	PublicKey       string
	InboxPath       string
	ProtocolVersion string
	Profiles        []string
	UpdatedAt       time.Time
}

// OutboxItem is one unit of pending or attempted delivery: a bundle bound for
// one target host. Terminal rows (delivered, expired) are never mutated again
// and are retained indefinitely for audit.
type OutboxItem struct {
	ID              string
	TezID           string
	TargetHost      string
	TargetAddresses []string
	Bundle          *protocol.FederationBundle
	Status          OutboxStatus
	Attempts        int
	LastAttemptAt   *time.Time
	NextRetryAt     *time.Time
	DeliveredAt     *time.Time
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// FederatedTez is a receipt of a successful cross-server exchange, one row
// per delivered or accepted bundle. The (bundle_hash, direction) pair is
// unique and backs inbound dedup.
type FederatedTez struct {
	ID          string
	LocalTezID  string
	RemoteTezID string
	RemoteHost  string
	Direction   string
	BundleHash  string
	FederatedAt time.Time
}

// AuditEvent is one append-only entry in the audit trail.
type AuditEvent struct {
	ID         string
	Actor      string
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]string
	CreatedAt  time.Time
}

// Store is the durable-state interface shared by all backends. Lookups
// return (nil, nil) when no row matches.
type Store interface {
	UpsertServer(ctx context.Context, srv *RemoteServer) error
	ServerByHost(ctx context.Context, host string) (*RemoteServer, error)

	EnqueueOutbox(ctx context.Context, item *OutboxItem) error
	OutboxByID(ctx context.Context, id string) (*OutboxItem, error)
	DueOutbox(ctx context.Context, now time.Time, limit int) ([]*OutboxItem, error)
	UpdateOutbox(ctx context.Context, item *OutboxItem) error
	ListOutbox(ctx context.Context, status OutboxStatus, limit int) ([]*OutboxItem, error)

	InsertFederatedTez(ctx context.Context, rec *FederatedTez) error
	FederatedTezByHash(ctx context.Context, bundleHash, direction string) (*FederatedTez, error)

	RecordAudit(ctx context.Context, event *AuditEvent) error

	Close() error
}

// encodeJSON serializes list/map columns for the SQL backends.
func encodeJSON(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding column: %w", err)
	}
	return string(raw), nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decoding column: %w", err)
	}
	return nil
}
