package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tezit/relay/testutil"
)

// conformance tests run against every backend that can exist without an
// external server
func setupTestStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func testOutboxItem(t *testing.T, id string, createdAt time.Time) *OutboxItem {
	t.Helper()
	bundle, err := testutil.GenerateTestBundle(
		testutil.WithTezID("tez-"+id),
		testutil.WithContextItem("notes.txt", "text/plain", "attached to "+id),
	)
	require.NoError(t, err)
	return &OutboxItem{
		ID:              id,
		TezID:           "tez-" + id,
		TargetHost:      "remote.test",
		TargetAddresses: []string{"bob@remote.test"},
		Bundle:          bundle,
		Status:          StatusPending,
		CreatedAt:       createdAt,
	}
}

func TestServerRoundTrip(t *testing.T) {
	for name, s := range setupTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			missing, err := s.ServerByHost(ctx, "nowhere.test")
			require.NoError(t, err)
			require.Nil(t, missing)

			srv := &RemoteServer{
				Host:            "remote.test",
				ServerID:        "abc123",
				PublicKey:       "ZGVy",
				InboxPath:       "/api/federation/inbox",
				ProtocolVersion: "1.0",
				Profiles:        []string{"tez", "context"},
			}
			require.NoError(t, s.UpsertServer(ctx, srv))

			got, err := s.ServerByHost(ctx, "remote.test")
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Equal(t, srv.ServerID, got.ServerID)
			require.Equal(t, srv.InboxPath, got.InboxPath)
			require.Equal(t, srv.Profiles, got.Profiles)

			// upsert replaces
			srv.InboxPath = "/inbox/v2"
			require.NoError(t, s.UpsertServer(ctx, srv))
			got, err = s.ServerByHost(ctx, "remote.test")
			require.NoError(t, err)
			require.Equal(t, "/inbox/v2", got.InboxPath)
		})
	}
}

func TestOutboxLifecycle(t *testing.T) {
	for name, s := range setupTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			first := testOutboxItem(t, "a", base)
			second := testOutboxItem(t, "b", base.Add(time.Minute))
			require.NoError(t, s.EnqueueOutbox(ctx, first))
			require.NoError(t, s.EnqueueOutbox(ctx, second))

			// pending rows with no retry time are due immediately, oldest first
			due, err := s.DueOutbox(ctx, base.Add(2*time.Minute), 10)
			require.NoError(t, err)
			require.Len(t, due, 2)
			require.Equal(t, "a", due[0].ID)
			require.Equal(t, "b", due[1].ID)
			require.Equal(t, "tez-a", due[0].TezID)
			require.Equal(t, []string{"bob@remote.test"}, due[0].TargetAddresses)
			require.NotNil(t, due[0].Bundle)
			require.Equal(t, "tez-a", due[0].Bundle.Tez.ID)
			require.Len(t, due[0].Bundle.Context, 1)
			require.Equal(t, "attached to a", due[0].Bundle.Context[0].Content)

			// a failed row scheduled in the future is not due until then
			retryAt := base.Add(10 * time.Minute)
			attemptAt := base.Add(2 * time.Minute)
			first.Status = StatusFailed
			first.Attempts = 1
			first.LastAttemptAt = &attemptAt
			first.NextRetryAt = &retryAt
			first.LastError = "connection refused"
			require.NoError(t, s.UpdateOutbox(ctx, first))

			due, err = s.DueOutbox(ctx, base.Add(5*time.Minute), 10)
			require.NoError(t, err)
			require.Len(t, due, 1)
			require.Equal(t, "b", due[0].ID)

			due, err = s.DueOutbox(ctx, base.Add(11*time.Minute), 10)
			require.NoError(t, err)
			require.Len(t, due, 2)

			// terminal rows never come back
			deliveredAt := base.Add(3 * time.Minute)
			second.Status = StatusDelivered
			second.DeliveredAt = &deliveredAt
			second.NextRetryAt = nil
			require.NoError(t, s.UpdateOutbox(ctx, second))

			due, err = s.DueOutbox(ctx, base.Add(time.Hour), 10)
			require.NoError(t, err)
			require.Len(t, due, 1)
			require.Equal(t, "a", due[0].ID)
			require.Equal(t, 1, due[0].Attempts)
			require.Equal(t, "connection refused", due[0].LastError)
			require.NotNil(t, due[0].LastAttemptAt)
		})
	}
}

func TestOutboxByIDAndList(t *testing.T) {
	for name, s := range setupTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			missing, err := s.OutboxByID(ctx, "nope")
			require.NoError(t, err)
			require.Nil(t, missing)

			item := testOutboxItem(t, "a", base)
			bundle, err := testutil.GenerateTestBundle(
				testutil.WithTezID("tez-a"),
				testutil.WithRecipients(testutil.GenerateTestAddresses("remote.test", 3)...),
			)
			require.NoError(t, err)
			item.Bundle = bundle
			item.TargetAddresses = bundle.Recipients
			require.NoError(t, s.EnqueueOutbox(ctx, item))

			got, err := s.OutboxByID(ctx, "a")
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Equal(t, StatusPending, got.Status)
			require.Equal(t, bundle.Recipients, got.TargetAddresses)
			require.Len(t, got.Bundle.Recipients, 3)

			expired := testOutboxItem(t, "b", base.Add(time.Minute))
			expired.Status = StatusExpired
			require.NoError(t, s.EnqueueOutbox(ctx, expired))

			all, err := s.ListOutbox(ctx, "", 10)
			require.NoError(t, err)
			require.Len(t, all, 2)
			// newest first
			require.Equal(t, "b", all[0].ID)

			onlyExpired, err := s.ListOutbox(ctx, StatusExpired, 10)
			require.NoError(t, err)
			require.Len(t, onlyExpired, 1)
			require.Equal(t, "b", onlyExpired[0].ID)
		})
	}
}

func TestFederatedTezReceipts(t *testing.T) {
	for name, s := range setupTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			missing, err := s.FederatedTezByHash(ctx, "deadbeef", DirectionInbound)
			require.NoError(t, err)
			require.Nil(t, missing)

			rec := &FederatedTez{
				ID:          "r1",
				LocalTezID:  "tez-local",
				RemoteTezID: "tez-remote",
				RemoteHost:  "remote.test",
				Direction:   DirectionOutbound,
				BundleHash:  "deadbeef",
				FederatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			}
			require.NoError(t, s.InsertFederatedTez(ctx, rec))

			got, err := s.FederatedTezByHash(ctx, "deadbeef", DirectionOutbound)
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Equal(t, "tez-remote", got.RemoteTezID)

			// same hash, other direction: independent row
			inbound := *rec
			inbound.ID = "r2"
			inbound.Direction = DirectionInbound
			require.NoError(t, s.InsertFederatedTez(ctx, &inbound))

			got, err = s.FederatedTezByHash(ctx, "deadbeef", DirectionInbound)
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Equal(t, "r2", got.ID)
		})
	}
}

func TestRecordAudit(t *testing.T) {
	for name, s := range setupTestStores(t) {
		t.Run(name, func(t *testing.T) {
			event := &AuditEvent{
				ID:         "e1",
				Action:     "federation.sent",
				TargetType: "outbox",
				TargetID:   "a",
				Metadata:   map[string]string{"host": "remote.test"},
			}
			require.NoError(t, s.RecordAudit(context.Background(), event))
		})
	}

	mem := NewMemoryStore()
	require.NoError(t, mem.RecordAudit(context.Background(), &AuditEvent{ID: "e1", Action: "federation.sent"}))
	events := mem.AuditEvents()
	require.Len(t, events, 1)
	require.Equal(t, "federation.sent", events[0].Action)
	require.False(t, events[0].CreatedAt.IsZero())
}

func TestStatusTerminal(t *testing.T) {
	require.True(t, StatusDelivered.Terminal())
	require.True(t, StatusExpired.Terminal())
	require.False(t, StatusPending.Terminal())
	require.False(t, StatusFailed.Terminal())
}

func TestOpenFactory(t *testing.T) {
	s, err := Open(Config{})
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, s)

	s, err = Open(Config{Type: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(Config{Type: "postgres"})
	require.Error(t, err)

	_, err = Open(Config{Type: "etcd"})
	require.Error(t, err)
}
