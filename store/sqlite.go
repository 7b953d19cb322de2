package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements Store with SQLite persistence, for single-node
// deployments. path can be a file path or ":memory:".
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) a SQLite-backed store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// The drain loop and HTTP handlers share this connection; a single writer
	// avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, path: path}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS federated_servers (
		host TEXT PRIMARY KEY,
		server_id TEXT NOT NULL,
		public_key TEXT NOT NULL,
		inbox_path TEXT NOT NULL,
		protocol_version TEXT NOT NULL,
		profiles TEXT NOT NULL DEFAULT '[]',
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS federation_outbox (
		id TEXT PRIMARY KEY,
		tez_id TEXT NOT NULL,
		target_host TEXT NOT NULL,
		target_addresses TEXT NOT NULL,
		bundle TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TIMESTAMP,
		next_retry_at TIMESTAMP,
		delivered_at TIMESTAMP,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_status ON federation_outbox(status);
	CREATE INDEX IF NOT EXISTS idx_outbox_next_retry ON federation_outbox(next_retry_at);

	CREATE TABLE IF NOT EXISTS federated_tez (
		id TEXT PRIMARY KEY,
		local_tez_id TEXT NOT NULL,
		remote_tez_id TEXT NOT NULL DEFAULT '',
		remote_host TEXT NOT NULL,
		direction TEXT NOT NULL,
		bundle_hash TEXT NOT NULL,
		federated_at TIMESTAMP NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_federated_tez_hash ON federated_tez(bundle_hash, direction);

	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) UpsertServer(ctx context.Context, srv *RemoteServer) error {
	profiles, err := encodeJSON(srv.Profiles)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO federated_servers
		(host, server_id, public_key, inbox_path, protocol_version, profiles, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (host) DO UPDATE SET
		server_id = excluded.server_id,
		public_key = excluded.public_key,
		inbox_path = excluded.inbox_path,
		protocol_version = excluded.protocol_version,
		profiles = excluded.profiles,
		updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		srv.Host, srv.ServerID, srv.PublicKey, srv.InboxPath, srv.ProtocolVersion, profiles, time.Now().UTC())
	return err
}

func (s *SQLiteStore) ServerByHost(ctx context.Context, host string) (*RemoteServer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT host, server_id, public_key, inbox_path, protocol_version, profiles, updated_at
		FROM federated_servers WHERE host = ?
	`, host)

	var srv RemoteServer
	var profiles string
	err := row.Scan(&srv.Host, &srv.ServerID, &srv.PublicKey, &srv.InboxPath, &srv.ProtocolVersion, &profiles, &srv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning server row: %w", err)
	}
	if err := decodeJSON(profiles, &srv.Profiles); err != nil {
		return nil, err
	}
	return &srv, nil
}

func (s *SQLiteStore) EnqueueOutbox(ctx context.Context, item *OutboxItem) error {
	addresses, bundle, err := encodeOutboxPayload(item)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
	INSERT INTO federation_outbox
		(id, tez_id, target_host, target_addresses, bundle, status, attempts,
		 last_attempt_at, next_retry_at, delivered_at, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		item.ID, item.TezID, item.TargetHost, addresses, bundle, string(item.Status), item.Attempts,
		nullTime(item.LastAttemptAt), nullTime(item.NextRetryAt), nullTime(item.DeliveredAt),
		item.LastError, createdAt, now)
	return err
}

func (s *SQLiteStore) OutboxByID(ctx context.Context, id string) (*OutboxItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM federation_outbox WHERE id = ?`, id)
	item, err := scanOutboxItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

func (s *SQLiteStore) DueOutbox(ctx context.Context, now time.Time, limit int) ([]*OutboxItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM federation_outbox
		WHERE status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at ASC
		LIMIT ?
	`, string(StatusPending), string(StatusFailed), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOutboxItems(rows)
}

func (s *SQLiteStore) UpdateOutbox(ctx context.Context, item *OutboxItem) error {
	addresses, bundle, err := encodeOutboxPayload(item)
	if err != nil {
		return err
	}

	query := `
	UPDATE federation_outbox SET
		tez_id = ?, target_host = ?, target_addresses = ?, bundle = ?, status = ?,
		attempts = ?, last_attempt_at = ?, next_retry_at = ?, delivered_at = ?,
		last_error = ?, updated_at = ?
	WHERE id = ?
	`

	_, err = s.db.ExecContext(ctx, query,
		item.TezID, item.TargetHost, addresses, bundle, string(item.Status), item.Attempts,
		nullTime(item.LastAttemptAt), nullTime(item.NextRetryAt), nullTime(item.DeliveredAt),
		item.LastError, time.Now().UTC(), item.ID)
	return err
}

func (s *SQLiteStore) ListOutbox(ctx context.Context, status OutboxStatus, limit int) ([]*OutboxItem, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+outboxColumns+` FROM federation_outbox ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+outboxColumns+` FROM federation_outbox WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
			string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOutboxItems(rows)
}

func (s *SQLiteStore) InsertFederatedTez(ctx context.Context, rec *FederatedTez) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO federated_tez (id, local_tez_id, remote_tez_id, remote_host, direction, bundle_hash, federated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.LocalTezID, rec.RemoteTezID, rec.RemoteHost, rec.Direction, rec.BundleHash, rec.FederatedAt)
	return err
}

func (s *SQLiteStore) FederatedTezByHash(ctx context.Context, bundleHash, direction string) (*FederatedTez, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, local_tez_id, remote_tez_id, remote_host, direction, bundle_hash, federated_at
		FROM federated_tez WHERE bundle_hash = ? AND direction = ?
	`, bundleHash, direction)

	var rec FederatedTez
	err := row.Scan(&rec.ID, &rec.LocalTezID, &rec.RemoteTezID, &rec.RemoteHost, &rec.Direction, &rec.BundleHash, &rec.FederatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning receipt row: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) RecordAudit(ctx context.Context, event *AuditEvent) error {
	metadata, err := encodeJSON(event.Metadata)
	if err != nil {
		return err
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, actor, action, target_type, target_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.Actor, event.Action, event.TargetType, event.TargetID, metadata, createdAt)
	return err
}

// Path returns the database file path (or ":memory:").
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
