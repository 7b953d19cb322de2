package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/tezit/relay/protocol"
)

// PostgresStore implements Store with PostgreSQL persistence.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS federated_servers (
		host VARCHAR(255) PRIMARY KEY,
		server_id VARCHAR(64) NOT NULL,
		public_key TEXT NOT NULL,
		inbox_path VARCHAR(512) NOT NULL,
		protocol_version VARCHAR(16) NOT NULL,
		profiles TEXT NOT NULL DEFAULT '[]',
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS federation_outbox (
		id VARCHAR(64) PRIMARY KEY,
		tez_id VARCHAR(64) NOT NULL,
		target_host VARCHAR(255) NOT NULL,
		target_addresses TEXT NOT NULL,
		bundle TEXT NOT NULL,
		status VARCHAR(16) NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TIMESTAMP WITH TIME ZONE,
		next_retry_at TIMESTAMP WITH TIME ZONE,
		delivered_at TIMESTAMP WITH TIME ZONE,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_status ON federation_outbox(status);
	CREATE INDEX IF NOT EXISTS idx_outbox_next_retry ON federation_outbox(next_retry_at);

	CREATE TABLE IF NOT EXISTS federated_tez (
		id VARCHAR(64) PRIMARY KEY,
		local_tez_id VARCHAR(64) NOT NULL,
		remote_tez_id VARCHAR(64) NOT NULL DEFAULT '',
		remote_host VARCHAR(255) NOT NULL,
		direction VARCHAR(8) NOT NULL,
		bundle_hash VARCHAR(64) NOT NULL,
		federated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_federated_tez_hash ON federated_tez(bundle_hash, direction);

	CREATE TABLE IF NOT EXISTS audit_events (
		id VARCHAR(64) PRIMARY KEY,
		actor VARCHAR(255) NOT NULL DEFAULT '',
		action VARCHAR(64) NOT NULL,
		target_type VARCHAR(32) NOT NULL,
		target_id VARCHAR(255) NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStore) UpsertServer(ctx context.Context, srv *RemoteServer) error {
	profiles, err := encodeJSON(srv.Profiles)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO federated_servers
		(host, server_id, public_key, inbox_path, protocol_version, profiles, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, NOW())
	ON CONFLICT (host) DO UPDATE SET
		server_id = EXCLUDED.server_id,
		public_key = EXCLUDED.public_key,
		inbox_path = EXCLUDED.inbox_path,
		protocol_version = EXCLUDED.protocol_version,
		profiles = EXCLUDED.profiles,
		updated_at = NOW()
	`

	_, err = s.db.ExecContext(ctx, query,
		srv.Host, srv.ServerID, srv.PublicKey, srv.InboxPath, srv.ProtocolVersion, profiles)
	return err
}

func (s *PostgresStore) ServerByHost(ctx context.Context, host string) (*RemoteServer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT host, server_id, public_key, inbox_path, protocol_version, profiles, updated_at
		FROM federated_servers WHERE host = $1
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

const outboxColumns = `id, tez_id, target_host, target_addresses, bundle, status, attempts,
	last_attempt_at, next_retry_at, delivered_at, last_error, created_at, updated_at`

func (s *PostgresStore) EnqueueOutbox(ctx context.Context, item *OutboxItem) error {
	addresses, bundle, err := encodeOutboxPayload(item)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO federation_outbox
		(id, tez_id, target_host, target_addresses, bundle, status, attempts,
		 last_attempt_at, next_retry_at, delivered_at, last_error)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = s.db.ExecContext(ctx, query,
		item.ID, item.TezID, item.TargetHost, addresses, bundle, string(item.Status), item.Attempts,
		nullTime(item.LastAttemptAt), nullTime(item.NextRetryAt), nullTime(item.DeliveredAt), item.LastError)
	return err
}

func (s *PostgresStore) OutboxByID(ctx context.Context, id string) (*OutboxItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM federation_outbox WHERE id = $1`, id)
	item, err := scanOutboxItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

func (s *PostgresStore) DueOutbox(ctx context.Context, now time.Time, limit int) ([]*OutboxItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM federation_outbox
		WHERE status IN ($1, $2) AND (next_retry_at IS NULL OR next_retry_at <= $3)
		ORDER BY created_at ASC
		LIMIT $4
	`, string(StatusPending), string(StatusFailed), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOutboxItems(rows)
}

func (s *PostgresStore) UpdateOutbox(ctx context.Context, item *OutboxItem) error {
	addresses, bundle, err := encodeOutboxPayload(item)
	if err != nil {
		return err
	}

	query := `
	UPDATE federation_outbox SET
		tez_id = $2, target_host = $3, target_addresses = $4, bundle = $5, status = $6,
		attempts = $7, last_attempt_at = $8, next_retry_at = $9, delivered_at = $10,
		last_error = $11, updated_at = NOW()
	WHERE id = $1
	`

	_, err = s.db.ExecContext(ctx, query,
		item.ID, item.TezID, item.TargetHost, addresses, bundle, string(item.Status), item.Attempts,
		nullTime(item.LastAttemptAt), nullTime(item.NextRetryAt), nullTime(item.DeliveredAt), item.LastError)
	return err
}

func (s *PostgresStore) ListOutbox(ctx context.Context, status OutboxStatus, limit int) ([]*OutboxItem, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+outboxColumns+` FROM federation_outbox ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+outboxColumns+` FROM federation_outbox WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
			string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOutboxItems(rows)
}

func (s *PostgresStore) InsertFederatedTez(ctx context.Context, rec *FederatedTez) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO federated_tez (id, local_tez_id, remote_tez_id, remote_host, direction, bundle_hash, federated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.LocalTezID, rec.RemoteTezID, rec.RemoteHost, rec.Direction, rec.BundleHash, rec.FederatedAt)
	return err
}

func (s *PostgresStore) FederatedTezByHash(ctx context.Context, bundleHash, direction string) (*FederatedTez, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, local_tez_id, remote_tez_id, remote_host, direction, bundle_hash, federated_at
		FROM federated_tez WHERE bundle_hash = $1 AND direction = $2
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

func (s *PostgresStore) RecordAudit(ctx context.Context, event *AuditEvent) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.ID, event.Actor, event.Action, event.TargetType, event.TargetID, metadata, createdAt)
	return err
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PostgresStore)(nil)

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func encodeOutboxPayload(item *OutboxItem) (addresses, bundle string, err error) {
	addresses, err = encodeJSON(item.TargetAddresses)
	if err != nil {
		return "", "", err
	}
	bundle, err = encodeJSON(item.Bundle)
	if err != nil {
		return "", "", err
	}
	return addresses, bundle, nil
}

func scanOutboxItem(row rowScanner) (*OutboxItem, error) {
	var (
		item          OutboxItem
		addresses     string
		bundle        string
		status        string
		lastAttemptAt sql.NullTime
		nextRetryAt   sql.NullTime
		deliveredAt   sql.NullTime
	)
	err := row.Scan(&item.ID, &item.TezID, &item.TargetHost, &addresses, &bundle, &status, &item.Attempts,
		&lastAttemptAt, &nextRetryAt, &deliveredAt, &item.LastError, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}

	item.Status = OutboxStatus(status)
	if err := decodeJSON(addresses, &item.TargetAddresses); err != nil {
		return nil, err
	}
	item.Bundle = &protocol.FederationBundle{}
	if err := decodeJSON(bundle, item.Bundle); err != nil {
		return nil, err
	}
	item.LastAttemptAt = timePtr(lastAttemptAt)
	item.NextRetryAt = timePtr(nextRetryAt)
	item.DeliveredAt = timePtr(deliveredAt)
	return &item, nil
}

func collectOutboxItems(rows *sql.Rows) ([]*OutboxItem, error) {
	var items []*OutboxItem
	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox row: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time
	return &value
}
