// Package outbox implements the durable delivery queue: bundles routed to
// remote hosts are persisted as queue rows, then drained by an engine that
// signs and posts each one, retrying on a bounded backoff schedule until the
// row is delivered or abandoned.
package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tezit/relay/clock"
	"github.com/tezit/relay/discovery"
	"github.com/tezit/relay/federr"
	"github.com/tezit/relay/identity"
	"github.com/tezit/relay/metrics"
	"github.com/tezit/relay/protocol"
	"github.com/tezit/relay/store"
)

// backoffSchedule holds the wait after the nth failed attempt. After the
// schedule is exhausted the row expires at its next wake instead of being
// attempted again.
var backoffSchedule = [...]time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	12 * time.Hour,
}

// maxAttempts is how many deliveries a row gets before it expires.
const maxAttempts = 5

// backoffAfter returns the wait scheduled after the given completed attempt
// count.
func backoffAfter(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(backoffSchedule) {
		attempts = len(backoffSchedule)
	}
	return backoffSchedule[attempts-1]
}

// Config tunes the delivery engine. Dependencies with sane defaults (clock,
// id generation, logging, metrics) ride along so tests can pin them.
type Config struct {
	// LocalHost is this server's federation host. Addresses on it are
	// served locally and never queued.
	LocalHost string

	// PollInterval is how often the drain loop wakes without a signal.
	PollInterval time.Duration

	// BatchSize caps how many due rows one drain pass processes.
	BatchSize int

	// RequestTimeout bounds a single delivery request.
	RequestTimeout time.Duration

	Log     *slog.Logger
	Clock   clock.Clock
	IDs     clock.IDGenerator
	Metrics *metrics.Metrics
}

// Engine drains the outbox: it discovers each row's target, signs the
// delivery request, posts the bundle, and walks the row through the
// pending/failed/delivered/expired lifecycle.
type Engine struct {
	cfg      Config
	store    store.Store
	disc     *discovery.Service
	ident    *identity.ServerIdentity
	resolver AddressResolver
	client   *http.Client
	clk      clock.Clock
	ids      clock.IDGenerator
	log      *slog.Logger
	metrics  *metrics.Metrics

	drainCh chan struct{}
}

// New creates a delivery engine. resolver may be nil when the embedding
// application routes by address rather than by user id.
func New(cfg Config, st store.Store, disc *discovery.Service, ident *identity.ServerIdentity, resolver AddressResolver) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.IDs == nil {
		cfg.IDs = clock.UUIDGenerator{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}

	return &Engine{
		cfg:      cfg,
		store:    st,
		disc:     disc,
		ident:    ident,
		resolver: resolver,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		clk:      cfg.Clock,
		ids:      cfg.IDs,
		log:      cfg.Log,
		metrics:  cfg.Metrics,
		drainCh:  make(chan struct{}),
	}
}

// Run processes the queue until ctx is cancelled. A drain pass runs at
// startup, on every poll tick, and whenever an enqueue or requeue signals
// new work.
func (e *Engine) Run(ctx context.Context) {
	e.drainDue(ctx)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drainDue(ctx)
		case <-e.drainCh:
			ticker.Reset(e.cfg.PollInterval)
			e.drainDue(ctx)

			// drain
			select {
			case <-e.drainCh:
			default:
			}
		}
	}
}

// signalDrain nudges the run loop without blocking. A signal missed because
// the loop is mid-pass is recovered by the next poll tick.
func (e *Engine) signalDrain() {
	select {
	case e.drainCh <- struct{}{}:
	default:
	}
}

// DrainOnce runs a single drain pass synchronously. Exposed for operator
// tooling; the serve loop uses Run.
func (e *Engine) DrainOnce(ctx context.Context) {
	e.drainDue(ctx)
}

func (e *Engine) drainDue(ctx context.Context) {
	due, err := e.store.DueOutbox(ctx, e.clk.Now(), e.cfg.BatchSize)
	if err != nil {
		e.log.Error("listing due outbox rows", "err", err)
		return
	}
	for _, item := range due {
		if ctx.Err() != nil {
			return
		}
		e.process(ctx, item)
	}
}

// process advances one due row. A row that wakes with its attempt budget
// already spent expires without another request.
func (e *Engine) process(ctx context.Context, item *store.OutboxItem) {
	if item.Status.Terminal() {
		return
	}
	if item.Attempts >= maxAttempts {
		e.expire(ctx, item, "")
		return
	}
	e.attempt(ctx, item)
}

func (e *Engine) attempt(ctx context.Context, item *store.OutboxItem) {
	attemptAt := e.clk.Now()
	item.Attempts++
	item.LastAttemptAt = &attemptAt

	ack, err := e.deliver(ctx, item)
	if err == nil {
		now := e.clk.Now()
		item.Status = store.StatusDelivered
		item.DeliveredAt = &now
		item.NextRetryAt = nil
		item.LastError = ""
		item.UpdatedAt = now
		if uerr := e.store.UpdateOutbox(ctx, item); uerr != nil {
			e.log.Error("persisting outbox row", "id", item.ID, "err", uerr)
		}
		e.metrics.DeliveryAttempts.WithLabelValues(metrics.ResultDelivered).Inc()
		e.log.Info("bundle delivered", "target", item.TargetHost, "tez", item.TezID, "attempts", item.Attempts)
		e.recordDelivered(ctx, item, ack)
		return
	}

	// A blocked target can never be contacted; burning retries on it only
	// delays the operator finding out.
	if errors.Is(err, federr.ErrSsrfBlocked) {
		e.expire(ctx, item, err.Error())
		return
	}

	item.Status = store.StatusFailed
	item.LastError = err.Error()
	retryAt := attemptAt.Add(backoffAfter(item.Attempts))
	item.NextRetryAt = &retryAt
	item.UpdatedAt = e.clk.Now()
	if uerr := e.store.UpdateOutbox(ctx, item); uerr != nil {
		e.log.Error("persisting outbox row", "id", item.ID, "err", uerr)
	}
	e.metrics.DeliveryAttempts.WithLabelValues(metrics.ResultFailed).Inc()
	e.log.Warn("delivery attempt failed",
		"target", item.TargetHost,
		"tez", item.TezID,
		"attempt", item.Attempts,
		"retry_in", backoffAfter(item.Attempts),
		"err", err,
	)
}

// deliver resolves the target, signs the request and posts the bundle. Each
// attempt gets a fresh nonce and timestamp so retried requests never replay
// an old signature.
func (e *Engine) deliver(ctx context.Context, item *store.OutboxItem) (*protocol.InboxAck, error) {
	info, err := e.disc.Discover(ctx, item.TargetHost)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, federr.ErrDiscoveryFailed(item.TargetHost, nil)
	}

	body, err := json.Marshal(item.Bundle)
	if err != nil {
		return nil, fmt.Errorf("encoding bundle: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, info.InboxURL(e.disc.Scheme()), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if err := protocol.SignRequest(req, body, e.ident.Host, e.ids.New(), e.ident.PrivateKey(), e.clk.Now()); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	e.metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, federr.ErrDeliveryFailed(item.TargetHost, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, federr.ErrDeliveryFailed(item.TargetHost,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	ack := &protocol.InboxAck{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(ack); err != nil {
		// A 2xx with an unparsable body still counts as delivered; the
		// receipt just carries no remote id.
		*ack = protocol.InboxAck{}
	}
	return ack, nil
}

func (e *Engine) recordDelivered(ctx context.Context, item *store.OutboxItem, ack *protocol.InboxAck) {
	rec := &store.FederatedTez{
		ID:          e.ids.New(),
		LocalTezID:  item.TezID,
		RemoteTezID: ack.TezID,
		RemoteHost:  item.TargetHost,
		Direction:   store.DirectionOutbound,
		BundleHash:  item.Bundle.BundleHash,
		FederatedAt: e.clk.Now(),
	}
	if err := e.store.InsertFederatedTez(ctx, rec); err != nil {
		e.log.Error("recording delivery receipt", "id", item.ID, "err", err)
	}
	e.audit(ctx, "system", "federation.sent", "tez", item.TezID, map[string]string{
		"target_host": item.TargetHost,
		"bundle_hash": item.Bundle.BundleHash,
	})
}

// expire abandons a row. reason overrides the stored last error when set;
// exhaustion keeps the error of the final attempt.
func (e *Engine) expire(ctx context.Context, item *store.OutboxItem, reason string) {
	item.Status = store.StatusExpired
	if reason != "" {
		item.LastError = reason
	}
	item.NextRetryAt = nil
	item.UpdatedAt = e.clk.Now()
	if err := e.store.UpdateOutbox(ctx, item); err != nil {
		e.log.Error("persisting outbox row", "id", item.ID, "err", err)
	}
	e.metrics.DeliveryAttempts.WithLabelValues(metrics.ResultExpired).Inc()
	e.log.Warn("delivery abandoned",
		"target", item.TargetHost,
		"tez", item.TezID,
		"attempts", item.Attempts,
		"reason", item.LastError,
	)
	e.audit(ctx, "system", "federation.failed", "tez", item.TezID, map[string]string{
		"target_host": item.TargetHost,
		"outbox_id":   item.ID,
		"attempts":    strconv.Itoa(item.Attempts),
		"error":       item.LastError,
	})
}

// Requeue returns a failed or expired row to the queue for a fresh round of
// attempts, then nudges the drain loop.
func (e *Engine) Requeue(ctx context.Context, id, actor string) (*store.OutboxItem, error) {
	item, err := e.store.OutboxByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, federr.NotFound("outbox row " + id + " not found")
	}
	if item.Status != store.StatusFailed && item.Status != store.StatusExpired {
		return nil, federr.ErrNotRequeueable
	}

	item.Status = store.StatusPending
	item.Attempts = 0
	item.NextRetryAt = nil
	item.LastError = ""
	item.UpdatedAt = e.clk.Now()
	if err := e.store.UpdateOutbox(ctx, item); err != nil {
		return nil, err
	}

	if actor == "" {
		actor = "system"
	}
	e.audit(ctx, actor, "federation.requeued", "outbox", item.ID, map[string]string{
		"target_host": item.TargetHost,
		"tez_id":      item.TezID,
	})
	e.signalDrain()
	return item, nil
}

// List returns queue rows filtered by status, newest first. An empty status
// returns every row.
func (e *Engine) List(ctx context.Context, status store.OutboxStatus, limit int) ([]*store.OutboxItem, error) {
	return e.store.ListOutbox(ctx, status, limit)
}

func (e *Engine) audit(ctx context.Context, actor, action, targetType, targetID string, meta map[string]string) {
	event := &store.AuditEvent{
		ID:         e.ids.New(),
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   meta,
		CreatedAt:  e.clk.Now(),
	}
	if err := e.store.RecordAudit(ctx, event); err != nil {
		e.log.Error("recording audit event", "action", action, "err", err)
	}
}
