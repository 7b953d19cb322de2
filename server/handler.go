package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tezit/relay/clock"
	"github.com/tezit/relay/discovery"
	"github.com/tezit/relay/federr"
	"github.com/tezit/relay/identity"
	"github.com/tezit/relay/metrics"
	"github.com/tezit/relay/outbox"
	"github.com/tezit/relay/protocol"
	"github.com/tezit/relay/sanitize"
	"github.com/tezit/relay/store"
)

// defaultMaxBodyBytes caps inbound request bodies. Individual context items
// are bounded separately by the sanitizer; this bounds the whole envelope.
const defaultMaxBodyBytes = 4 << 20

// Config carries the handler's knobs plus defaultable dependencies.
type Config struct {
	// LocalHost is this server's advertised host, the HOST value inbound
	// signatures must have signed.
	LocalHost string

	// FederationEnabled gates the inbox. When false the well-known document
	// says so and every inbound bundle is refused.
	FederationEnabled bool

	// InboxPath is where the federation inbox is mounted and what the
	// well-known document advertises. Defaults to protocol.DefaultInboxPath.
	InboxPath string

	// AdminToken protects the internal send endpoint, "user:password" form.
	// Empty leaves the endpoint mounted but denying every request.
	AdminToken string

	// MaxBodyBytes bounds inbound request bodies.
	MaxBodyBytes int64

	// Profiles and Software are advertised verbatim in the well-known
	// document.
	Profiles []string
	Software string

	Log     *slog.Logger
	Clock   clock.Clock
	IDs     clock.IDGenerator
	Metrics *metrics.Metrics
}

// Handler serves the relay's federation surface: the well-known document, the
// inbox, and the internal send endpoint. It owns the nonce replay cache; all
// other state lives in its dependencies.
type Handler struct {
	cfg    Config
	ident  *identity.ServerIdentity
	disc   *discovery.Service
	store  store.Store
	engine *outbox.Engine
	sink   DeliverySink
	nonces *protocol.NonceCache
	clk    clock.Clock
	ids    clock.IDGenerator
	log    *slog.Logger
	m      *metrics.Metrics
}

// New creates the federation handler. A nil sink falls back to NoopSink.
func New(cfg Config, ident *identity.ServerIdentity, disc *discovery.Service, st store.Store, engine *outbox.Engine, sink DeliverySink) *Handler {
	if cfg.InboxPath == "" {
		cfg.InboxPath = protocol.DefaultInboxPath
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
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
	if sink == nil {
		sink = &NoopSink{IDs: cfg.IDs}
	}
	if cfg.AdminToken == "" {
		cfg.Log.Warn("admin token not configured, internal send endpoint will deny all requests")
	}

	return &Handler{
		cfg:    cfg,
		ident:  ident,
		disc:   disc,
		store:  st,
		engine: engine,
		sink:   sink,
		nonces: protocol.NewNonceCache(2*protocol.MaxClockSkew, cfg.Clock),
		clk:    cfg.Clock,
		ids:    cfg.IDs,
		log:    cfg.Log,
		m:      cfg.Metrics,
	}
}

// InboxPath reports where the inbox is mounted.
func (h *Handler) InboxPath() string {
	return h.cfg.InboxPath
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get(protocol.WellKnownPath, h.wellKnown)
	r.Post(h.cfg.InboxPath, h.inbox)
	r.Post("/internal/federation/send", h.internalSend)
}

// wellKnown serves this server's discovery document.
func (h *Handler) wellKnown(w http.ResponseWriter, r *http.Request) {
	doc := protocol.WellKnownDocument{
		ServerID:        h.ident.ServerID,
		PublicKey:       h.ident.PublicKeyBase64,
		ProtocolVersion: protocol.Version,
		Federation: protocol.WellKnownFederation{
			Enabled: h.cfg.FederationEnabled,
			Inbox:   h.cfg.InboxPath,
		},
		Profiles: h.cfg.Profiles,
		Software: h.cfg.Software,
	}
	h.writeJSON(w, http.StatusOK, doc)
}

// inbox accepts one signed federation bundle. Checks run in a fixed order and
// fail closed: federation gate, signature headers, sender discovery,
// signature verification, nonce replay, bundle hash, sanitation, dedup. Only
// then does the bundle reach the sink.
func (h *Handler) inbox(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	ctx := r.Context()

	if !h.cfg.FederationEnabled {
		h.reject(w, r, federr.ErrFederationDisabled)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxBodyBytes+1))
	if err != nil {
		h.reject(w, r, federr.InvalidArg("reading request body"))
		return
	}
	if int64(len(body)) > h.cfg.MaxBodyBytes {
		h.reject(w, r, federr.ErrContentTooLarge)
		return
	}

	sh, err := protocol.ParseSignatureHeaders(r.Header)
	if err != nil {
		h.reject(w, r, err)
		return
	}

	sender, err := h.disc.Discover(ctx, sh.Server)
	if err != nil || sender == nil {
		if err != nil {
			h.log.Warn("inbound sender discovery failed", "server", sh.Server, "err", err)
		}
		h.reject(w, r, federr.ErrUnknownServer)
		return
	}

	if err := sh.Verify(r.Method, r.URL.Path, h.cfg.LocalHost, body, sender.PublicKey, h.clk.Now()); err != nil {
		h.reject(w, r, err)
		return
	}

	// Replay check runs after signature verification so unauthenticated
	// traffic cannot seed the cache.
	if h.nonces.Seen(sh.Server, sh.Nonce) {
		h.reject(w, r, federr.ErrNonceReplayed)
		return
	}

	var bundle protocol.FederationBundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		h.reject(w, r, federr.InvalidArg("bundle is not valid JSON"))
		return
	}
	if err := protocol.VerifyBundleHash(&bundle); err != nil {
		h.reject(w, r, err)
		return
	}
	if err := sanitizeBundle(&bundle); err != nil {
		h.reject(w, r, err)
		return
	}

	existing, err := h.store.FederatedTezByHash(ctx, bundle.BundleHash, store.DirectionInbound)
	if err != nil {
		h.fail(w, r, fmt.Errorf("checking bundle receipt: %w", err))
		return
	}
	if existing != nil {
		h.m.InboundBundles.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		h.log.Info("inbound bundle replayed", "sender", sender.Host, "bundle_hash", bundle.BundleHash)
		h.writeJSON(w, http.StatusOK, protocol.InboxAck{TezID: existing.LocalTezID, Duplicate: true})
		return
	}

	localID, err := h.sink.Accept(ctx, &bundle, sender.Host)
	if err != nil {
		h.fail(w, r, fmt.Errorf("accepting bundle: %w", err))
		return
	}

	rec := &store.FederatedTez{
		ID:          h.ids.New(),
		LocalTezID:  localID,
		RemoteTezID: bundle.Tez.ID,
		RemoteHost:  sender.Host,
		Direction:   store.DirectionInbound,
		BundleHash:  bundle.BundleHash,
		FederatedAt: h.clk.Now(),
	}
	if err := h.store.InsertFederatedTez(ctx, rec); err != nil {
		// The sink already stored the Tez; refusing the ack now would make
		// the sender redeliver a bundle we cannot dedup.
		h.log.Error("recording inbound receipt", "bundle_hash", bundle.BundleHash, "err", err)
	}
	h.audit(ctx, sender.Host, "federation.received", "tez", localID, map[string]string{
		"remote_tez_id": bundle.Tez.ID,
		"remote_host":   sender.Host,
		"bundle_hash":   bundle.BundleHash,
	})

	h.m.InboundBundles.WithLabelValues(metrics.OutcomeAccepted).Inc()
	h.log.Info("inbound bundle accepted",
		"sender", sender.Host, "remote_tez", bundle.Tez.ID, "local_tez", localID, "recipients", len(bundle.Recipients))
	h.writeJSON(w, http.StatusOK, protocol.InboxAck{TezID: localID})
}

// sanitizeBundle normalizes a verified bundle in place before it reaches the
// sink. It runs after the hash check, which covers the wire form.
func sanitizeBundle(b *protocol.FederationBundle) error {
	b.Tez.Title = sanitize.Text(b.Tez.Title)
	b.Tez.Body = sanitize.Text(b.Tez.Body)
	for i, item := range b.Context {
		content, mimeType, err := sanitize.ContextItem(item.Content, item.MIMEType)
		if err != nil {
			return fmt.Errorf("context item %q: %w", item.Name, err)
		}
		b.Context[i] = protocol.ContextItem{
			Name:     sanitize.Text(item.Name),
			MIMEType: mimeType,
			Content:  content,
		}
	}
	return nil
}

// SendRequest is the internal send payload: one Tez plus its context items,
// the local sender address, and the recipient addresses to route.
type SendRequest struct {
	Tez        protocol.Tez           `json:"tez"`
	Context    []protocol.ContextItem `json:"context,omitempty"`
	Sender     string                 `json:"sender"`
	Recipients []string               `json:"recipients"`
}

// QueuedDelivery reports one outbox row created for a send.
type QueuedDelivery struct {
	OutboxID   string   `json:"outbox_id"`
	TargetHost string   `json:"target_host"`
	Recipients []string `json:"recipients"`
}

// SendResponse reports where each recipient of a send ended up: queued for
// remote delivery, or local and skipped.
type SendResponse struct {
	Queued []QueuedDelivery `json:"queued"`
	Local  []string         `json:"local,omitempty"`
}

// internalSend lets the upstream application hand a Tez to the relay for
// federation. Recipients on the local host are skipped and reported back;
// the rest are grouped by host and enqueued.
func (h *Handler) internalSend(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="tezit-relay"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req SendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, h.cfg.MaxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decoding send request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Tez.ID == "" || req.Sender == "" || len(req.Recipients) == 0 {
		http.Error(w, "tez.id, sender and recipients are required", http.StatusBadRequest)
		return
	}

	sender, err := protocol.ParseAddress(req.Sender)
	if err != nil {
		http.Error(w, fmt.Sprintf("sender: %v", err), http.StatusBadRequest)
		return
	}

	remote := make([]protocol.Address, 0, len(req.Recipients))
	var local []string
	for _, raw := range req.Recipients {
		addr, err := protocol.ParseAddress(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("recipient %q: %v", raw, err), http.StatusBadRequest)
			return
		}
		if addr.IsLocal(h.cfg.LocalHost) {
			local = append(local, addr.String())
			continue
		}
		remote = append(remote, addr)
	}

	queued, err := h.engine.RouteAddresses(r.Context(), req.Tez, req.Context, sender, remote)
	if err != nil {
		h.log.Warn("send rejected", "tez", req.Tez.ID, "err", err)
		http.Error(w, err.Error(), statusOf(federr.CodeOf(err)))
		return
	}

	resp := SendResponse{Queued: make([]QueuedDelivery, 0, len(queued)), Local: local}
	for _, item := range queued {
		resp.Queued = append(resp.Queued, QueuedDelivery{
			OutboxID:   item.ID,
			TargetHost: item.TargetHost,
			Recipients: item.TargetAddresses,
		})
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

// authorized checks the internal endpoint's basic-auth credentials against
// the configured admin token. An empty token denies everything.
func (h *Handler) authorized(r *http.Request) bool {
	if h.cfg.AdminToken == "" {
		return false
	}
	wantUser, wantPass := parseAdminToken(h.cfg.AdminToken)
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(wantPass)) == 1
	return userOK && passOK
}

func parseAdminToken(token string) (user, pass string) {
	idx := strings.Index(token, ":")
	if idx < 0 {
		return token, ""
	}
	return token[:idx], token[idx+1:]
}

// reject refuses an inbound bundle, counting it and logging the cause. The
// response carries the error's own message so legitimate peers can fix their
// requests.
func (h *Handler) reject(w http.ResponseWriter, r *http.Request, err error) {
	h.m.InboundBundles.WithLabelValues(metrics.OutcomeRejected).Inc()
	h.log.Warn("inbound bundle rejected", "sender", r.Header.Get(protocol.HeaderServer), "err", err)
	http.Error(w, err.Error(), statusOf(federr.CodeOf(err)))
}

// fail refuses an inbound bundle on an internal failure. The sender sees a
// retryable 500; the cause stays in the log.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.m.InboundBundles.WithLabelValues(metrics.OutcomeRejected).Inc()
	h.log.Error("inbox failure", "sender", r.Header.Get(protocol.HeaderServer), "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("encoding response", "err", err)
	}
}

func (h *Handler) audit(ctx context.Context, actor, action, targetType, targetID string, meta map[string]string) {
	event := &store.AuditEvent{
		ID:         h.ids.New(),
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   meta,
		CreatedAt:  h.clk.Now(),
	}
	if err := h.store.RecordAudit(ctx, event); err != nil {
		h.log.Error("recording audit event", "action", action, "err", err)
	}
}

// statusOf maps a federation error code to its HTTP status.
func statusOf(code federr.Code) int {
	switch code {
	case federr.CodeInvalidArgument:
		return http.StatusBadRequest
	case federr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case federr.CodePermissionDenied, federr.CodeFailedPrecondition:
		return http.StatusForbidden
	case federr.CodeNotFound:
		return http.StatusNotFound
	case federr.CodeAlreadyExists:
		return http.StatusConflict
	case federr.CodeResourceExhausted:
		return http.StatusTooManyRequests
	case federr.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
