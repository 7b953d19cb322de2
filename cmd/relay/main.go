// Command relay runs the Tezit federation relay and its operator tooling.
//
// The serve command is the long-running server: it loads or creates the
// relay's signing identity, opens storage, starts the delivery engine and
// serves the federation surface (well-known document, signed inbox,
// internal send API) until interrupted.
//
// The remaining commands work against the same configuration and database:
// identity prints the server's federation identity, outbox inspects and
// requeues delivery rows, and peer manages the seeded server table that
// discovery falls back to when a peer's well-known document is unreachable.
//
// # Usage
//
//	relay serve --config=relay.yaml
//	relay identity --config=relay.yaml --json
//	relay outbox list --config=relay.yaml --status=failed
//	relay outbox requeue 2f1c... --config=relay.yaml --actor=alice
//	relay peer seed --config=relay.yaml --host=remote.example --public-key=BASE64...
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/tezit/relay/api/httpserver"
	"github.com/tezit/relay/clock"
	"github.com/tezit/relay/config"
	"github.com/tezit/relay/crypto"
	"github.com/tezit/relay/discovery"
	"github.com/tezit/relay/identity"
	"github.com/tezit/relay/metrics"
	"github.com/tezit/relay/outbox"
	"github.com/tezit/relay/protocol"
	"github.com/tezit/relay/server"
	"github.com/tezit/relay/store"
)

// version is overridden at build time via -ldflags.
var version = "dev"

// HTTP server timings for the serve command.
const (
	httpReadTimeout          = 15 * time.Second
	httpWriteTimeout         = 15 * time.Second
	drainDuration            = 5 * time.Second
	gracefulShutdownDuration = 10 * time.Second
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Tezit federation relay",
		Long:  `Cross-server federation for Tezit: signed bundle delivery with durable retries, fail-closed inbound verification and peer discovery.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		serveCmd(),
		identityCmd(),
		outboxCmd(),
		peerCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the file named by --config, or starts from defaults when
// none is given. Commands that need a complete configuration validate after
// applying their own flag overrides.
func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(configFile)
}

// newLogger builds the process logger; --verbose forces debug level.
func newLogger(cfg *config.Config) *slog.Logger {
	if verbose {
		cfg.Log.Level = "debug"
	}
	return config.NewLogger(cfg.Log)
}

// openStore loads the configuration and opens its storage backend. Operator
// commands share it; the caller must Close the store.
func openStore() (*config.Config, store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("opening storage: %w", err)
	}
	return cfg, st, nil
}

func serveCmd() *cobra.Command {
	var (
		listenAddr  string
		metricsAddr string
		host        string
		dataDir     string
		adminToken  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the federation relay server",
		Long: `Start the relay: load or create the server identity, open storage, start
the delivery engine and serve the federation API until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// Flags override file values only when set on the command line.
			if cmd.Flags().Changed("listen-addr") {
				cfg.Server.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Server.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("host") {
				cfg.Federation.Host = host
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.Federation.DataDir = dataDir
			}
			if cmd.Flags().Changed("admin-token") {
				cfg.Federation.AdminToken = adminToken
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log := newLogger(cfg)

			st, err := store.Open(cfg.Storage)
			if err != nil {
				return fmt.Errorf("opening storage: %w", err)
			}
			defer st.Close()

			ident, err := identity.NewService(identity.Config{
				Host:            cfg.Federation.Host,
				DataDir:         cfg.Federation.DataDir,
				FallbackDataDir: cfg.Federation.FallbackDataDir,
			}, log).Load()
			if err != nil {
				return err
			}
			log.Info("server identity ready", "server_id", ident.ServerID, "host", ident.Host)
			if ident.Regenerated {
				recordRegeneratedIdentity(cmd.Context(), st, log, ident)
			}

			m := metrics.NewMetrics(nil)
			disc := discovery.New(discovery.Config{
				CacheTTL: cfg.Federation.DiscoveryTTL.Std(),
			}, st, nil, log)

			engine := outbox.New(outbox.Config{
				LocalHost:    cfg.Federation.Host,
				PollInterval: cfg.Federation.PollInterval.Std(),
				Log:          log,
				Metrics:      m,
			}, st, disc, ident, nil)

			handler := server.New(server.Config{
				LocalHost:         cfg.Federation.Host,
				FederationEnabled: cfg.Federation.Enabled,
				InboxPath:         cfg.Federation.InboxPath,
				AdminToken:        cfg.Federation.AdminToken,
				Profiles:          cfg.Federation.Profiles,
				Software:          cfg.Federation.Software,
				Log:               log,
				Metrics:           m,
			}, ident, disc, st, engine, nil)

			srv, err := httpserver.New(&httpserver.HTTPServerConfig{
				ListenAddr:               cfg.Server.ListenAddr,
				MetricsAddr:              cfg.Server.MetricsAddr,
				EnablePprof:              cfg.Server.EnablePprof,
				Log:                      log,
				DrainDuration:            drainDuration,
				GracefulShutdownDuration: gracefulShutdownDuration,
				ReadTimeout:              httpReadTimeout,
				WriteTimeout:             httpWriteTimeout,
			}, handler)
			if err != nil {
				return fmt.Errorf("creating http server: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go engine.Run(ctx)

			srv.RunInBackground()
			log.Info("relay started",
				"listen_addr", cfg.Server.ListenAddr,
				"federation_enabled", cfg.Federation.Enabled,
			)

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan

			log.Info("shutting down")
			cancel()
			srv.Shutdown()
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen-addr", "", "API listen address (overrides config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "metrics listen address (overrides config)")
	cmd.Flags().StringVar(&host, "host", "", "advertised federation hostname (overrides config)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "identity key directory (overrides config)")
	cmd.Flags().StringVar(&adminToken, "admin-token", "", "user:password token for the internal send API (overrides config)")
	return cmd
}

// recordRegeneratedIdentity surfaces a key replacement loudly: every
// signature the old key produced is now unverifiable, and peers that cached
// the old public key will reject this server until they re-discover it.
func recordRegeneratedIdentity(ctx context.Context, st store.Store, log *slog.Logger, ident *identity.ServerIdentity) {
	log.Error("server identity was regenerated, peers must re-discover this server before deliveries resume",
		"server_id", ident.ServerID)
	event := &store.AuditEvent{
		ID:         clock.UUIDGenerator{}.New(),
		Actor:      "system",
		Action:     "identity.regenerated",
		TargetType: "server",
		TargetID:   ident.ServerID,
		Metadata:   map[string]string{"host": ident.Host},
		CreatedAt:  time.Now().UTC(),
	}
	if err := st.RecordAudit(ctx, event); err != nil {
		log.Error("recording identity regeneration", "err", err)
	}
}

func identityCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show this server's federation identity",
		Long: `Load the server identity from the configured data directory, creating it
on first run, and print the server id and public key peers use to verify
this relay's signatures.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			ident, err := identity.NewService(identity.Config{
				Host:            cfg.Federation.Host,
				DataDir:         cfg.Federation.DataDir,
				FallbackDataDir: cfg.Federation.FallbackDataDir,
			}, log).Load()
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]string{
					"server_id":  ident.ServerID,
					"host":       ident.Host,
					"public_key": ident.PublicKeyBase64,
					"data_dir":   cfg.Federation.DataDir,
				})
			}

			fmt.Printf("Server ID:  %s\n", ident.ServerID)
			fmt.Printf("Host:       %s\n", ident.Host)
			fmt.Printf("Public key: %s\n", ident.PublicKeyBase64)
			fmt.Printf("Key dir:    %s\n", cfg.Federation.DataDir)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and requeue the delivery queue",
	}
	cmd.AddCommand(outboxListCmd(), outboxRequeueCmd())
	return cmd
}

func outboxListCmd() *cobra.Command {
	var (
		status     string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List delivery queue rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseStatus(status)
			if err != nil {
				return err
			}

			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			items, err := st.ListOutbox(cmd.Context(), filter, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(items)
			}
			if len(items) == 0 {
				fmt.Println("Outbox is empty.")
				return nil
			}
			fmt.Println(renderOutboxTable(items))
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status: pending, delivered, failed or expired")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of rows to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func outboxRequeueCmd() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "requeue ID",
		Short: "Return a failed or expired row to the queue",
		Long: `Reset a failed or expired outbox row to pending with a fresh attempt
budget. A running relay picks the row up on its next poll.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			// The engine is constructed for its requeue logic only; no drain
			// loop runs in this process.
			engine := outbox.New(outbox.Config{
				LocalHost: cfg.Federation.Host,
				Log:       newLogger(cfg),
			}, st, nil, nil, nil)

			item, err := engine.Requeue(cmd.Context(), args[0], actor)
			if err != nil {
				return err
			}
			fmt.Printf("Requeued %s: tez %s for %s\n", item.ID, item.TezID, item.TargetHost)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "operator recorded in the audit trail")
	return cmd
}

func peerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Manage seeded federation peers",
		Long: `Seed entries let this relay verify a peer whose well-known document is
unreachable. Discovery falls back to the seed table after a live fetch
fails; live results never overwrite seeds.`,
	}
	cmd.AddCommand(peerSeedCmd(), peerShowCmd())
	return cmd
}

func peerSeedCmd() *cobra.Command {
	var (
		host      string
		serverID  string
		publicKey string
		inbox     string
		profiles  []string
		actor     string
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Allow-list a remote server",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := crypto.ParsePublicKeyBase64(publicKey)
			if err != nil {
				return fmt.Errorf("parsing public key: %w", err)
			}
			derived, err := crypto.DeriveServerID(pub)
			if err != nil {
				return err
			}
			if serverID != "" && serverID != derived {
				return fmt.Errorf("server id %s does not match the given public key (derived %s)", serverID, derived)
			}
			if inbox == "" {
				inbox = protocol.DefaultInboxPath
			}
			if !strings.HasPrefix(inbox, "/") {
				return fmt.Errorf("inbox path %q must start with /", inbox)
			}

			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			srv := &store.RemoteServer{
				Host:            strings.ToLower(host),
				ServerID:        derived,
				PublicKey:       publicKey,
				InboxPath:       inbox,
				ProtocolVersion: protocol.Version,
				Profiles:        profiles,
				UpdatedAt:       time.Now().UTC(),
			}
			if err := st.UpsertServer(cmd.Context(), srv); err != nil {
				return err
			}
			recordPeerSeed(cmd.Context(), st, actor, srv)

			fmt.Printf("Seeded %s (server id %s)\n", srv.Host, derived)
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "peer hostname (required)")
	cmd.Flags().StringVar(&serverID, "server-id", "", "expected server id; derived from the key when omitted")
	cmd.Flags().StringVar(&publicKey, "public-key", "", "peer public key, base64 over DER (required)")
	cmd.Flags().StringVar(&inbox, "inbox", "", "peer inbox path")
	cmd.Flags().StringSliceVar(&profiles, "profiles", nil, "federation profiles the peer supports")
	cmd.Flags().StringVar(&actor, "actor", "cli", "operator recorded in the audit trail")
	cmd.MarkFlagRequired("host")
	cmd.MarkFlagRequired("public-key")
	return cmd
}

func recordPeerSeed(ctx context.Context, st store.Store, actor string, srv *store.RemoteServer) {
	event := &store.AuditEvent{
		ID:         clock.UUIDGenerator{}.New(),
		Actor:      actor,
		Action:     "peer.seeded",
		TargetType: "server",
		TargetID:   srv.Host,
		Metadata:   map[string]string{"server_id": srv.ServerID},
		CreatedAt:  time.Now().UTC(),
	}
	if err := st.RecordAudit(ctx, event); err != nil {
		fmt.Fprintf(os.Stderr, "warning: recording audit event: %v\n", err)
	}
}

func peerShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show HOST",
		Short: "Show the seed entry for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			srv, err := st.ServerByHost(cmd.Context(), strings.ToLower(args[0]))
			if err != nil {
				return err
			}
			if srv == nil {
				return fmt.Errorf("no seed entry for %s", args[0])
			}
			if jsonOutput {
				return printJSON(srv)
			}

			fmt.Printf("Host:       %s\n", srv.Host)
			fmt.Printf("Server ID:  %s\n", srv.ServerID)
			fmt.Printf("Public key: %s\n", srv.PublicKey)
			fmt.Printf("Inbox:      %s\n", srv.InboxPath)
			fmt.Printf("Version:    %s\n", srv.ProtocolVersion)
			if len(srv.Profiles) > 0 {
				fmt.Printf("Profiles:   %s\n", strings.Join(srv.Profiles, ", "))
			}
			fmt.Printf("Updated:    %s\n", srv.UpdatedAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tezit-relay %s\n", version)
		},
	}
}

func parseStatus(s string) (store.OutboxStatus, error) {
	switch s {
	case "":
		return "", nil
	case "pending", "delivered", "failed", "expired":
		return store.OutboxStatus(s), nil
	default:
		return "", fmt.Errorf("unknown status %q (want pending, delivered, failed or expired)", s)
	}
}

func renderOutboxTable(items []*store.OutboxItem) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#6c757d"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return lipgloss.NewStyle().Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("ID", "TEZ", "TARGET", "STATUS", "ATTEMPTS", "NEXT RETRY", "LAST ERROR")

	for _, item := range items {
		t.Row(
			item.ID,
			item.TezID,
			item.TargetHost,
			coloredStatus(item.Status),
			strconv.Itoa(item.Attempts),
			formatTime(item.NextRetryAt),
			truncate(item.LastError, 40),
		)
	}
	return t.Render()
}

func coloredStatus(status store.OutboxStatus) string {
	style := lipgloss.NewStyle()
	switch status {
	case store.StatusDelivered:
		style = style.Foreground(lipgloss.Color("#42c767"))
	case store.StatusPending:
		style = style.Foreground(lipgloss.Color("#ff9f43"))
	case store.StatusFailed, store.StatusExpired:
		style = style.Foreground(lipgloss.Color("#ff6b6b")).Bold(true)
	}
	return style.Render(string(status))
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
