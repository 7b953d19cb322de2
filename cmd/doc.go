// Package cmd provides the relay's CLI entrypoints.
//
// # Commands
//
// relay serve: Runs the federation relay. Loads or creates the server
// identity, opens storage, starts the delivery engine and serves the
// federation API until interrupted.
//
//	go run ./cmd/relay serve --config=relay.yaml
//	go run ./cmd/relay serve --host=tez.example --listen-addr=:8443
//
// relay identity: Prints the server id and public key peers use to verify
// this relay's signatures, creating the identity on first run.
//
//	go run ./cmd/relay identity --config=relay.yaml --json
//
// relay outbox: Inspects the delivery queue and returns failed or expired
// rows to it.
//
//	go run ./cmd/relay outbox list --config=relay.yaml --status=failed
//	go run ./cmd/relay outbox requeue 2f1c... --config=relay.yaml --actor=alice
//
// relay peer: Manages the seeded server table, the discovery fallback for
// peers whose well-known document is unreachable.
//
//	go run ./cmd/relay peer seed --config=relay.yaml --host=remote.example --public-key=BASE64...
//	go run ./cmd/relay peer show remote.example --config=relay.yaml
//
// # Configuration
//
// All commands read the same YAML file via --config. The serve command
// additionally accepts flag overrides for the most commonly changed values.
//
//	server:
//	  listen_addr: ":8443"
//	  metrics_addr: ":9090"
//	federation:
//	  host: "tez.example"
//	  enabled: true
//	  admin_token: "admin:secret"
//	  data_dir: "/var/lib/tezit-relay"
//	  fallback_data_dir: "/var/tmp/tezit-relay"
//	storage:
//	  type: "sqlite"
//	  path: "/var/lib/tezit-relay/relay.db"
//	log:
//	  level: "info"
//	  json: true
package cmd
