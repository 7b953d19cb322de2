package protocol

import (
	"fmt"
	"strings"
)

// WellKnownPath is where every federating server publishes its discovery
// document.
const WellKnownPath = "/.well-known/tezit.json"

// DefaultInboxPath is where a relay mounts its federation inbox, and the
// assumed inbox for seeded peers whose entry does not record one.
const DefaultInboxPath = "/api/federation/inbox"

// WellKnownFederation is the federation section of a discovery document.
type WellKnownFederation struct {
	Enabled bool   `json:"enabled"`
	Inbox   string `json:"inbox"`
}

// WellKnownDocument is the self-description a server publishes at
// WellKnownPath. On first contact it is the only source of a peer's public
// key, so Validate gates which documents are usable for federation.
type WellKnownDocument struct {
	ServerID        string              `json:"server_id"`
	PublicKey       string              `json:"public_key"`
	ProtocolVersion string              `json:"protocol_version"`
	Federation      WellKnownFederation `json:"federation"`
	Profiles        []string            `json:"profiles,omitempty"`
	Software        string              `json:"software,omitempty"`
}

// Validate checks that the document describes a federable server: federation
// enabled, a rooted inbox path, and both identity fields present. A document
// failing validation is treated as if the host published none.
func (d *WellKnownDocument) Validate() error {
	if !d.Federation.Enabled {
		return fmt.Errorf("federation not enabled")
	}
	if d.Federation.Inbox == "" {
		return fmt.Errorf("federation inbox missing")
	}
	if !strings.HasPrefix(d.Federation.Inbox, "/") {
		return fmt.Errorf("federation inbox %q is not a rooted path", d.Federation.Inbox)
	}
	if d.PublicKey == "" {
		return fmt.Errorf("public key missing")
	}
	if d.ServerID == "" {
		return fmt.Errorf("server id missing")
	}
	return nil
}
