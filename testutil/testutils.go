package testutil

import (
	"fmt"
	"time"

	"github.com/tezit/relay/crypto"
	"github.com/tezit/relay/protocol"
)

// =====================================
// Crypto Generators
// =====================================

// GenerateTestKeyPair generates a fresh Ed25519 key pair for testing.
func GenerateTestKeyPair() (crypto.PublicKey, crypto.PrivateKey, error) {
	return crypto.GenerateKeyPair()
}

// GenerateTestServer produces the discovery-level view of a fake peer: its
// key pair, derived server id, and base64 public key in wire form.
func GenerateTestServer(host string) (doc *protocol.WellKnownDocument, priv crypto.PrivateKey, err error) {
	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	serverID, err := crypto.DeriveServerID(pub)
	if err != nil {
		return nil, nil, err
	}
	pubB64, err := crypto.MarshalPublicKeyBase64(pub)
	if err != nil {
		return nil, nil, err
	}
	doc = &protocol.WellKnownDocument{
		ServerID:        serverID,
		PublicKey:       pubB64,
		ProtocolVersion: protocol.Version,
		Federation: protocol.WellKnownFederation{
			Enabled: true,
			Inbox:   "/api/federation/inbox",
		},
		Software: "tezit-relay/test",
	}
	return doc, priv, nil
}

// =====================================
// Bundle Generators
// =====================================

// BundleOption is a function that modifies the inputs to a test bundle.
type BundleOption func(*bundleInputs)

type bundleInputs struct {
	tez        protocol.Tez
	items      []protocol.ContextItem
	sender     protocol.Address
	recipients []protocol.Address
}

// WithTezID sets the Tez id for a test bundle.
func WithTezID(id string) BundleOption {
	return func(in *bundleInputs) {
		in.tez.ID = id
	}
}

// WithBody sets the Tez body for a test bundle.
func WithBody(body string) BundleOption {
	return func(in *bundleInputs) {
		in.tez.Body = body
	}
}

// WithContextItem appends a context item to a test bundle.
func WithContextItem(name, mimeType, content string) BundleOption {
	return func(in *bundleInputs) {
		in.items = append(in.items, protocol.ContextItem{Name: name, MIMEType: mimeType, Content: content})
	}
}

// WithRecipients replaces the recipient list of a test bundle.
func WithRecipients(addrs ...protocol.Address) BundleOption {
	return func(in *bundleInputs) {
		in.recipients = addrs
	}
}

// GenerateTestBundle builds a valid bundle addressed from alice@local.test to
// bob@remote.test, customizable through options.
func GenerateTestBundle(options ...BundleOption) (*protocol.FederationBundle, error) {
	in := &bundleInputs{
		tez: protocol.Tez{
			ID:        "tez-1",
			Title:     "test tez",
			Body:      "hello from the test suite",
			Author:    "alice@local.test",
			CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		sender:     protocol.Address{User: "alice", Host: "local.test"},
		recipients: []protocol.Address{{User: "bob", Host: "remote.test"}},
	}
	for _, option := range options {
		option(in)
	}
	return protocol.BuildBundle(in.tez, in.items, in.sender, in.recipients)
}

// GenerateTestAddresses produces n addresses user0..usern-1 on the given host.
func GenerateTestAddresses(host string, n int) []protocol.Address {
	addrs := make([]protocol.Address, n)
	for i := range addrs {
		addrs[i] = protocol.Address{User: fmt.Sprintf("user%d", i), Host: host}
	}
	return addrs
}
