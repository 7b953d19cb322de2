package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tezit/relay/federr"
	"github.com/tezit/relay/sanitize"
)

// Tez is the message unit being federated: the payload a user on one server
// addresses to users on other servers.
type Tez struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// ContextItem is an attachment travelling with a Tez. Content is sanitized
// and size-bounded before it enters a bundle.
type ContextItem struct {
	Name     string `json:"name,omitempty"`
	MIMEType string `json:"mime_type"`
	Content  string `json:"content"`
}

// FederationBundle is the wire artifact delivered to one target host: the Tez
// fields, its context items, sender and recipient addresses, and a content
// hash over the canonicalized fields. Recipients all share the target host.
type FederationBundle struct {
	Version    string        `json:"version"`
	Tez        Tez           `json:"tez"`
	Context    []ContextItem `json:"context"`
	Sender     string        `json:"sender"`
	Recipients []string      `json:"recipients"`
	BundleHash string        `json:"bundle_hash"`
}

// InboxAck is the receiving server's response to an accepted bundle. TezID is
// the receiver's own identifier for the stored Tez; Duplicate marks an
// idempotent replay of an already-accepted bundle.
type InboxAck struct {
	TezID     string `json:"tez_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// BuildBundle assembles the canonical bundle for one target host. It is a
// pure function of its inputs: text fields are sanitized, context items are
// sanitized and size-checked (ContentTooLarge aborts the build), recipients
// are sorted, and the bundle hash is computed over the result. All recipients
// must live on the same host.
func BuildBundle(tez Tez, items []ContextItem, sender Address, recipients []Address) (*FederationBundle, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("bundle needs at least one recipient")
	}
	host := recipients[0].Host
	recipientStrs := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r.Host != host {
			return nil, fmt.Errorf("mixed recipient hosts %q and %q: one bundle per host", host, r.Host)
		}
		recipientStrs = append(recipientStrs, r.String())
	}
	sort.Strings(recipientStrs)

	tez.Title = sanitize.Text(tez.Title)
	tez.Body = sanitize.Text(tez.Body)

	cleanItems := make([]ContextItem, 0, len(items))
	for _, item := range items {
		content, mimeType, err := sanitize.ContextItem(item.Content, item.MIMEType)
		if err != nil {
			return nil, fmt.Errorf("context item %q: %w", item.Name, err)
		}
		cleanItems = append(cleanItems, ContextItem{
			Name:     sanitize.Text(item.Name),
			MIMEType: mimeType,
			Content:  content,
		})
	}

	b := &FederationBundle{
		Version:    Version,
		Tez:        tez,
		Context:    cleanItems,
		Sender:     sender.String(),
		Recipients: recipientStrs,
	}
	b.BundleHash = ComputeBundleHash(b)
	return b, nil
}

// bundleDigest is the canonical form hashed into bundle_hash. Field order is
// fixed by the struct, recipients are pre-sorted, and the timestamp collapses
// to whole-second UTC so both ends derive identical bytes.
type bundleDigest struct {
	Version    string          `json:"version"`
	TezID      string          `json:"tez_id"`
	Title      string          `json:"title"`
	Body       string          `json:"body"`
	Author     string          `json:"author"`
	CreatedAt  string          `json:"created_at"`
	Context    []contextDigest `json:"context"`
	Sender     string          `json:"sender"`
	Recipients []string        `json:"recipients"`
}

type contextDigest struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Content  string `json:"content"`
}

// ComputeBundleHash derives the hex SHA-256 content hash of a bundle from its
// fields, ignoring any declared BundleHash.
func ComputeBundleHash(b *FederationBundle) string {
	digest := bundleDigest{
		Version:    b.Version,
		TezID:      b.Tez.ID,
		Title:      b.Tez.Title,
		Body:       b.Tez.Body,
		Author:     b.Tez.Author,
		CreatedAt:  b.Tez.CreatedAt.UTC().Format(time.RFC3339),
		Sender:     b.Sender,
		Recipients: append([]string(nil), b.Recipients...),
	}
	sort.Strings(digest.Recipients)
	digest.Context = make([]contextDigest, 0, len(b.Context))
	for _, item := range b.Context {
		digest.Context = append(digest.Context, contextDigest{
			Name:     item.Name,
			MIMEType: item.MIMEType,
			Content:  item.Content,
		})
	}

	canonical, err := json.Marshal(digest)
	if err != nil {
		// Marshal of a struct of strings cannot fail.
		panic(fmt.Sprintf("marshal bundle digest: %v", err))
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// VerifyBundleHash recomputes a received bundle's content hash and compares
// it to the declared one.
func VerifyBundleHash(b *FederationBundle) error {
	if ComputeBundleHash(b) != b.BundleHash {
		return federr.ErrBundleHash
	}
	return nil
}
