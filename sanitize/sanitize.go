// Package sanitize normalizes and strips user-supplied content before it
// crosses a server trust boundary. Every piece of text that enters a
// federation bundle, and every context item accepted from a remote server,
// passes through here first.
package sanitize

import (
	"mime"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/tezit/relay/federr"
)

// MaxContextItemBytes is the hard upper bound on a single context item's
// content. Content at or above this size is rejected outright, never
// truncated.
const MaxContextItemBytes = 262144 // 256 KiB

// CoercedMIMEType is what any disallowed media type collapses to.
const CoercedMIMEType = "text/plain"

// mimeAllowList holds the exact media types (beyond the text/* family) that
// may cross a federation boundary unchanged.
var mimeAllowList = map[string]struct{}{
	"image/png":        {},
	"image/jpeg":       {},
	"image/gif":        {},
	"image/webp":       {},
	"audio/mpeg":       {},
	"audio/ogg":        {},
	"audio/wav":        {},
	"audio/webm":       {},
	"audio/mp4":        {},
	"video/mp4":        {},
	"video/webm":       {},
	"application/pdf":  {},
	"application/json": {},
	"application/xml":  {},
}

// Text strips zero-width characters, bidirectional override characters, and
// C0/C1 controls other than tab, newline and carriage return, then applies
// Unicode NFC normalization. Stripping runs first: a zero-width character
// wedged between a base letter and its combining mark would otherwise block
// composition, leaving output that is neither NFC nor a fixed point. NFC
// never emits strippable characters, so this order is idempotent.
func Text(s string) string {
	stripped := strings.Map(func(r rune) rune {
		if stripRune(r) {
			return -1
		}
		return r
	}, s)
	return norm.NFC.String(stripped)
}

func stripRune(r rune) bool {
	switch r {
	case '\t', '\n', '\r':
		return false
	case 0x200B, 0x200C, 0x200D, 0xFEFF, 0x2060: // zero-width + BOM + word joiner
		return true
	}
	if r >= 0x202A && r <= 0x202E { // LRE RLE PDF LRO RLO
		return true
	}
	if r >= 0x2066 && r <= 0x2069 { // LRI RLI FSI PDI
		return true
	}
	if r <= 0x1F || (r >= 0x7F && r <= 0x9F) { // C0, DEL, C1
		return true
	}
	return false
}

// MIMEType reduces a declared media type to either an allow-listed type or
// text/plain. Parameters (charset etc.) are dropped; matching is on the bare
// lowercase type. The text/* family passes through as a whole.
func MIMEType(declared string) string {
	base := strings.ToLower(strings.TrimSpace(declared))
	if base == "" {
		return CoercedMIMEType
	}
	if parsed, _, err := mime.ParseMediaType(base); err == nil {
		base = parsed
	} else if i := strings.IndexByte(base, ';'); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	if strings.HasPrefix(base, "text/") && len(base) > len("text/") {
		return base
	}
	if _, ok := mimeAllowList[base]; ok {
		return base
	}
	return CoercedMIMEType
}

// ContextItem sanitizes one context item's content and media type. The size
// bound is enforced on the raw content before normalization; oversized
// content fails with ContentTooLarge rather than being truncated.
func ContextItem(content, mimeType string) (string, string, error) {
	if len(content) >= MaxContextItemBytes {
		return "", "", federr.ErrContentTooLarge
	}
	return Text(content), MIMEType(mimeType), nil
}
