package sanitize

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/text/unicode/norm"

	"github.com/tezit/relay/federr"
)

func TestTextStripsZeroWidth(t *testing.T) {
	in := "he\u200bllo\u200c wo\u200drld\ufeff!\u2060"
	require.Equal(t, "hello world!", Text(in))
}

func TestTextStripsBidiOverrides(t *testing.T) {
	in := "a\u202ab\u202bc\u202cd\u202de\u202ef\u2066g\u2067h\u2068i\u2069j"
	require.Equal(t, "abcdefghij", Text(in))
}

func TestTextStripsControls(t *testing.T) {
	in := "a\x00b\x07c\x1Fd\x7Fef"
	require.Equal(t, "abcdef", Text(in))

	// tab, newline and carriage return survive
	require.Equal(t, "a\tb\nc\rd", Text("a\tb\nc\rd"))
}

func TestTextNormalizesNFC(t *testing.T) {
	// e + combining acute composes to é
	require.Equal(t, "café", Text("cafe\u0301"))
}

func TestTextIdempotent(t *testing.T) {
	inputs := []string{
		"plain ascii",
		"cafe\u0301 \u200b mixed \u202e bidi",
		"tabs\tand\nnewlines\r",
		"\ufeffbom prefix",
		// zero-width between base letter and combining mark: stripping must
		// happen before composition or the output is not a fixed point
		"e\u200b\u0301",
		"a\u202e\u0308b",
	}
	for _, in := range inputs {
		once := Text(in)
		require.Equal(t, once, Text(once))
		require.True(t, norm.NFC.IsNormalString(once), "input %q", in)
	}
}

func TestMIMETypeAllowList(t *testing.T) {
	cases := map[string]string{
		"text/plain":                "text/plain",
		"text/markdown":             "text/markdown",
		"TEXT/HTML":                 "text/html",
		"text/plain; charset=utf-8": "text/plain",
		"image/png":                 "image/png",
		"image/jpeg":                "image/jpeg",
		"application/pdf":           "application/pdf",
		"application/json":          "application/json",
		"video/mp4":                 "video/mp4",
		"application/x-sh":          "text/plain",
		"application/octet-stream":  "text/plain",
		"image/svg+xml":             "text/plain",
		"":                          "text/plain",
		"text/":                     "text/plain",
		"not a mime type":           "text/plain",
	}
	for in, want := range cases {
		require.Equal(t, want, MIMEType(in), "input %q", in)
	}
}

func TestContextItemSizeLimit(t *testing.T) {
	underLimit := strings.Repeat("a", MaxContextItemBytes-1)
	content, mimeType, err := ContextItem(underLimit, "text/plain")
	require.NoError(t, err)
	require.Equal(t, underLimit, content)
	require.Equal(t, "text/plain", mimeType)

	atLimit := strings.Repeat("a", MaxContextItemBytes)
	_, _, err = ContextItem(atLimit, "text/plain")
	require.Error(t, err)
	require.True(t, errors.Is(err, federr.ErrContentTooLarge))
	require.Equal(t, federr.CodeInvalidArgument, federr.CodeOf(err))
}

func TestContextItemSanitizesContentAndType(t *testing.T) {
	content, mimeType, err := ContextItem("pay\u200bload", "application/x-evil")
	require.NoError(t, err)
	require.Equal(t, "payload", content)
	require.Equal(t, "text/plain", mimeType)
}
