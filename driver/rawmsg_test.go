package driver

import (
	"bytes"
	"encoding/base64"
	"net/mail"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRawMessagePlain(t *testing.T) {
	raw, err := buildRawMessage("sender@example.com", &OutgoingMessage{
		To:      []string{"a@example.com", "b@example.com"},
		Cc:      []string{"c@example.com"},
		Subject: "Status update",
		Body:    "All green.",
	})
	require.NoError(t, err)

	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "sender@example.com", parsed.Header.Get("From"))
	assert.Equal(t, "a@example.com, b@example.com", parsed.Header.Get("To"))
	assert.Equal(t, "Status update", parsed.Header.Get("Subject"))
	assert.Contains(t, parsed.Header.Get("Content-Type"), "text/plain")

	var body bytes.Buffer
	_, err = body.ReadFrom(parsed.Body)
	require.NoError(t, err)
	assert.Equal(t, "All green.", body.String())
}

func TestBuildRawMessageHTML(t *testing.T) {
	raw, err := buildRawMessage("s@x", &OutgoingMessage{
		To:   []string{"a@x"},
		Body: "<p>hi</p>",
		HTML: true,
	})
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Content-Type: text/html")
}

func TestBuildRawMessageReplyHeaders(t *testing.T) {
	raw, err := buildRawMessage("s@x", &OutgoingMessage{
		To:         []string{"a@x"},
		Body:       "ack",
		InReplyTo:  "<parent@x>",
		References: "<root@x> <parent@x>",
	})
	require.NoError(t, err)

	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "<parent@x>", parsed.Header.Get("In-Reply-To"))
	assert.Equal(t, "<root@x> <parent@x>", parsed.Header.Get("References"))
}

func TestBuildRawMessageAttachments(t *testing.T) {
	data := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 64)
	raw, err := buildRawMessage("s@x", &OutgoingMessage{
		To:      []string{"a@x"},
		Subject: "With file",
		Body:    "see attached",
		Attachments: []Attachment{
			{Filename: "dump.bin", MimeType: "application/octet-stream", Data: data},
		},
	})
	require.NoError(t, err)
	text := string(raw)

	assert.Contains(t, text, "multipart/mixed")
	assert.Contains(t, text, `attachment; filename="dump.bin"`)
	assert.Contains(t, text, "Content-Transfer-Encoding: base64")

	// The payload is encoded once and wrapped at the RFC 2045 limit.
	encoded := base64.StdEncoding.EncodeToString(data)
	assert.Contains(t, text, encoded[:76])
	for _, line := range strings.Split(text, "\r\n") {
		assert.LessOrEqual(t, len(line), 998)
	}
}

func TestBuildRawMessageOmitsEmptyHeaders(t *testing.T) {
	raw, err := buildRawMessage("s@x", &OutgoingMessage{
		To:   []string{"a@x"},
		Body: "hi",
	})
	require.NoError(t, err)
	text := string(raw)
	assert.NotContains(t, text, "Cc:")
	assert.NotContains(t, text, "Bcc:")
	assert.NotContains(t, text, "In-Reply-To:")
}
