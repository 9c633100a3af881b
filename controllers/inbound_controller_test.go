package controller

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chandorkar-Technologies/Zero-sub000/models"
)

func rawMessage(headers map[string]string, body string) []byte {
	var b strings.Builder
	for k, v := range headers {
		b.WriteString(k + ": " + v + "\r\n")
	}
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func TestParseInboundMessage(t *testing.T) {
	raw := rawMessage(map[string]string{
		"Message-Id": "<root@example.com>",
		"From":       `"Ada L" <ada@example.com>`,
		"To":         "team@example.com, ops@example.com",
		"Cc":         "cc@example.com",
		"Subject":    "Incident follow-up",
		"Date":       "Mon, 25 May 2026 10:30:00 +0000",
	}, "The postmortem doc is ready for review.")

	cm, err := parseInboundMessage(raw)
	require.NoError(t, err)

	assert.Equal(t, "root@example.com", cm.ID)
	assert.Equal(t, "root@example.com", cm.ThreadID, "fresh message roots its own thread")
	assert.Equal(t, "ada@example.com", cm.Sender)
	assert.Equal(t, []string{"team@example.com", "ops@example.com"}, cm.To)
	assert.Equal(t, []string{"cc@example.com"}, cm.Cc)
	assert.Equal(t, "Incident follow-up", cm.Subject)
	assert.Equal(t, "The postmortem doc is ready for review.", cm.Body)
	assert.Equal(t, cm.Body, cm.Snippet)
	assert.Equal(t, []string{models.LabelInbox}, cm.Labels)
	assert.Equal(t, 2026, cm.ReceivedAt.Year())
}

func TestParseInboundMessageReply(t *testing.T) {
	raw := rawMessage(map[string]string{
		"Message-Id":  "<reply@example.com>",
		"In-Reply-To": "<root@example.com>",
		"References":  "<root@example.com>",
		"From":        "bob@example.com",
		"To":          "ada@example.com",
		"Subject":     "Re: Incident follow-up",
	}, "LGTM.")

	cm, err := parseInboundMessage(raw)
	require.NoError(t, err)

	assert.Equal(t, "root@example.com", cm.InReplyTo)
	assert.Equal(t, "<root@example.com>", cm.References)
	// Thread resolution happens at upsert time, keyed on InReplyTo.
	assert.Empty(t, cm.ThreadID)
}

func TestParseInboundMessageMintsMissingID(t *testing.T) {
	raw := rawMessage(map[string]string{
		"From":    "bob@example.com",
		"To":      "ada@example.com",
		"Subject": "no message id",
	}, "body")

	cm, err := parseInboundMessage(raw)
	require.NoError(t, err)
	assert.NotEmpty(t, cm.ID)
	assert.Equal(t, cm.ID, cm.ThreadID)
}

func TestParseInboundMessageLongSnippet(t *testing.T) {
	body := strings.Repeat("a", 500)
	raw := rawMessage(map[string]string{
		"Message-Id": "<long@example.com>",
		"From":       "bob@example.com",
		"To":         "ada@example.com",
	}, body)

	cm, err := parseInboundMessage(raw)
	require.NoError(t, err)
	assert.Len(t, cm.Snippet, 160)
	assert.Equal(t, body, cm.Body)
}

func TestParseInboundMessageMultibyteSnippet(t *testing.T) {
	// A rune straddling the snippet cut must survive intact; an invalid
	// UTF-8 snippet would poison the upsert and stall the connection.
	body := strings.Repeat("a", 159) + "éclair au café, merci"
	raw := rawMessage(map[string]string{
		"Message-Id": "<utf8@example.com>",
		"From":       "bob@example.com",
		"To":         "ada@example.com",
	}, body)

	cm, err := parseInboundMessage(raw)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(cm.Snippet))
	assert.Equal(t, 160, utf8.RuneCountInString(cm.Snippet))
	assert.Equal(t, strings.Repeat("a", 159)+"é", cm.Snippet)
	assert.Equal(t, body, cm.Body)
}

func TestParseInboundMessageAttachmentMetadata(t *testing.T) {
	var b strings.Builder
	b.WriteString("Message-Id: <att@example.com>\r\n")
	b.WriteString("From: bob@example.com\r\n")
	b.WriteString("To: ada@example.com\r\n")
	b.WriteString("Subject: with attachment\r\n")
	b.WriteString("Content-Type: multipart/mixed; boundary=frontier\r\n")
	b.WriteString("\r\n")
	b.WriteString("--frontier\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString("See attached.\r\n")
	b.WriteString("--frontier\r\n")
	b.WriteString("Content-Type: application/pdf\r\n")
	b.WriteString("Content-Disposition: attachment; filename=\"report.pdf\"\r\n")
	b.WriteString("\r\n")
	b.WriteString("%PDF-1.4 fake payload\r\n")
	b.WriteString("--frontier--\r\n")

	cm, err := parseInboundMessage([]byte(b.String()))
	require.NoError(t, err)

	assert.Equal(t, "See attached.", strings.TrimSpace(cm.Body))
	require.Len(t, cm.Attachments, 1)
	assert.Equal(t, "report.pdf", cm.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", cm.Attachments[0].MimeType)
	assert.Positive(t, cm.Attachments[0].Size)
}

func TestParseInboundMessageGarbage(t *testing.T) {
	_, err := parseInboundMessage([]byte("not a mime message at all\x00\x01"))
	assert.Error(t, err)
}
