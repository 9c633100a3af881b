package driver

import (
	"context"
	"strings"
	"time"

	"github.com/Chandorkar-Technologies/Zero-sub000/models"
)

// ThreadStub is one conversation entry in a folder listing.
type ThreadStub struct {
	ID            string `json:"id"`
	HistoryMarker string `json:"history_marker"`
}

// ListResult is a page of thread stubs, deduplicated by thread id.
type ListResult struct {
	Threads       []ThreadStub `json:"threads"`
	NextPageToken string       `json:"next_page_token,omitempty"`
}

// CanonicalMessage is the provider-agnostic message shape every adapter
// normalizes into.
type CanonicalMessage struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	Sender     string    `json:"sender"`
	To         []string  `json:"to"`
	Cc         []string  `json:"cc"`
	Bcc        []string  `json:"bcc"`
	Subject    string    `json:"subject"`
	Snippet    string    `json:"snippet"`
	Body       string    `json:"body"`
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	References string    `json:"references,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	IsRead     bool      `json:"is_read"`
	Labels     []string  `json:"labels"`
	// Attachment metadata only; payloads are fetched on demand.
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ThreadDetail is the full message set of one thread, oldest-first.
type ThreadDetail struct {
	Messages     []CanonicalMessage `json:"messages"`
	HasUnread    bool               `json:"has_unread"`
	TotalReplies int                `json:"total_replies"`
	Labels       []string           `json:"labels"`
}

// Attachment is a typed byte buffer; adapters encode it explicitly for
// their wire format and never re-encode it implicitly.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size,omitempty"`
	Data     []byte `json:"-"`
}

// OutgoingMessage is one message to send.
type OutgoingMessage struct {
	To          []string     `json:"to" validate:"required,min=1"`
	Cc          []string     `json:"cc"`
	Bcc         []string     `json:"bcc"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	HTML        bool         `json:"html"`
	ThreadID    string       `json:"thread_id,omitempty"`
	InReplyTo   string       `json:"in_reply_to,omitempty"`
	References  string       `json:"references,omitempty"`
	Attachments []Attachment `json:"-"`
}

// SendResult identifies the sent message on the provider.
type SendResult struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id,omitempty"`
}

// UserInfo is the provider account identity.
type UserInfo struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Photo   string `json:"photo,omitempty"`
}

// ChangeList is the incremental change set since a cursor. A NotFound error
// from Changes means the cursor expired and the caller must refetch.
type ChangeList struct {
	Messages   []CanonicalMessage `json:"messages"`
	DeletedIDs []string           `json:"deleted_ids"`
	NextCursor string             `json:"next_cursor"`
}

// SubscriptionInfo describes a registered push subscription.
type SubscriptionInfo struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LabelChange is a label mutation request. TRASH and UNREAD carry reserved
// semantics applied identically by every adapter: adding TRASH deletes the
// thread, UNREAD add/remove toggles the read flag.
type LabelChange struct {
	AddLabels    []string `json:"add_labels"`
	RemoveLabels []string `json:"remove_labels"`
}

// Driver is the canonical per-provider contract. Implementations translate
// their provider's wire model into the canonical shapes above and return
// only typed *Error failures.
type Driver interface {
	List(ctx context.Context, folder, query string, maxResults int64, pageToken string) (*ListResult, error)
	Get(ctx context.Context, threadID string) (*ThreadDetail, error)
	Create(ctx context.Context, msg *OutgoingMessage) (*SendResult, error)
	Delete(ctx context.Context, threadID string) error
	MarkAsRead(ctx context.Context, threadIDs []string) error
	MarkAsUnread(ctx context.Context, threadIDs []string) error
	ModifyLabels(ctx context.Context, threadIDs []string, change LabelChange) error
	GetUserInfo(ctx context.Context) (*UserInfo, error)
	RevokeToken(ctx context.Context, token string) (bool, error)
	GetScope() string

	// Incremental sync and push lifecycle, driven by the sync pipeline and
	// the subscription manager.
	Changes(ctx context.Context, cursor string) (*ChangeList, error)
	Subscribe(ctx context.Context) (*SubscriptionInfo, error)
	Unsubscribe(ctx context.Context) error
}

// Factory builds a driver for one connection. Registered per provider kind.
type Factory interface {
	ForConnection(ctx context.Context, conn *models.Connection) (Driver, error)
}

const snippetMaxRunes = 160

// Snippet returns the leading portion of a body for list views. The cut
// lands on a rune boundary; the stored snippet must stay valid UTF-8 for
// the text column behind it.
func Snippet(body string) string {
	n := 0
	for i := range body {
		if n == snippetMaxRunes {
			return strings.TrimSpace(body[:i])
		}
		n++
	}
	return strings.TrimSpace(body)
}

// TrimMessageID strips the RFC 5322 angle brackets so every ingestion path
// stores the same form and reply chains join across paths.
func TrimMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// splitReserved separates the reserved TRASH/UNREAD semantics from plain
// label writes so every adapter applies them identically.
type reservedOps struct {
	trash       bool
	markRead    bool
	markUnread  bool
	plainAdd    []string
	plainRemove []string
}

func splitReserved(change LabelChange) reservedOps {
	var ops reservedOps
	for _, l := range change.AddLabels {
		switch l {
		case models.LabelTrash:
			ops.trash = true
		case models.LabelUnread:
			ops.markUnread = true
		default:
			ops.plainAdd = append(ops.plainAdd, l)
		}
	}
	for _, l := range change.RemoveLabels {
		switch l {
		case models.LabelUnread:
			ops.markRead = true
		case models.LabelTrash:
			// Removing TRASH is a plain label write; restore is not part of
			// the reserved semantics.
			ops.plainRemove = append(ops.plainRemove, l)
		default:
			ops.plainRemove = append(ops.plainRemove, l)
		}
	}
	return ops
}
