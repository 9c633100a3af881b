package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Canonical label vocabulary shared by every provider adapter.
const (
	LabelInbox   = "INBOX"
	LabelSent    = "SENT"
	LabelSpam    = "SPAM"
	LabelTrash   = "TRASH"
	LabelArchive = "ARCHIVE"
	LabelSnoozed = "SNOOZED"
	LabelUnread  = "UNREAD"
)

const labelSetSchemaVersion = 1

// LabelSet is the versioned jsonb representation of a label collection.
// The explicit version field lets future format changes migrate on read
// instead of duck-typing the column.
type LabelSet struct {
	Version int      `json:"v"`
	Labels  []string `json:"labels"`
}

func NewLabelSet(labels ...string) LabelSet {
	ls := LabelSet{Version: labelSetSchemaVersion}
	for _, l := range labels {
		ls.Add(l)
	}
	return ls
}

func (ls *LabelSet) Has(label string) bool {
	for _, l := range ls.Labels {
		if l == label {
			return true
		}
	}
	return false
}

func (ls *LabelSet) Add(label string) {
	if label == "" || ls.Has(label) {
		return
	}
	ls.Labels = append(ls.Labels, label)
}

func (ls *LabelSet) Remove(label string) {
	out := ls.Labels[:0]
	for _, l := range ls.Labels {
		if l != label {
			out = append(out, l)
		}
	}
	ls.Labels = out
}

func (ls LabelSet) Value() (driver.Value, error) {
	if ls.Version == 0 {
		ls.Version = labelSetSchemaVersion
	}
	return json.Marshal(ls)
}

func (ls *LabelSet) Scan(value interface{}) error {
	if value == nil {
		*ls = NewLabelSet()
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			b = []byte(s)
		} else {
			return fmt.Errorf("unsupported label set column type %T", value)
		}
	}
	return json.Unmarshal(b, ls)
}

// StringList is a jsonb-backed address list (to/cc/bcc).
type StringList []string

func (sl StringList) Value() (driver.Value, error) {
	if sl == nil {
		sl = StringList{}
	}
	return json.Marshal(sl)
}

func (sl *StringList) Scan(value interface{}) error {
	if value == nil {
		*sl = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			b = []byte(s)
		} else {
			return fmt.Errorf("unsupported string list column type %T", value)
		}
	}
	return json.Unmarshal(b, sl)
}

// Attachment is per-message attachment metadata. Payloads stay on the
// provider and are fetched on demand.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size,omitempty"`
}

// AttachmentList is the jsonb column form of a message's attachments.
type AttachmentList []Attachment

func (al AttachmentList) Value() (driver.Value, error) {
	if al == nil {
		al = AttachmentList{}
	}
	return json.Marshal(al)
}

func (al *AttachmentList) Scan(value interface{}) error {
	if value == nil {
		*al = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			b = []byte(s)
		} else {
			return fmt.Errorf("unsupported attachment list column type %T", value)
		}
	}
	return json.Unmarshal(b, al)
}

// Thread groups messages that share a conversation identity.
type Thread struct {
	gorm.Model
	ConnectionID uint   `gorm:"not null;uniqueIndex:idx_threads_conn_thread" json:"connection_id"`
	ThreadID     string `gorm:"not null;uniqueIndex:idx_threads_conn_thread" json:"thread_id"`

	Subject          string    `json:"subject"`
	Sender           string    `json:"sender"`
	LatestReceivedAt time.Time `gorm:"index" json:"latest_received_at"`
	Labels           LabelSet  `gorm:"type:jsonb" json:"labels"`

	Connection Connection `json:"-"`
}

// Message is one normalized email. (connection_id, provider_message_id) is
// unique, so re-ingestion is always an idempotent upsert.
type Message struct {
	gorm.Model
	ConnectionID      uint   `gorm:"not null;uniqueIndex:idx_messages_conn_provider" json:"connection_id"`
	ProviderMessageID string `gorm:"not null;uniqueIndex:idx_messages_conn_provider" json:"provider_message_id"`
	ThreadID          string `gorm:"not null;index" json:"thread_id"`

	InReplyTo  string `json:"in_reply_to"`
	References string `json:"references"`

	Sender string     `gorm:"not null" json:"sender"`
	To     StringList `gorm:"type:jsonb" json:"to"`
	Cc     StringList `gorm:"type:jsonb" json:"cc"`
	Bcc    StringList `gorm:"type:jsonb" json:"bcc"`

	Subject string `json:"subject"`
	Snippet string `json:"snippet"`
	// Small bodies are stored inline; large ones live in the blob store
	// under BlobKey. At most one of the two is set.
	Body    string `gorm:"type:text" json:"body"`
	BlobKey string `json:"blob_key"`

	ReceivedAt  time.Time      `gorm:"not null;index" json:"received_at"`
	IsRead      bool           `gorm:"default:false" json:"is_read"`
	Labels      LabelSet       `gorm:"type:jsonb" json:"labels"`
	Attachments AttachmentList `gorm:"type:jsonb" json:"attachments"`

	Connection Connection `json:"-"`
}
