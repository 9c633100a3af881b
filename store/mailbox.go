package store

import (
	"context"
	"errors"
	"strconv"

	"github.com/Chandorkar-Technologies/Zero-sub000/driver"
	"github.com/Chandorkar-Technologies/Zero-sub000/models"
)

// Mailbox serves thread reads from the local mirror. It backs the IMAP
// driver's listing surface and the mailbox API's read path.
type Mailbox struct {
	repo  Repository
	blobs BlobStore
}

func NewMailbox(repo Repository, blobs BlobStore) *Mailbox {
	return &Mailbox{repo: repo, blobs: blobs}
}

func (m *Mailbox) ListThreads(ctx context.Context, connectionID uint, folder, query string, limit int, pageToken string) (*driver.ListResult, error) {
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, errors.New("malformed page token")
		}
		offset = n
	}

	threads, err := m.repo.ThreadsByLabel(ctx, connectionID, folder, query, limit, offset)
	if err != nil {
		return nil, err
	}

	result := &driver.ListResult{}
	for _, t := range threads {
		result.Threads = append(result.Threads, driver.ThreadStub{
			ID:            t.ThreadID,
			HistoryMarker: t.LatestReceivedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	if limit > 0 && len(threads) == limit {
		result.NextPageToken = strconv.Itoa(offset + limit)
	}
	return result, nil
}

func (m *Mailbox) GetThread(ctx context.Context, connectionID uint, threadID string) (*driver.ThreadDetail, error) {
	thread, err := m.repo.ThreadByID(ctx, connectionID, threadID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	msgs, err := m.repo.MessagesByThread(ctx, connectionID, threadID)
	if err != nil {
		return nil, err
	}

	detail := &driver.ThreadDetail{Labels: thread.Labels.Labels}
	for _, msg := range msgs {
		body := msg.Body
		if body == "" && msg.BlobKey != "" {
			body, err = m.blobs.Get(ctx, msg.BlobKey)
			if errors.Is(err, ErrNotFound) {
				body = ""
			} else if err != nil {
				return nil, err
			}
		}
		if !msg.IsRead {
			detail.HasUnread = true
		}
		detail.Messages = append(detail.Messages, driver.CanonicalMessage{
			ID:          msg.ProviderMessageID,
			ThreadID:    msg.ThreadID,
			Sender:      msg.Sender,
			To:          msg.To,
			Cc:          msg.Cc,
			Bcc:         msg.Bcc,
			Subject:     msg.Subject,
			Snippet:     msg.Snippet,
			Body:        body,
			InReplyTo:   msg.InReplyTo,
			References:  msg.References,
			ReceivedAt:  msg.ReceivedAt,
			IsRead:      msg.IsRead,
			Labels:      msg.Labels.Labels,
			Attachments: driverAttachments(msg.Attachments),
		})
	}
	if n := len(detail.Messages); n > 0 {
		detail.TotalReplies = n - 1
	}
	return detail, nil
}

func driverAttachments(atts models.AttachmentList) []driver.Attachment {
	if len(atts) == 0 {
		return nil
	}
	out := make([]driver.Attachment, 0, len(atts))
	for _, a := range atts {
		out = append(out, driver.Attachment{
			Filename: a.Filename,
			MimeType: a.MimeType,
			Size:     a.Size,
		})
	}
	return out
}

func (m *Mailbox) ThreadMessageIDs(ctx context.Context, connectionID uint, threadID string) ([]string, error) {
	msgs, err := m.repo.MessagesByThread(ctx, connectionID, threadID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ProviderMessageID)
	}
	return ids, nil
}
