package actor

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Chandorkar-Technologies/Zero-sub000/driver"
	"github.com/Chandorkar-Technologies/Zero-sub000/models"
	"github.com/Chandorkar-Technologies/Zero-sub000/store"
	"github.com/Chandorkar-Technologies/Zero-sub000/style"
)

// Bodies above this size move to the blob store instead of the row.
const inlineBodyLimit = 64 << 10

// Event is one sync progress notification, published after a batch lands.
type Event struct {
	ConnectionID uint      `json:"connection_id"`
	Stage        string    `json:"stage"`
	Messages     int       `json:"messages"`
	Deleted      int       `json:"deleted"`
	At           time.Time `json:"at"`
}

// EventSink receives progress events. Publish must not block.
type EventSink interface {
	Publish(ev Event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

// NopSink discards events.
var NopSink EventSink = nopSink{}

// Actors hands out per-connection actors over shared infrastructure.
type Actors struct {
	dispatcher *Dispatcher
	repo       store.Repository
	blobs      store.BlobStore
	mailbox    *store.Mailbox
	events     EventSink
	log        *logrus.Logger
}

func New(dispatcher *Dispatcher, repo store.Repository, blobs store.BlobStore, mailbox *store.Mailbox, events EventSink, log *logrus.Logger) *Actors {
	if events == nil {
		events = NopSink
	}
	return &Actors{
		dispatcher: dispatcher,
		repo:       repo,
		blobs:      blobs,
		mailbox:    mailbox,
		events:     events,
		log:        log,
	}
}

// For returns the actor for one connection. Actors are cheap handles; the
// durable state lives in the repository and serialization in the dispatcher.
func (a *Actors) For(connectionID uint) *ConnectionActor {
	return &ConnectionActor{a: a, connectionID: connectionID}
}

// ConnectionActor owns all mutations of one connection's mail state.
type ConnectionActor struct {
	a            *Actors
	connectionID uint
}

func (c *ConnectionActor) ConnectionID() uint { return c.connectionID }

// Batch is the normalized outcome of one incremental fetch. NextCursor is
// persisted only after every row in the batch, which is what makes replay
// after a crash converge.
type Batch struct {
	ProviderKind string
	Messages     []driver.CanonicalMessage
	DeletedIDs   []string
	NextCursor   string
}

// UpsertBatch persists the batch and then advances the cursor, serialized
// with every other mutation of this connection.
func (c *ConnectionActor) UpsertBatch(ctx context.Context, batch Batch) error {
	return c.a.dispatcher.Do(ctx, c.connectionID, func(ctx context.Context) error {
		threads := make(map[string]*models.Thread)

		for i := range batch.Messages {
			cm := &batch.Messages[i]
			threadID, err := c.resolveThreadID(ctx, cm)
			if err != nil {
				return err
			}

			msg := models.Message{
				ConnectionID:      c.connectionID,
				ProviderMessageID: cm.ID,
				ThreadID:          threadID,
				InReplyTo:         cm.InReplyTo,
				References:        cm.References,
				Sender:            cm.Sender,
				To:                cm.To,
				Cc:                cm.Cc,
				Bcc:               cm.Bcc,
				Subject:           cm.Subject,
				Snippet:           cm.Snippet,
				ReceivedAt:        cm.ReceivedAt,
				IsRead:            cm.IsRead,
				Labels:            models.NewLabelSet(cm.Labels...),
				Attachments:       attachmentList(cm.Attachments),
			}
			if len(cm.Body) > inlineBodyLimit {
				key := store.BlobKey(c.connectionID, cm.ID)
				if err := c.a.blobs.Put(ctx, key, cm.Body); err != nil {
					return err
				}
				msg.BlobKey = key
			} else {
				msg.Body = cm.Body
			}

			if err := c.a.repo.UpsertMessage(ctx, &msg); err != nil {
				return err
			}

			t, ok := threads[threadID]
			if !ok {
				t = &models.Thread{
					ConnectionID: c.connectionID,
					ThreadID:     threadID,
					Labels:       models.NewLabelSet(),
				}
				threads[threadID] = t
			}
			if cm.ReceivedAt.After(t.LatestReceivedAt) {
				t.LatestReceivedAt = cm.ReceivedAt
				t.Subject = cm.Subject
				t.Sender = cm.Sender
			}
			for _, l := range cm.Labels {
				t.Labels.Add(l)
			}
		}

		for _, t := range threads {
			if err := c.a.repo.UpsertThread(ctx, t); err != nil {
				return err
			}
		}

		if err := c.a.repo.DeleteMessages(ctx, c.connectionID, batch.DeletedIDs); err != nil {
			return err
		}

		if batch.NextCursor != "" {
			if err := c.a.repo.SetCursor(ctx, c.connectionID, batch.ProviderKind, batch.NextCursor); err != nil {
				return err
			}
		}
		if err := c.a.repo.TouchLastSynced(ctx, c.connectionID, time.Now()); err != nil {
			return err
		}

		c.a.events.Publish(Event{
			ConnectionID: c.connectionID,
			Stage:        "batch_applied",
			Messages:     len(batch.Messages),
			Deleted:      len(batch.DeletedIDs),
			At:           time.Now(),
		})
		return nil
	})
}

// resolveThreadID collapses reply chains for providers without native
// threads: a message replying to a known message joins that message's
// thread instead of rooting its own.
func (c *ConnectionActor) resolveThreadID(ctx context.Context, cm *driver.CanonicalMessage) (string, error) {
	if cm.InReplyTo != "" {
		parent, err := c.a.repo.MessageByProviderID(ctx, c.connectionID, cm.InReplyTo)
		if err == nil && parent != nil {
			return parent.ThreadID, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
	}
	if cm.ThreadID != "" {
		return cm.ThreadID, nil
	}
	return cm.ID, nil
}

func attachmentList(atts []driver.Attachment) models.AttachmentList {
	if len(atts) == 0 {
		return nil
	}
	out := make(models.AttachmentList, 0, len(atts))
	for _, a := range atts {
		out = append(out, models.Attachment{
			Filename: a.Filename,
			MimeType: a.MimeType,
			Size:     a.Size,
		})
	}
	return out
}

// ApplyLabelMutation mirrors the reserved label semantics locally: TRASH
// deletes the thread, UNREAD toggles the read flag, anything else is a
// plain set mutation.
func (c *ConnectionActor) ApplyLabelMutation(ctx context.Context, threadID string, change driver.LabelChange) error {
	return c.a.dispatcher.Do(ctx, c.connectionID, func(ctx context.Context) error {
		var plainAdd, plainRemove []string
		trash, markRead, markUnread := false, false, false

		for _, l := range change.AddLabels {
			switch l {
			case models.LabelTrash:
				trash = true
			case models.LabelUnread:
				markUnread = true
			default:
				plainAdd = append(plainAdd, l)
			}
		}
		for _, l := range change.RemoveLabels {
			if l == models.LabelUnread {
				markRead = true
				continue
			}
			plainRemove = append(plainRemove, l)
		}

		if trash {
			return c.deleteThreadLocked(ctx, threadID)
		}
		if markRead {
			if err := c.a.repo.SetThreadRead(ctx, c.connectionID, threadID, true); err != nil {
				return err
			}
		}
		if markUnread {
			if err := c.a.repo.SetThreadRead(ctx, c.connectionID, threadID, false); err != nil {
				return err
			}
		}
		if len(plainAdd) == 0 && len(plainRemove) == 0 {
			return nil
		}
		return c.a.repo.ApplyThreadLabels(ctx, c.connectionID, threadID, plainAdd, plainRemove)
	})
}

func (c *ConnectionActor) deleteThreadLocked(ctx context.Context, threadID string) error {
	msgs, err := c.a.repo.MessagesByThread(ctx, c.connectionID, threadID)
	if err != nil {
		return err
	}
	var blobKeys []string
	for _, m := range msgs {
		if m.BlobKey != "" {
			blobKeys = append(blobKeys, m.BlobKey)
		}
	}
	if err := c.a.repo.DeleteThread(ctx, c.connectionID, threadID); err != nil {
		return err
	}
	if err := c.a.blobs.Delete(ctx, blobKeys...); err != nil {
		// Orphan blobs are harmless; log and move on.
		c.a.log.WithError(err).WithField("connection_id", c.connectionID).
			Warn("Failed to delete message blobs")
	}
	return nil
}

// DeleteThread removes the thread and its messages locally.
func (c *ConnectionActor) DeleteThread(ctx context.Context, threadID string) error {
	return c.a.dispatcher.Do(ctx, c.connectionID, func(ctx context.Context) error {
		return c.deleteThreadLocked(ctx, threadID)
	})
}

// SetThreadRead toggles the read flag on every message of the thread.
// Idempotent: concurrent calls converge on the same final state.
func (c *ConnectionActor) SetThreadRead(ctx context.Context, threadID string, read bool) error {
	return c.a.dispatcher.Do(ctx, c.connectionID, func(ctx context.Context) error {
		return c.a.repo.SetThreadRead(ctx, c.connectionID, threadID, read)
	})
}

// MergeStyleSample folds one sent body into the connection's style
// aggregate.
func (c *ConnectionActor) MergeStyleSample(ctx context.Context, body string) error {
	return c.a.dispatcher.Do(ctx, c.connectionID, func(ctx context.Context) error {
		matrix, err := c.a.repo.StyleMatrix(ctx, c.connectionID)
		if err != nil {
			return err
		}
		sample := style.Extract(body)
		matrix.State, matrix.SampleCount = style.Merge(matrix.State, matrix.SampleCount, sample)
		return c.a.repo.SaveStyleMatrix(ctx, matrix)
	})
}

// Read accessors go straight to the store; reads need no serialization.

func (c *ConnectionActor) ListThreads(ctx context.Context, folder, query string, limit int, pageToken string) (*driver.ListResult, error) {
	return c.a.mailbox.ListThreads(ctx, c.connectionID, folder, query, limit, pageToken)
}

func (c *ConnectionActor) ThreadDetail(ctx context.Context, threadID string) (*driver.ThreadDetail, error) {
	return c.a.mailbox.GetThread(ctx, c.connectionID, threadID)
}

func (c *ConnectionActor) StyleSummary(ctx context.Context) (*models.StyleMatrix, error) {
	return c.a.repo.StyleMatrix(ctx, c.connectionID)
}
