package controller

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Chandorkar-Technologies/Zero-sub000/actor"
	"github.com/Chandorkar-Technologies/Zero-sub000/driver"
	"github.com/Chandorkar-Technologies/Zero-sub000/models"
	"github.com/Chandorkar-Technologies/Zero-sub000/store"
)

// InboundController accepts raw RFC 2822 messages pushed at us directly,
// typically from an MX hook or a forwarding rule, and folds them into the
// local mirror without waiting for the next provider sync.
type InboundController struct {
	repo   store.Repository
	actors *actor.Actors
	logger *logrus.Logger
}

func NewInboundController(repo store.Repository, actors *actor.Actors, logger *logrus.Logger) *InboundController {
	return &InboundController{repo: repo, actors: actors, logger: logger}
}

// Ingest handles POST /inbound/:connectionID with a raw message body.
func (ic *InboundController) Ingest(c *fiber.Ctx) error {
	conn, err := connectionParam(c, ic.repo)
	if conn == nil {
		return err
	}

	raw := c.Body()
	if len(raw) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Empty message body"})
	}

	cm, err := parseInboundMessage(raw)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("Unparseable message: %v", err),
		})
	}

	if err := ic.actors.For(conn.ID).UpsertBatch(c.Context(), actor.Batch{
		ProviderKind: conn.ProviderKind,
		Messages:     []driver.CanonicalMessage{*cm},
	}); err != nil {
		ic.logger.WithError(err).WithField("connection_id", conn.ID).
			Error("Failed to store inbound message")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store message",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message_id": cm.ID,
		"thread_id":  cm.ThreadID,
	})
}

func connectionParam(c *fiber.Ctx, repo store.Repository) (*models.Connection, error) {
	id, err := strconv.ParseUint(c.Params("connectionID"), 10, 32)
	if err != nil {
		return nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid connection id",
		})
	}
	conn, err := repo.ConnectionByID(c.Context(), uint(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Connection not found",
		})
	}
	if err != nil {
		return nil, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load connection",
		})
	}
	return conn, nil
}

func parseInboundMessage(raw []byte) (*driver.CanonicalMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create message reader: %w", err)
	}

	cm := &driver.CanonicalMessage{
		Labels:     []string{models.LabelInbox},
		ReceivedAt: time.Now(),
	}

	cm.ID = driver.TrimMessageID(mr.Header.Get("Message-Id"))
	if cm.ID == "" {
		cm.ID = uuid.NewString()
	}
	cm.InReplyTo = driver.TrimMessageID(mr.Header.Get("In-Reply-To"))
	cm.References = mr.Header.Get("References")
	cm.Subject, _ = mr.Header.Subject()
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		cm.ReceivedAt = date
	}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		cm.Sender = from[0].Address
	}
	cm.To = addressStrings(mr.Header, "To")
	cm.Cc = addressStrings(mr.Header, "Cc")

	var bodyText, bodyHTML string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to read next part: %w", err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read body: %w", err)
			}
			if strings.Contains(contentType, "text/html") && bodyHTML == "" {
				bodyHTML = string(b)
			} else if strings.Contains(contentType, "text/plain") && bodyText == "" {
				bodyText = string(b)
			}
		case *mail.AttachmentHeader:
			// Payloads are not mirrored locally; keep the metadata so the
			// thread view can list them.
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			n, _ := io.Copy(io.Discard, p.Body)
			cm.Attachments = append(cm.Attachments, driver.Attachment{
				Filename: filename,
				MimeType: contentType,
				Size:     n,
			})
		}
	}
	if bodyText != "" {
		cm.Body = bodyText
	} else {
		cm.Body = bodyHTML
	}
	cm.Snippet = driver.Snippet(cm.Body)

	// A fresh root threads on itself; replies collapse onto the parent's
	// thread during the upsert.
	if cm.InReplyTo == "" {
		cm.ThreadID = cm.ID
	}
	return cm, nil
}

func addressStrings(h mail.Header, field string) []string {
	list, err := h.AddressList(field)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}
