package controller

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/Chandorkar-Technologies/Zero-sub000/actor"
	"github.com/Chandorkar-Technologies/Zero-sub000/driver"
	"github.com/Chandorkar-Technologies/Zero-sub000/models"
	"github.com/Chandorkar-Technologies/Zero-sub000/store"
)

// MailboxController is the consumer-facing mail surface: listings, thread
// detail, send and label mutations, all expressed over the canonical driver
// contract plus the local mirror.
type MailboxController struct {
	repo     store.Repository
	registry *driver.Registry
	actors   *actor.Actors
	validate *validator.Validate
	logger   *logrus.Logger
}

func NewMailboxController(repo store.Repository, registry *driver.Registry, actors *actor.Actors, logger *logrus.Logger) *MailboxController {
	return &MailboxController{
		repo:     repo,
		registry: registry,
		actors:   actors,
		validate: validator.New(),
		logger:   logger,
	}
}

func (mc *MailboxController) connection(c *fiber.Ctx) (*models.Connection, error) {
	id, err := strconv.ParseUint(c.Params("connectionID"), 10, 32)
	if err != nil {
		return nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid connection id",
		})
	}
	conn, err := mc.repo.ConnectionByID(c.Context(), uint(id))
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

func (mc *MailboxController) driverFor(c *fiber.Ctx, conn *models.Connection) (driver.Driver, error) {
	drv, err := mc.registry.ForConnection(c.Context(), conn)
	if err != nil {
		return nil, mc.driverError(c, conn, err)
	}
	return drv, nil
}

// driverError maps the failure taxonomy onto HTTP statuses and flags the
// connection when credentials went bad.
func (mc *MailboxController) driverError(c *fiber.Ctx, conn *models.Connection, err error) error {
	switch {
	case driver.IsAuth(err):
		if ferr := mc.repo.FlagReconnect(c.Context(), conn.ID, err.Error()); ferr != nil {
			mc.logger.WithError(ferr).Error("Failed to flag connection for reconnect")
		}
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":           "Provider rejected credentials, reconnect required",
			"needs_reconnect": true,
		})
	case driver.IsNotFound(err):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Not found on provider"})
	case driver.IsValidation(err):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case driver.IsUnsupported(err):
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{
			"error": "Operation not supported by this provider",
		})
	default:
		mc.logger.WithError(err).WithField("connection_id", conn.ID).Error("Provider call failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "Provider temporarily unavailable"})
	}
}

// ListThreads handles GET /mailbox/:connectionID/threads.
func (mc *MailboxController) ListThreads(c *fiber.Ctx) error {
	conn, err := mc.connection(c)
	if conn == nil {
		return err
	}
	drv, err := mc.driverFor(c, conn)
	if drv == nil {
		return err
	}

	folder := c.Query("folder", models.LabelInbox)
	query := c.Query("q")
	limit, _ := strconv.ParseInt(c.Query("limit", "50"), 10, 64)
	pageToken := c.Query("page_token")

	result, err := drv.List(c.Context(), folder, query, limit, pageToken)
	if err != nil {
		return mc.driverError(c, conn, err)
	}
	return c.JSON(result)
}

// GetThread handles GET /mailbox/:connectionID/threads/:threadID.
func (mc *MailboxController) GetThread(c *fiber.Ctx) error {
	conn, err := mc.connection(c)
	if conn == nil {
		return err
	}
	drv, err := mc.driverFor(c, conn)
	if drv == nil {
		return err
	}

	detail, err := drv.Get(c.Context(), c.Params("threadID"))
	if err != nil {
		return mc.driverError(c, conn, err)
	}
	return c.JSON(detail)
}

type sendRequest struct {
	To         []string `json:"to" validate:"required,min=1,dive,email"`
	Cc         []string `json:"cc" validate:"omitempty,dive,email"`
	Bcc        []string `json:"bcc" validate:"omitempty,dive,email"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body" validate:"required"`
	HTML       bool     `json:"html"`
	ThreadID   string   `json:"thread_id"`
	InReplyTo  string   `json:"in_reply_to"`
	References string   `json:"references"`
}

// SendMessage handles POST /mailbox/:connectionID/messages.
func (mc *MailboxController) SendMessage(c *fiber.Ctx) error {
	conn, err := mc.connection(c)
	if conn == nil {
		return err
	}

	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if err := mc.validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	drv, err := mc.driverFor(c, conn)
	if drv == nil {
		return err
	}

	result, err := drv.Create(c.Context(), &driver.OutgoingMessage{
		To:         req.To,
		Cc:         req.Cc,
		Bcc:        req.Bcc,
		Subject:    req.Subject,
		Body:       req.Body,
		HTML:       req.HTML,
		ThreadID:   req.ThreadID,
		InReplyTo:  req.InReplyTo,
		References: req.References,
	})
	if err != nil {
		return mc.driverError(c, conn, err)
	}

	// Raw IMAP listings are served from the local mirror and no provider
	// sync ever delivers the sent message, so fold it in here. Gmail and
	// Graph surface it through their next incremental sync instead.
	if conn.ProviderKind == models.ProviderIMAP {
		sent := driver.CanonicalMessage{
			ID:         result.ID,
			ThreadID:   result.ThreadID,
			Sender:     conn.EmailAddress,
			To:         req.To,
			Cc:         req.Cc,
			Bcc:        req.Bcc,
			Subject:    req.Subject,
			Snippet:    driver.Snippet(req.Body),
			Body:       req.Body,
			InReplyTo:  driver.TrimMessageID(req.InReplyTo),
			References: req.References,
			ReceivedAt: time.Now(),
			IsRead:     true,
			Labels:     []string{models.LabelSent},
		}
		if err := mc.actors.For(conn.ID).UpsertBatch(c.Context(), actor.Batch{
			ProviderKind: conn.ProviderKind,
			Messages:     []driver.CanonicalMessage{sent},
		}); err != nil {
			mc.logger.WithError(err).WithField("connection_id", conn.ID).
				Error("Failed to mirror sent message locally")
		}
	}

	// Fold the sent body into the writing style aggregate; a failure here
	// never fails the send.
	if err := mc.actors.For(conn.ID).MergeStyleSample(c.Context(), req.Body); err != nil {
		mc.logger.WithError(err).WithField("connection_id", conn.ID).
			Warn("Failed to merge style sample")
	}

	return c.Status(fiber.StatusCreated).JSON(result)
}

type labelRequest struct {
	AddLabels    []string `json:"add_labels"`
	RemoveLabels []string `json:"remove_labels"`
}

// ModifyLabels handles POST /mailbox/:connectionID/threads/:threadID/labels.
// The mutation lands remotely first, then mirrors into the local store.
func (mc *MailboxController) ModifyLabels(c *fiber.Ctx) error {
	conn, err := mc.connection(c)
	if conn == nil {
		return err
	}

	var req labelRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if len(req.AddLabels) == 0 && len(req.RemoveLabels) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "No label changes given"})
	}

	drv, err := mc.driverFor(c, conn)
	if drv == nil {
		return err
	}

	threadID := c.Params("threadID")
	change := driver.LabelChange{AddLabels: req.AddLabels, RemoveLabels: req.RemoveLabels}

	if err := drv.ModifyLabels(c.Context(), []string{threadID}, change); err != nil {
		return mc.driverError(c, conn, err)
	}
	if err := mc.actors.For(conn.ID).ApplyLabelMutation(c.Context(), threadID, change); err != nil {
		mc.logger.WithError(err).WithField("connection_id", conn.ID).
			Error("Failed to mirror label mutation locally")
	}

	return c.JSON(fiber.Map{"status": "applied"})
}

// MarkRead handles POST /mailbox/:connectionID/threads/:threadID/read.
func (mc *MailboxController) MarkRead(c *fiber.Ctx) error {
	return mc.setRead(c, true)
}

// MarkUnread handles POST /mailbox/:connectionID/threads/:threadID/unread.
func (mc *MailboxController) MarkUnread(c *fiber.Ctx) error {
	return mc.setRead(c, false)
}

func (mc *MailboxController) setRead(c *fiber.Ctx, read bool) error {
	conn, err := mc.connection(c)
	if conn == nil {
		return err
	}
	drv, err := mc.driverFor(c, conn)
	if drv == nil {
		return err
	}

	threadID := c.Params("threadID")
	if read {
		err = drv.MarkAsRead(c.Context(), []string{threadID})
	} else {
		err = drv.MarkAsUnread(c.Context(), []string{threadID})
	}
	if err != nil {
		return mc.driverError(c, conn, err)
	}

	if err := mc.actors.For(conn.ID).SetThreadRead(c.Context(), threadID, read); err != nil {
		mc.logger.WithError(err).WithField("connection_id", conn.ID).
			Error("Failed to mirror read flag locally")
	}
	return c.JSON(fiber.Map{"status": "applied"})
}

// DeleteThread handles DELETE /mailbox/:connectionID/threads/:threadID.
func (mc *MailboxController) DeleteThread(c *fiber.Ctx) error {
	conn, err := mc.connection(c)
	if conn == nil {
		return err
	}
	drv, err := mc.driverFor(c, conn)
	if drv == nil {
		return err
	}

	threadID := c.Params("threadID")
	if err := drv.Delete(c.Context(), threadID); err != nil {
		return mc.driverError(c, conn, err)
	}
	if err := mc.actors.For(conn.ID).DeleteThread(c.Context(), threadID); err != nil {
		mc.logger.WithError(err).WithField("connection_id", conn.ID).
			Error("Failed to mirror thread deletion locally")
	}
	return c.JSON(fiber.Map{"status": "deleted"})
}

// StyleSummary handles GET /mailbox/:connectionID/style.
func (mc *MailboxController) StyleSummary(c *fiber.Ctx) error {
	conn, err := mc.connection(c)
	if conn == nil {
		return err
	}
	matrix, err := mc.actors.For(conn.ID).StyleSummary(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load style summary",
		})
	}
	return c.JSON(matrix)
}
