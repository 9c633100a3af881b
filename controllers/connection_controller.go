package controller

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/Chandorkar-Technologies/Zero-sub000/config"
	"github.com/Chandorkar-Technologies/Zero-sub000/driver"
	"github.com/Chandorkar-Technologies/Zero-sub000/models"
	"github.com/Chandorkar-Technologies/Zero-sub000/store"
	"github.com/Chandorkar-Technologies/Zero-sub000/subscription"
	"github.com/Chandorkar-Technologies/Zero-sub000/utils"
)

// ConnectionController manages the lifecycle of linked mail accounts.
type ConnectionController struct {
	cfg      *config.Config
	repo     store.Repository
	registry *driver.Registry
	subs     *subscription.Manager
	queue    store.TaskQueue
	validate *validator.Validate
	logger   *logrus.Logger
}

func NewConnectionController(cfg *config.Config, repo store.Repository, registry *driver.Registry, subs *subscription.Manager, queue store.TaskQueue, logger *logrus.Logger) *ConnectionController {
	return &ConnectionController{
		cfg:      cfg,
		repo:     repo,
		registry: registry,
		subs:     subs,
		queue:    queue,
		validate: validator.New(),
		logger:   logger,
	}
}

type linkRequest struct {
	UserID       uint   `json:"user_id" validate:"required"`
	Name         string `json:"name" validate:"required"`
	EmailAddress string `json:"email_address" validate:"required,email"`
	ProviderKind string `json:"provider_kind" validate:"required,oneof=google microsoft imap"`

	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenExpiry  time.Time `json:"token_expiry"`

	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"imap_password"`
	IMAPEncryption string `json:"imap_encryption" validate:"omitempty,oneof=SSL TLS STARTTLS NONE"`
	SMTPHost       string `json:"smtp_host"`
	SMTPPort       int    `json:"smtp_port"`
	SMTPUsername   string `json:"smtp_username"`
	SMTPPassword   string `json:"smtp_password"`
	SMTPEncryption string `json:"smtp_encryption" validate:"omitempty,oneof=SSL TLS STARTTLS NONE"`
}

// Link handles POST /connections: encrypts credentials at rest, verifies
// them against the provider, enables push and queues the bootstrap sync.
func (cc *ConnectionController) Link(c *fiber.Ctx) error {
	var req linkRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if err := cc.validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	conn := models.Connection{
		UserID:       req.UserID,
		Name:         req.Name,
		EmailAddress: req.EmailAddress,
		ProviderKind: req.ProviderKind,
		TokenExpiry:  req.TokenExpiry,
		Scope:        "",
	}

	var err error
	key := cc.cfg.EncryptionKey
	if conn.AccessToken, err = utils.Encrypt(req.AccessToken, key); err == nil {
		conn.RefreshToken, err = utils.Encrypt(req.RefreshToken, key)
	}
	if err == nil {
		conn.IMAPPassword, err = utils.Encrypt(req.IMAPPassword, key)
	}
	if err == nil {
		conn.SMTPPassword, err = utils.Encrypt(req.SMTPPassword, key)
	}
	if err != nil {
		cc.logger.WithError(err).Error("Failed to encrypt credentials")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store credentials",
		})
	}
	conn.IMAPHost = req.IMAPHost
	conn.IMAPPort = req.IMAPPort
	conn.IMAPUsername = req.IMAPUsername
	conn.IMAPEncryption = req.IMAPEncryption
	conn.SMTPHost = req.SMTPHost
	conn.SMTPPort = req.SMTPPort
	conn.SMTPUsername = req.SMTPUsername
	conn.SMTPEncryption = req.SMTPEncryption

	if !conn.HasCredentials() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing credentials for provider",
		})
	}

	// Verify the credentials actually work before persisting.
	drv, err := cc.registry.ForConnection(c.Context(), &conn)
	if err == nil {
		var info *driver.UserInfo
		if info, err = drv.GetUserInfo(c.Context()); err == nil {
			if info.Address != "" {
				conn.EmailAddress = info.Address
			}
			conn.Scope = drv.GetScope()
		}
	}
	if err != nil {
		if driver.IsAuth(err) || driver.IsValidation(err) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Provider rejected the given credentials",
			})
		}
		cc.logger.WithError(err).Warn("Credential verification failed transiently")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Provider temporarily unavailable",
		})
	}

	if err := cc.repo.CreateConnection(c.Context(), &conn); err != nil {
		cc.logger.WithError(err).Error("Failed to create connection")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create connection",
		})
	}

	if err := cc.subs.Enable(c.Context(), &conn); err != nil {
		cc.logger.WithError(err).WithField("connection_id", conn.ID).
			Warn("Push subscription enable failed, sweep will retry")
	}

	task := store.NewSyncTask(conn.ProviderKind, "", "")
	task.ConnectionID = conn.ID
	if err := cc.queue.Enqueue(c.Context(), task); err != nil {
		cc.logger.WithError(err).WithField("connection_id", conn.ID).
			Warn("Failed to queue bootstrap sync")
	}

	conn.Sanitize()
	return c.Status(fiber.StatusCreated).JSON(conn)
}

// List handles GET /connections?user_id=.
func (cc *ConnectionController) List(c *fiber.Ctx) error {
	userID, err := strconv.ParseUint(c.Query("user_id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "user_id is required"})
	}
	conns, err := cc.repo.ConnectionsByUser(c.Context(), uint(userID))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list connections",
		})
	}
	for i := range conns {
		conns[i].Sanitize()
	}
	return c.JSON(fiber.Map{"data": conns})
}

// Disconnect handles DELETE /connections/:id: best-effort push teardown and
// token revocation, then cascade delete of all local state.
func (cc *ConnectionController) Disconnect(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid connection id"})
	}

	conn, err := cc.repo.ConnectionByID(c.Context(), uint(id))
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Connection not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load connection",
		})
	}

	if err := cc.subs.Disable(c.Context(), conn); err != nil {
		cc.logger.WithError(err).WithField("connection_id", conn.ID).
			Warn("Failed to disable push subscription")
	}

	if conn.HasCredentials() {
		if drv, err := cc.registry.ForConnection(c.Context(), conn); err == nil {
			token, derr := utils.Decrypt(conn.AccessToken, cc.cfg.EncryptionKey)
			if derr == nil {
				if _, rerr := drv.RevokeToken(c.Context(), token); rerr != nil && !driver.IsUnsupported(rerr) {
					cc.logger.WithError(rerr).WithField("connection_id", conn.ID).
						Warn("Failed to revoke provider token")
				}
			}
		}
	}

	if err := cc.repo.DeleteConnection(c.Context(), conn.ID); err != nil {
		cc.logger.WithError(err).Error("Failed to delete connection")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete connection",
		})
	}
	return c.JSON(fiber.Map{"status": "disconnected"})
}

type reconnectRequest struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenExpiry  time.Time `json:"token_expiry"`
	IMAPPassword string    `json:"imap_password"`
	SMTPPassword string    `json:"smtp_password"`
}

// Reconnect handles POST /connections/:id/reconnect: fresh credentials
// clear the reconnect flag and re-arm push and sync.
func (cc *ConnectionController) Reconnect(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid connection id"})
	}

	conn, err := cc.repo.ConnectionByID(c.Context(), uint(id))
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Connection not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load connection",
		})
	}

	var req reconnectRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	key := cc.cfg.EncryptionKey
	if req.AccessToken != "" {
		if conn.AccessToken, err = utils.Encrypt(req.AccessToken, key); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to store credentials"})
		}
		conn.TokenExpiry = req.TokenExpiry
	}
	if req.RefreshToken != "" {
		if conn.RefreshToken, err = utils.Encrypt(req.RefreshToken, key); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to store credentials"})
		}
	}
	if req.IMAPPassword != "" {
		if conn.IMAPPassword, err = utils.Encrypt(req.IMAPPassword, key); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to store credentials"})
		}
	}
	if req.SMTPPassword != "" {
		if conn.SMTPPassword, err = utils.Encrypt(req.SMTPPassword, key); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to store credentials"})
		}
	}

	conn.NeedsReconnect = false
	conn.LastError = nil
	if err := cc.repo.SaveConnection(c.Context(), conn); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save connection",
		})
	}

	if err := cc.subs.Enable(c.Context(), conn); err != nil {
		cc.logger.WithError(err).WithField("connection_id", conn.ID).
			Warn("Push subscription enable failed, sweep will retry")
	}

	task := store.NewSyncTask(conn.ProviderKind, "", "")
	task.ConnectionID = conn.ID
	if err := cc.queue.Enqueue(c.Context(), task); err != nil {
		cc.logger.WithError(err).Warn("Failed to queue sync after reconnect")
	}

	conn.Sanitize()
	return c.JSON(conn)
}
