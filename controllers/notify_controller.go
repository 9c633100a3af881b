package controller

import (
	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/Chandorkar-Technologies/Zero-sub000/middleware"
	"github.com/Chandorkar-Technologies/Zero-sub000/models"
	"github.com/Chandorkar-Technologies/Zero-sub000/store"
)

// NotifyController is the push notification ingress. Its contract with
// providers is deliberately forgiving: after authentication only a missing
// Authorization header earns an error status, everything else is swallowed
// with 200 so providers never enter a retry storm against us.
type NotifyController struct {
	queue  store.TaskQueue
	secret string
	logger *logrus.Logger
}

func NewNotifyController(queue store.TaskQueue, secret string, logger *logrus.Logger) *NotifyController {
	return &NotifyController{queue: queue, secret: secret, logger: logger}
}

type notifyRequest struct {
	ChangeToken string `json:"changeToken"`
}

// HandleNotification handles POST /notify/:provider.
func (nc *NotifyController) HandleNotification(c *fiber.Ctx) error {
	provider := c.Params("provider")

	// Graph validates new subscription endpoints with an unauthenticated
	// handshake that expects the token echoed back as plain text.
	if vt := c.Query("validationToken"); vt != "" {
		c.Set("Content-Type", "text/plain")
		return c.Status(fiber.StatusOK).SendString(vt)
	}

	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authorization header required",
		})
	}

	token, err := middleware.BearerToken(authHeader)
	if err == nil {
		var tokenProvider string
		tokenProvider, err = middleware.ValidateWebhookToken(token, nc.secret)
		if err == nil && tokenProvider != provider {
			err = middleware.ErrInvalidToken
		}
	}
	if err != nil {
		nc.swallow(c, provider, "webhook_auth_failed", err)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ignored"})
	}

	var req notifyRequest
	if err := c.BodyParser(&req); err != nil {
		nc.swallow(c, provider, "webhook_body_malformed", err)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ignored"})
	}

	subscriptionID := nc.subscriptionID(c, provider)
	task := store.NewSyncTask(provider, req.ChangeToken, subscriptionID)
	if err := nc.queue.Enqueue(c.Context(), task); err != nil {
		nc.swallow(c, provider, "webhook_enqueue_failed", err)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ignored"})
	}

	nc.logger.WithFields(logrus.Fields{
		"provider":        provider,
		"subscription_id": subscriptionID,
		"task_key":        task.TaskKey,
	}).Info("Notification queued")
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "queued"})
}

func (nc *NotifyController) subscriptionID(c *fiber.Ctx, provider string) string {
	switch provider {
	case models.ProviderGoogle:
		if id := c.Get("X-Goog-Channel-Id"); id != "" {
			return id
		}
	case models.ProviderMicrosoft:
		if id := c.Get("X-Graph-Subscription-Id"); id != "" {
			return id
		}
	}
	return c.Get("X-Subscription-Id")
}

// swallow records a failure that is intentionally answered with 200. The
// sentry event keeps the failure countable even though the provider never
// sees it.
func (nc *NotifyController) swallow(c *fiber.Ctx, provider, reason string, err error) {
	nc.logger.WithFields(logrus.Fields{
		"provider": provider,
		"reason":   reason,
		"ip":       c.IP(),
	}).WithError(err).Warn("Swallowed webhook failure")

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "notification_ingress")
		scope.SetTag("reason", reason)
		scope.SetTag("provider", provider)
		sentry.CaptureMessage("swallowed webhook failure: " + reason)
	})
}
