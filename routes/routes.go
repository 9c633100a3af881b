package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	controller "github.com/Chandorkar-Technologies/Zero-sub000/controllers"
	"github.com/Chandorkar-Technologies/Zero-sub000/middleware"
)

// Controllers bundles every handler the router mounts.
type Controllers struct {
	Connections *controller.ConnectionController
	Mailbox     *controller.MailboxController
	Notify      *controller.NotifyController
	Inbound     *controller.InboundController
	SyncHub     *controller.SyncHub
}

// SetupRoutes wires all HTTP and websocket routes.
func SetupRoutes(app *fiber.App, ctrl Controllers) {
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(middleware.CORS())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")

	connections := api.Group("/connections")
	connections.Post("/", ctrl.Connections.Link)
	connections.Get("/", ctrl.Connections.List)
	connections.Delete("/:id", ctrl.Connections.Disconnect)
	connections.Post("/:id/reconnect", ctrl.Connections.Reconnect)

	mailbox := api.Group("/mailbox/:connectionID")
	mailbox.Get("/threads", ctrl.Mailbox.ListThreads)
	mailbox.Get("/threads/:threadID", ctrl.Mailbox.GetThread)
	mailbox.Delete("/threads/:threadID", ctrl.Mailbox.DeleteThread)
	mailbox.Post("/threads/:threadID/labels", ctrl.Mailbox.ModifyLabels)
	mailbox.Post("/threads/:threadID/read", ctrl.Mailbox.MarkRead)
	mailbox.Post("/threads/:threadID/unread", ctrl.Mailbox.MarkUnread)
	mailbox.Post("/messages", ctrl.Mailbox.SendMessage)
	mailbox.Get("/style", ctrl.Mailbox.StyleSummary)

	api.Post("/notify/:provider", ctrl.Notify.HandleNotification)
	api.Post("/inbound/:connectionID", ctrl.Inbound.Ingest)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/sync", websocket.New(ctrl.SyncHub.Handler()))
}
