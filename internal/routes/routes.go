package routes

import (
	"errors"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/config"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/handlers"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/middleware"
)

const websocketBufferSize = 4096

func RegisterRoutes(app *fiber.App, cfg *config.Config, chatHandler *handlers.ChatHandler, healthHandler *handlers.HealthHandler) error {
	if cfg == nil || cfg.JWTSecret == "" {
		return errors.New("routes: jwt secret is required")
	}
	if chatHandler == nil || healthHandler == nil {
		return errors.New("routes: handlers are required")
	}

	app.Get("/health", healthHandler.Check)

	// Registered ahead of the /api/v1 group so the socket authenticates from
	// the token query instead of the bearer header.
	app.Get(
		"/api/v1/ws",
		middleware.WebSocketAuth(cfg.JWTSecret),
		chatHandler.RequireUpgrade,
		websocket.New(chatHandler.HandleWebSocket, websocket.Config{
			ReadBufferSize:  websocketBufferSize,
			WriteBufferSize: websocketBufferSize,
		}),
	)

	api := app.Group("/api/v1", middleware.AuthRequired(cfg.JWTSecret))

	chats := api.Group("/chats")
	chats.Post("", chatHandler.CreateChat)
	chats.Get("", chatHandler.ListChats)
	chats.Delete("", chatHandler.DeleteAllChats)
	chats.Delete("/:id", chatHandler.DeleteChat)

	messages := api.Group("/messages")
	messages.Post("", chatHandler.SendMessage)
	messages.Get("/:conversationId", chatHandler.GetMessages)

	return nil
}
