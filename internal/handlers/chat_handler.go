package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/logger"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/models"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/services"
	chatws "github.com/muneeb-U-rehman329/web-chat-app/internal/websocket"
	"go.uber.org/zap"
)

type chatApplicationService interface {
	CreateChat(ctx context.Context, actorID int64, identifier string) (*services.CreateChatResult, error)
	ListChats(ctx context.Context, actorID int64) ([]models.ChatDirectoryEntry, error)
	DeleteChat(ctx context.Context, actorID int64, conversationID int64) (services.DeletedChat, error)
	DeleteAllChats(ctx context.Context, actorID int64) ([]services.DeletedChat, error)
	SendMessage(
		ctx context.Context,
		actorID int64,
		conversationID int64,
		text string,
		mediaRef *string,
	) (*models.MessageView, *models.ChatDirectoryEntry, error)
	GetMessages(ctx context.Context, actorID int64, conversationID int64, page int, limit int) (*services.MessagesPage, error)
	AuthorizeJoin(ctx context.Context, actorID int64, conversationID int64) error
}

type ChatHandler struct {
	service chatApplicationService
	hub     *chatws.Hub
	log     *zap.Logger
}

type createChatRequest struct {
	PeerIdentifier string `json:"peer_identifier"`
	Email          string `json:"email"`
}

type sendMessageRequest struct {
	ConversationID int64   `json:"conversation_id"`
	Text           string  `json:"text"`
	MediaRef       *string `json:"media_ref"`
}

func NewChatHandler(service chatApplicationService, hub *chatws.Hub, log *zap.Logger) *ChatHandler {
	log = logger.OrNop(log)
	return &ChatHandler{
		service: service,
		hub:     hub,
		log:     log,
	}
}

func (h *ChatHandler) CreateChat(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req createChatRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	identifier := strings.TrimSpace(req.PeerIdentifier)
	if identifier == "" {
		identifier = strings.TrimSpace(req.Email)
	}

	result, err := h.service.CreateChat(c.Context(), userID, identifier)
	if err != nil {
		return h.mapChatError(c, err)
	}

	status := fiber.StatusOK
	if result.Created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{
		"conversation": result.Conversation,
		"chat":         result.Chat,
	})
}

func (h *ChatHandler) ListChats(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	chats, err := h.service.ListChats(c.Context(), userID)
	if err != nil {
		return h.mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"chats": chats})
}

func (h *ChatHandler) DeleteChat(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversationID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || conversationID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	result, err := h.service.DeleteChat(c.Context(), userID, conversationID)
	if err != nil {
		return h.mapChatError(c, err)
	}

	return c.JSON(result)
}

func (h *ChatHandler) DeleteAllChats(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	results, err := h.service.DeleteAllChats(c.Context(), userID)
	if err != nil {
		return h.mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"deleted_chats": results})
}

func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.ConversationID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	message, chat, err := h.service.SendMessage(c.Context(), userID, req.ConversationID, req.Text, req.MediaRef)
	if err != nil {
		return h.mapChatError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": message,
		"chat":    chat,
	})
}

// GetMessages returns the whole history unless a limit is given, in which
// case page 1 holds the newest messages.
func (h *ChatHandler) GetMessages(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversationID, err := strconv.ParseInt(c.Params("conversationId"), 10, 64)
	if err != nil || conversationID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	page, limit := 0, 0
	if c.Query("limit") != "" || c.Query("page") != "" {
		page = parsePositiveInt(c.Query("page"), 1)
		limit = parsePositiveInt(c.Query("limit"), defaultPageLimit)
		if limit > maxPageLimit {
			limit = maxPageLimit
		}
	}

	result, err := h.service.GetMessages(c.Context(), userID, conversationID, page, limit)
	if err != nil {
		return h.mapChatError(c, err)
	}

	body := fiber.Map{
		"conversation_id": result.ConversationID,
		"participants":    result.Participants,
		"messages":        result.Messages,
	}
	if limit > 0 {
		body["pagination"] = buildPaginationMeta(result.Page, result.Limit, result.Total)
	}
	return c.JSON(body)
}

func (h *ChatHandler) RequireUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}
	return c.Next()
}

func (h *ChatHandler) HandleWebSocket(conn *websocket.Conn) {
	userIDStr, _ := conn.Locals("user_id").(string)
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil || userID <= 0 {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid user"))
		_ = conn.Close()
		return
	}

	client := chatws.NewClient(h.hub, conn, userID, h.service, classifySocketError, h.log)
	client.Serve(context.Background())
}

func (h *ChatHandler) mapChatError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	default:
		h.log.Error("chat request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process chat request"})
	}
}

func classifySocketError(err error) (string, string) {
	switch {
	case errors.Is(err, services.ErrForbidden):
		return "forbidden", err.Error()
	case errors.Is(err, services.ErrInvalidInput):
		return "bad_request", err.Error()
	case errors.Is(err, services.ErrNotFound):
		return "not_found", err.Error()
	default:
		return "internal_error", "unexpected persistence error"
	}
}

func parseUserID(c *fiber.Ctx) (int64, error) {
	userIDStr, ok := c.Locals("user_id").(string)
	if !ok {
		return 0, strconv.ErrSyntax
	}
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil {
		return 0, err
	}
	if userID <= 0 {
		return 0, strconv.ErrRange
	}
	return userID, nil
}
