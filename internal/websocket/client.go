package chatws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/logger"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/models"
	"go.uber.org/zap"
)

const (
	readTimeout         = 60 * time.Second
	maxFrameSize        = 1 << 20
	defaultFrameTimeout = 5 * time.Second
)

// Socket is the full websocket surface the client loop needs.
type Socket interface {
	wsConn
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// ChatActions are the chat operations reachable from socket frames.
type ChatActions interface {
	AuthorizeJoin(ctx context.Context, actorID int64, conversationID int64) error
	SendMessage(
		ctx context.Context,
		actorID int64,
		conversationID int64,
		text string,
		mediaRef *string,
	) (*models.MessageView, *models.ChatDirectoryEntry, error)
}

// ErrorClassifier turns an operation error into a frame code and message.
type ErrorClassifier func(err error) (code string, message string)

type inboundFrame struct {
	Type           string  `json:"type"`
	ConversationID int64   `json:"conversation_id"`
	Text           string  `json:"text"`
	MediaRef       *string `json:"media_ref"`
}

type errorPayload struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

type channelAck struct {
	ConversationID int64  `json:"conversation_id"`
	Channel        string `json:"channel"`
}

type Client struct {
	hub          *Hub
	conn         *Connection
	socket       Socket
	actions      ChatActions
	classify     ErrorClassifier
	frameTimeout time.Duration
	log          *zap.Logger
}

func NewClient(hub *Hub, socket Socket, userID int64, actions ChatActions, classify ErrorClassifier, log *zap.Logger) *Client {
	log = logger.OrNop(log)
	if classify == nil {
		classify = func(err error) (string, string) { return "bad_request", err.Error() }
	}
	return &Client{
		hub:          hub,
		conn:         NewConnection(userID, socket),
		socket:       socket,
		actions:      actions,
		classify:     classify,
		frameTimeout: defaultFrameTimeout,
		log:          log,
	}
}

func (c *Client) Connection() *Connection {
	return c.conn
}

// Serve attaches the connection and processes frames until the socket
// closes. It blocks for the lifetime of the session.
func (c *Client) Serve(ctx context.Context) {
	c.hub.Attach(c.conn)
	defer func() {
		c.hub.Detach(c.conn)
		c.conn.Close(websocket.CloseNormalClosure, "session closed")
		<-c.conn.Stopped()
	}()

	c.socket.SetReadLimit(maxFrameSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(readTimeout))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(readTimeout))
	})

	c.reply(FrameConnected, map[string]any{
		"connection_id": c.conn.ID,
		"channel":       UserChannel(c.conn.UserID),
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Debug("socket read ended", zap.String("connection_id", c.conn.ID), zap.Error(err))
			}
			return
		}
		_ = c.socket.SetReadDeadline(time.Now().Add(readTimeout))
		c.HandleFrame(ctx, payload)
	}
}

// HandleFrame runs one client frame.
func (c *Client) HandleFrame(ctx context.Context, payload []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		c.replyError("bad_request", "invalid payload")
		return
	}

	switch frame.Type {
	case "join":
		c.handleJoin(ctx, frame)
	case "leave":
		c.handleLeave(frame)
	case "message":
		c.handleMessage(ctx, frame)
	default:
		c.replyError("unsupported_type", "unknown frame type")
	}
}

func (c *Client) handleJoin(ctx context.Context, frame inboundFrame) {
	if frame.ConversationID <= 0 {
		c.replyError("bad_request", "conversation_id is required")
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, c.frameTimeout)
	defer cancel()

	if err := c.actions.AuthorizeJoin(opCtx, c.conn.UserID, frame.ConversationID); err != nil {
		c.replyOperationError(err)
		return
	}

	channel := ChatChannel(frame.ConversationID)
	if !c.hub.Join(channel, c.conn) {
		return
	}
	c.reply(FrameJoined, channelAck{ConversationID: frame.ConversationID, Channel: channel})
}

func (c *Client) handleLeave(frame inboundFrame) {
	if frame.ConversationID <= 0 {
		c.replyError("bad_request", "conversation_id is required")
		return
	}

	channel := ChatChannel(frame.ConversationID)
	c.hub.Leave(channel, c.conn)
	c.reply(FrameLeft, channelAck{ConversationID: frame.ConversationID, Channel: channel})
}

// handleMessage runs the same send workflow as the REST endpoint. The result
// reaches this connection through its channel subscriptions.
func (c *Client) handleMessage(ctx context.Context, frame inboundFrame) {
	if frame.ConversationID <= 0 {
		c.replyError("bad_request", "conversation_id is required")
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, c.frameTimeout)
	defer cancel()

	if _, _, err := c.actions.SendMessage(opCtx, c.conn.UserID, frame.ConversationID, frame.Text, frame.MediaRef); err != nil {
		c.replyOperationError(err)
	}
}

func (c *Client) replyOperationError(err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		c.replyError("timeout", "operation timed out")
		return
	}
	code, message := c.classify(err)
	c.replyError(code, message)
}

func (c *Client) replyError(code string, message string) {
	c.reply(FrameError, errorPayload{Code: code, Error: message})
}

func (c *Client) reply(frameType string, data any) {
	payload, err := encodeFrame(frameType, data)
	if err != nil {
		c.log.Warn("encode frame", zap.String("type", frameType), zap.Error(err))
		return
	}
	_ = c.conn.Send(payload)
}
