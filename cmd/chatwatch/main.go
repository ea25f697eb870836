package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/logger"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/models"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/reconcile"
	chatws "github.com/muneeb-U-rehman329/web-chat-app/internal/websocket"
	"go.uber.org/zap"
)

const requestTimeout = 10 * time.Second

type messagesResponse struct {
	ConversationID int64                `json:"conversation_id"`
	Participants   []models.PeerSummary `json:"participants"`
	Messages       []models.MessageView `json:"messages"`
}

type joinFrame struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id"`
}

type joinedFrame struct {
	ConversationID int64 `json:"conversation_id"`
}

type errorFrame struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func main() {
	_ = godotenv.Load()

	server := flag.String("server", envOr("CHAT_SERVER", "http://localhost:8080"), "chat server base url")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "bearer token")
	conversationID := flag.Int64("conversation", 0, "conversation id to watch")
	flag.Parse()

	zlog, err := logger.New(envOr("APP_ENV", "development"), envOr("LOG_LEVEL", "info"))
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	if *token == "" || *conversationID <= 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := watch(ctx, zlog, *server, *token, *conversationID, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		zlog.Fatal("watch failed", zap.Error(err))
	}
}

// watch waits for the server to confirm the join before fetching the
// history, so every message persisted after the snapshot query is also
// pushed on the socket; the timeline merge drops the overlap.
func watch(ctx context.Context, zlog *zap.Logger, server string, token string, conversationID int64, out io.Writer) error {
	conn, err := dial(ctx, server, token)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	if err := conn.WriteJSON(joinFrame{Type: "join", ConversationID: conversationID}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	timeline := reconcile.NewTimeline(conversationID)
	if err := awaitJoined(conn, timeline, conversationID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	snapshot, err := fetchMessages(server, token, conversationID)
	if err != nil {
		return err
	}
	timeline.ApplySnapshot(snapshot.Messages)
	render(out, timeline)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read frame: %w", err)
		}
		changed, err := reconcile.ApplyFrame(payload, timeline, nil)
		if err != nil {
			zlog.Warn("skip frame", zap.Error(err))
			continue
		}
		if changed {
			render(out, timeline)
			continue
		}
		zlog.Debug("frame", zap.ByteString("payload", payload))
	}
}

// awaitJoined reads frames until the join of conversationID is confirmed.
// Frames that arrive meanwhile are applied to the timeline.
func awaitJoined(conn *websocket.Conn, timeline *reconcile.Timeline, conversationID int64) error {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await join: %w", err)
		}

		var frame chatws.Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}

		switch frame.Type {
		case chatws.FrameJoined:
			var ack joinedFrame
			if err := json.Unmarshal(frame.Data, &ack); err == nil && ack.ConversationID == conversationID {
				return nil
			}
		case chatws.FrameError:
			var failure errorFrame
			_ = json.Unmarshal(frame.Data, &failure)
			return fmt.Errorf("join conversation %d: %s: %s", conversationID, failure.Code, failure.Error)
		default:
			if _, err := reconcile.ApplyFrame(payload, timeline, nil); err != nil {
				return err
			}
		}
	}
}

func dial(ctx context.Context, server string, token string) (*websocket.Conn, error) {
	wsURL, err := websocketURL(server, token)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: requestTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", redactToken(wsURL), resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", redactToken(wsURL), err)
	}
	return conn, nil
}

func fetchMessages(server string, token string, conversationID int64) (*messagesResponse, error) {
	endpoint := strings.TrimRight(server, "/") + "/api/v1/messages/" + strconv.FormatInt(conversationID, 10)

	agent := fiber.Get(endpoint)
	agent.Set(fiber.HeaderAuthorization, "Bearer "+token)
	agent.Timeout(requestTimeout)

	var body messagesResponse
	code, raw, errs := agent.Struct(&body)
	if len(errs) > 0 {
		return nil, fmt.Errorf("fetch messages: %w", errors.Join(errs...))
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("fetch messages: status %d: %s", code, strings.TrimSpace(string(raw)))
	}
	return &body, nil
}

func websocketURL(server string, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

func redactToken(raw string) string {
	if i := strings.Index(raw, "?"); i >= 0 {
		return raw[:i]
	}
	return raw
}

func render(out io.Writer, timeline *reconcile.Timeline) {
	fmt.Fprintf(out, "--- conversation %d ---\n", timeline.ConversationID())
	for _, message := range timeline.Messages() {
		fmt.Fprintln(out, formatMessage(message))
	}
}

func formatMessage(message models.MessageView) string {
	who := strconv.FormatInt(message.SenderID, 10)
	if message.Sender != nil && message.Sender.Username != "" {
		who = message.Sender.Username
	}
	if message.IsMine {
		who = "me"
	}
	text := models.PreviewText(message.Text, message.MediaRef)
	if message.MediaURL != nil && message.Text == "" {
		text = text + " " + *message.MediaURL
	}
	return fmt.Sprintf("[%s] %s: %s", message.CreatedAt.Local().Format("15:04:05"), who, text)
}

func envOr(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
