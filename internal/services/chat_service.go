package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/logger"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/models"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/repository"
	chatws "github.com/muneeb-U-rehman329/web-chat-app/internal/websocket"
	"go.uber.org/zap"
)

const maxPageLimit = 200

type userReader interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
	FindByIdentifier(ctx context.Context, identifier string) (*models.User, error)
}

type messageStore interface {
	Append(ctx context.Context, conversationID int64, senderID int64, text string, mediaRef *string) (*models.Message, error)
	ListOrdered(ctx context.Context, conversationID int64, limit int, offset int) ([]models.Message, int, error)
	MarkRead(ctx context.Context, conversationID int64, readerID int64) (int64, error)
}

type repairScheduler interface {
	ScheduleRebuild(ctx context.Context, conversationID int64)
}

// ChatService runs the chat workflows over the three stores and pushes the
// resulting events. Only the message insert decides whether a send
// succeeded; directory projection and pushes are best effort.
type ChatService struct {
	conversations conversationStore
	messages      messageStore
	directory     *DirectoryService
	users         userReader
	publisher     chatws.Publisher
	repair        repairScheduler
	views         ViewOptions
	log           *zap.Logger
}

type CreateChatResult struct {
	Conversation *models.Conversation       `json:"conversation"`
	Chat         *models.ChatDirectoryEntry `json:"chat"`
	Created      bool                       `json:"created"`
}

type MessagesPage struct {
	ConversationID int64                `json:"conversation_id"`
	Participants   []models.PeerSummary `json:"participants"`
	Messages       []models.MessageView `json:"messages"`
	Total          int                  `json:"-"`
	Page           int                  `json:"-"`
	Limit          int                  `json:"-"`
}

func NewChatService(
	conversations conversationStore,
	messages messageStore,
	directory *DirectoryService,
	users userReader,
	publisher chatws.Publisher,
	repair repairScheduler,
	views ViewOptions,
	log *zap.Logger,
) *ChatService {
	log = logger.OrNop(log)
	return &ChatService{
		conversations: conversations,
		messages:      messages,
		directory:     directory,
		users:         users,
		publisher:     publisher,
		repair:        repair,
		views:         views,
		log:           log,
	}
}

// CreateChat opens (or reopens) the conversation between the actor and the
// peer named by identifier and makes sure both have a directory entry.
func (s *ChatService) CreateChat(ctx context.Context, actorID int64, identifier string) (*CreateChatResult, error) {
	identifier = strings.TrimSpace(identifier)
	if actorID <= 0 || identifier == "" {
		return nil, fmt.Errorf("%w: peer identifier is required", ErrInvalidInput)
	}

	actor, err := s.lookupUser(ctx, actorID)
	if err != nil {
		return nil, err
	}

	peer, err := s.users.FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: user not found", ErrNotFound)
		}
		return nil, fmt.Errorf("%w: find user: %w", ErrPersistence, err)
	}
	if peer.ID == actor.ID {
		return nil, fmt.Errorf("%w: cannot start a chat with yourself", ErrInvalidInput)
	}

	conversation, created, err := s.conversations.GetOrCreate(ctx, actor.ID, peer.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: get or create conversation: %w", ErrPersistence, err)
	}

	actorEntry, err := s.directory.UpsertOnNewChat(ctx, conversation.ID, actor.ID, peer.Summary())
	if err != nil {
		return nil, err
	}
	peerEntry, err := s.directory.UpsertOnNewChat(ctx, conversation.ID, peer.ID, actor.Summary())
	if err != nil {
		return nil, err
	}

	s.publish(ctx, chatws.FrameChatCreated, chatws.UserChannel(actor.ID), s.views.Entry(actorEntry))
	s.publish(ctx, chatws.FrameChatCreated, chatws.UserChannel(peer.ID), s.views.Entry(peerEntry))

	if created {
		s.log.Info("conversation created",
			zap.Int64("conversation_id", conversation.ID),
			zap.Int64("user_id", actor.ID),
			zap.Int64("peer_id", peer.ID),
		)
	}

	return &CreateChatResult{
		Conversation: conversation,
		Chat:         s.views.Entry(actorEntry),
		Created:      created,
	}, nil
}

func (s *ChatService) ListChats(ctx context.Context, actorID int64) ([]models.ChatDirectoryEntry, error) {
	entries, err := s.directory.ListFor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return s.views.Entries(entries), nil
}

// DeleteChat removes only the actor's entry. The conversation and its
// messages go away once the peer's entry is gone too.
func (s *ChatService) DeleteChat(ctx context.Context, actorID int64, conversationID int64) (DeletedChat, error) {
	if conversationID <= 0 {
		return DeletedChat{}, fmt.Errorf("%w: invalid conversation id", ErrInvalidInput)
	}
	return s.directory.Remove(ctx, actorID, conversationID)
}

func (s *ChatService) DeleteAllChats(ctx context.Context, actorID int64) ([]DeletedChat, error) {
	return s.directory.RemoveAll(ctx, actorID)
}

// AuthorizeJoin allows a connection to subscribe to a conversation channel.
func (s *ChatService) AuthorizeJoin(ctx context.Context, actorID int64, conversationID int64) error {
	_, err := s.participantConversation(ctx, actorID, conversationID)
	return err
}

// SendMessage validates, persists, projects and broadcasts one message. It
// returns the author's view of the message and the author's directory entry.
func (s *ChatService) SendMessage(
	ctx context.Context,
	actorID int64,
	conversationID int64,
	text string,
	mediaRef *string,
) (*models.MessageView, *models.ChatDirectoryEntry, error) {
	text = strings.TrimSpace(text)
	if mediaRef != nil {
		trimmed := strings.TrimSpace(*mediaRef)
		mediaRef = &trimmed
		if trimmed == "" {
			mediaRef = nil
		}
	}
	if conversationID <= 0 {
		return nil, nil, fmt.Errorf("%w: invalid conversation id", ErrInvalidInput)
	}
	if text == "" && mediaRef == nil {
		return nil, nil, fmt.Errorf("%w: message text or media is required", ErrInvalidInput)
	}

	conversation, err := s.participantConversation(ctx, actorID, conversationID)
	if err != nil {
		return nil, nil, err
	}

	message, err := s.messages.Append(ctx, conversation.ID, actorID, text, mediaRef)
	if err != nil {
		return nil, nil, mapAppendError(err)
	}

	senderEntry, recipientEntry, err := s.directory.ProjectMessage(ctx, conversation, message)
	if err != nil {
		s.log.Warn("directory projection failed",
			zap.Int64("conversation_id", conversation.ID),
			zap.Int64("message_id", message.ID),
			zap.Error(err),
		)
		if s.repair != nil {
			s.repair.ScheduleRebuild(ctx, conversation.ID)
		}
	}

	var sender *models.PeerSummary
	if user, err := s.users.GetByID(ctx, actorID); err == nil {
		summary := user.Summary()
		sender = &summary
	} else {
		s.log.Debug("load sender summary", zap.Int64("user_id", actorID), zap.Error(err))
	}

	mine := s.views.Message(message, sender, actorID)
	other := s.views.Message(message, sender, conversation.PeerOf(actorID))
	s.publishMessage(ctx, conversation.ID, actorID, other, mine)

	if senderEntry != nil {
		s.publish(ctx, chatws.FrameUpdateChatList, chatws.UserChannel(senderEntry.OwnerID), s.views.Entry(senderEntry))
	}
	if recipientEntry != nil {
		s.publish(ctx, chatws.FrameUpdateChatList, chatws.UserChannel(recipientEntry.OwnerID), s.views.Entry(recipientEntry))
	}

	return &mine, s.views.Entry(senderEntry), nil
}

// GetMessages lists the conversation and acknowledges it for the actor: the
// peer's messages are marked read and the actor's unread counter drops to 0.
// A positive limit pages from the newest message; limit 0 returns everything.
func (s *ChatService) GetMessages(
	ctx context.Context,
	actorID int64,
	conversationID int64,
	page int,
	limit int,
) (*MessagesPage, error) {
	if conversationID <= 0 || page < 0 || limit < 0 || limit > maxPageLimit {
		return nil, fmt.Errorf("%w: invalid conversation id or pagination", ErrInvalidInput)
	}
	if limit > 0 && page == 0 {
		page = 1
	}

	conversation, err := s.participantConversation(ctx, actorID, conversationID)
	if err != nil {
		return nil, err
	}

	offset := 0
	if limit > 0 {
		offset = (page - 1) * limit
	}
	messages, total, err := s.messages.ListOrdered(ctx, conversation.ID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %w", ErrPersistence, err)
	}

	// The unread counter only drops once the read acknowledgement is stored.
	if _, err := s.messages.MarkRead(ctx, conversation.ID, actorID); err != nil {
		s.log.Warn("mark read failed", zap.Int64("conversation_id", conversation.ID), zap.Int64("user_id", actorID), zap.Error(err))
	} else {
		for i := range messages {
			if messages[i].SenderID != actorID && !messages[i].IsReadBy(actorID) {
				messages[i].ReadBy = append(messages[i].ReadBy, actorID)
			}
		}
		s.resetUnread(ctx, actorID, conversation.ID)
	}

	participants := make([]models.PeerSummary, 0, 2)
	summaries := make(map[int64]*models.PeerSummary, 2)
	for _, id := range conversation.ParticipantIDs {
		user, err := s.users.GetByID(ctx, id)
		if err != nil {
			s.log.Debug("load participant", zap.Int64("user_id", id), zap.Error(err))
			continue
		}
		summary := s.views.Peer(user.Summary())
		participants = append(participants, summary)
		summaries[id] = &summary
	}

	views := make([]models.MessageView, 0, len(messages))
	for i := range messages {
		views = append(views, s.views.Message(&messages[i], summaries[messages[i].SenderID], actorID))
	}

	return &MessagesPage{
		ConversationID: conversation.ID,
		Participants:   participants,
		Messages:       views,
		Total:          total,
		Page:           page,
		Limit:          limit,
	}, nil
}

func (s *ChatService) resetUnread(ctx context.Context, actorID int64, conversationID int64) {
	entry, err := s.directory.ResetUnread(ctx, actorID, conversationID)
	if err != nil {
		s.log.Warn("reset unread failed", zap.Int64("conversation_id", conversationID), zap.Int64("user_id", actorID), zap.Error(err))
		if s.repair != nil {
			s.repair.ScheduleRebuild(ctx, conversationID)
		}
		return
	}
	if entry != nil {
		s.publish(ctx, chatws.FrameUpdateChatList, chatws.UserChannel(actorID), s.views.Entry(entry))
	}
}

func (s *ChatService) participantConversation(ctx context.Context, actorID int64, conversationID int64) (*models.Conversation, error) {
	if conversationID <= 0 {
		return nil, fmt.Errorf("%w: invalid conversation id", ErrInvalidInput)
	}
	participants, err := s.conversations.ParticipantsOf(ctx, conversationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: conversation not found", ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get conversation: %w", ErrPersistence, err)
	}
	conversation := &models.Conversation{ID: conversationID, ParticipantIDs: participants}
	if !conversation.HasParticipant(actorID) {
		return nil, fmt.Errorf("%w: user is not a participant in this conversation", ErrForbidden)
	}
	return conversation, nil
}

func (s *ChatService) lookupUser(ctx context.Context, userID int64) (*models.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: user not found", ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get user: %w", ErrPersistence, err)
	}
	return user, nil
}

func mapAppendError(err error) error {
	switch {
	case errors.Is(err, repository.ErrEmptyMessage):
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	case errors.Is(err, repository.ErrNotParticipant):
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: conversation not found", ErrNotFound)
	default:
		return fmt.Errorf("%w: append message: %w", ErrPersistence, err)
	}
}

func (s *ChatService) publishMessage(ctx context.Context, conversationID int64, authorID int64, other models.MessageView, mine models.MessageView) {
	event, err := chatws.NewEvent(chatws.FrameNewMessage, chatws.ChatChannel(conversationID), other)
	if err == nil {
		event, err = event.WithAuthorView(authorID, mine)
	}
	if err != nil {
		s.log.Warn("encode message event", zap.Int64("conversation_id", conversationID), zap.Error(err))
		return
	}
	s.send(ctx, event)
}

func (s *ChatService) publish(ctx context.Context, frameType string, channel string, data any) {
	event, err := chatws.NewEvent(frameType, channel, data)
	if err != nil {
		s.log.Warn("encode event", zap.String("type", frameType), zap.Error(err))
		return
	}
	s.send(ctx, event)
}

func (s *ChatService) send(ctx context.Context, event chatws.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Debug("delivery missed", zap.String("type", event.Type), zap.String("channel", event.Channel), zap.Error(err))
	}
}
