package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/logger"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/models"
	"go.uber.org/zap"
)

type directoryStore interface {
	UpsertOnNewChat(ctx context.Context, conversationID int64, ownerID int64, peer models.PeerSummary) (*models.ChatDirectoryEntry, error)
	ApplyIncomingMessage(
		ctx context.Context,
		conversationID int64,
		message *models.Message,
		recipientID int64,
		isRecipientSender bool,
	) (*models.ChatDirectoryEntry, error)
	ResetUnread(ctx context.Context, ownerID int64, conversationID int64) (*models.ChatDirectoryEntry, error)
	Remove(ctx context.Context, ownerID int64, conversationID int64) error
	RemoveAll(ctx context.Context, ownerID int64) ([]int64, error)
	ListFor(ctx context.Context, ownerID int64) ([]models.ChatDirectoryEntry, error)
	Rebuild(ctx context.Context, conversationID int64) ([]models.ChatDirectoryEntry, error)
}

type conversationStore interface {
	GetOrCreate(ctx context.Context, userA int64, userB int64) (*models.Conversation, bool, error)
	ParticipantsOf(ctx context.Context, conversationID int64) ([2]int64, error)
	DeleteIfOrphaned(ctx context.Context, conversationID int64) (bool, error)
}

// DirectoryService maintains the chat directory projection: one entry per
// participant who has not deleted the chat.
type DirectoryService struct {
	store         directoryStore
	conversations conversationStore
	log           *zap.Logger
}

// DeletedChat reports one removed entry and whether its conversation went
// with it.
type DeletedChat struct {
	ConversationID      int64 `json:"conversation_id"`
	ConversationDeleted bool  `json:"conversation_deleted"`
}

func NewDirectoryService(store directoryStore, conversations conversationStore, log *zap.Logger) *DirectoryService {
	log = logger.OrNop(log)
	return &DirectoryService{store: store, conversations: conversations, log: log}
}

func (s *DirectoryService) UpsertOnNewChat(
	ctx context.Context,
	conversationID int64,
	ownerID int64,
	peer models.PeerSummary,
) (*models.ChatDirectoryEntry, error) {
	entry, err := s.store.UpsertOnNewChat(ctx, conversationID, ownerID, peer)
	if err != nil {
		return nil, fmt.Errorf("%w: upsert chat entry: %w", ErrPersistence, err)
	}
	return entry, nil
}

// ProjectMessage applies a persisted message to both participants' entries.
// Both upserts are attempted even when the first fails; the returned error
// joins every failure.
func (s *DirectoryService) ProjectMessage(
	ctx context.Context,
	conversation *models.Conversation,
	message *models.Message,
) (senderEntry *models.ChatDirectoryEntry, recipientEntry *models.ChatDirectoryEntry, err error) {
	recipientID := conversation.PeerOf(message.SenderID)

	senderEntry, senderErr := s.store.ApplyIncomingMessage(ctx, conversation.ID, message, message.SenderID, true)
	if senderErr != nil {
		senderErr = fmt.Errorf("project sender %d: %w", message.SenderID, senderErr)
	}
	recipientEntry, recipientErr := s.store.ApplyIncomingMessage(ctx, conversation.ID, message, recipientID, false)
	if recipientErr != nil {
		recipientErr = fmt.Errorf("project recipient %d: %w", recipientID, recipientErr)
	}

	return senderEntry, recipientEntry, errors.Join(senderErr, recipientErr)
}

// ResetUnread zeroes the owner's counter. It returns nil, nil when the owner
// has no entry for the conversation.
func (s *DirectoryService) ResetUnread(ctx context.Context, ownerID int64, conversationID int64) (*models.ChatDirectoryEntry, error) {
	entry, err := s.store.ResetUnread(ctx, ownerID, conversationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reset unread: %w", ErrPersistence, err)
	}
	return entry, nil
}

func (s *DirectoryService) ListFor(ctx context.Context, ownerID int64) ([]models.ChatDirectoryEntry, error) {
	entries, err := s.store.ListFor(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: list chats: %w", ErrPersistence, err)
	}
	return entries, nil
}

// Remove deletes the owner's entry and then drops the conversation if no
// entry references it any more.
func (s *DirectoryService) Remove(ctx context.Context, ownerID int64, conversationID int64) (DeletedChat, error) {
	result := DeletedChat{ConversationID: conversationID}

	if err := s.store.Remove(ctx, ownerID, conversationID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return result, fmt.Errorf("%w: chat not found", ErrNotFound)
		}
		return result, fmt.Errorf("%w: remove chat: %w", ErrPersistence, err)
	}

	result.ConversationDeleted = s.dropIfOrphaned(ctx, conversationID)
	return result, nil
}

func (s *DirectoryService) RemoveAll(ctx context.Context, ownerID int64) ([]DeletedChat, error) {
	ids, err := s.store.RemoveAll(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: remove chats: %w", ErrPersistence, err)
	}

	results := make([]DeletedChat, 0, len(ids))
	for _, id := range ids {
		results = append(results, DeletedChat{
			ConversationID:      id,
			ConversationDeleted: s.dropIfOrphaned(ctx, id),
		})
	}
	return results, nil
}

// Rebuild recomputes every entry of the conversation from its messages.
func (s *DirectoryService) Rebuild(ctx context.Context, conversationID int64) ([]models.ChatDirectoryEntry, error) {
	entries, err := s.store.Rebuild(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: rebuild directory: %w", ErrPersistence, err)
	}
	return entries, nil
}

// dropIfOrphaned runs after the entry is gone. Errors are logged only.
func (s *DirectoryService) dropIfOrphaned(ctx context.Context, conversationID int64) bool {
	deleted, err := s.conversations.DeleteIfOrphaned(ctx, conversationID)
	if err != nil {
		s.log.Warn("orphan check failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
		return false
	}
	if deleted {
		s.log.Info("conversation deleted", zap.Int64("conversation_id", conversationID))
	}
	return deleted
}
