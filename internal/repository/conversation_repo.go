package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/models"
)

// ConversationRepository is the conversation registry. A pair of users owns at
// most one conversation; the pair is stored ordered so that the unique
// constraint on (user_low, user_high) matches either direction.
type ConversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func (r *ConversationRepository) GetOrCreate(
	ctx context.Context,
	userA int64,
	userB int64,
) (*models.Conversation, bool, error) {
	if userA == userB {
		return nil, false, ErrSameUser
	}
	low, high := userA, userB
	if low > high {
		low, high = high, low
	}

	query := `
		INSERT INTO conversations (user_low, user_high)
		VALUES ($1, $2)
		ON CONFLICT (user_low, user_high)
		DO UPDATE SET updated_at = conversations.updated_at
		RETURNING id, user_low, user_high, created_at, updated_at, (xmax = 0) AS inserted
	`

	var conversation models.Conversation
	var inserted bool
	err := r.db.QueryRow(ctx, query, low, high).Scan(
		&conversation.ID,
		&conversation.ParticipantIDs[0],
		&conversation.ParticipantIDs[1],
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
		&inserted,
	)
	if err != nil {
		return nil, false, err
	}

	return &conversation, inserted, nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, conversationID int64) (*models.Conversation, error) {
	query := `
		SELECT id, user_low, user_high, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`

	var conversation models.Conversation
	err := r.db.QueryRow(ctx, query, conversationID).Scan(
		&conversation.ID,
		&conversation.ParticipantIDs[0],
		&conversation.ParticipantIDs[1],
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &conversation, nil
}

func (r *ConversationRepository) ParticipantsOf(ctx context.Context, conversationID int64) ([2]int64, error) {
	conversation, err := r.GetByID(ctx, conversationID)
	if err != nil {
		return [2]int64{}, err
	}
	return conversation.ParticipantIDs, nil
}

// DeleteIfOrphaned removes the conversation, and through the FK cascade its
// messages, when no chat directory entry references it. An entry inserted
// concurrently makes the delete fail its FK check, which counts as "still
// referenced".
func (r *ConversationRepository) DeleteIfOrphaned(ctx context.Context, conversationID int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM conversations c
		WHERE c.id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM chat_directory d WHERE d.conversation_id = c.id
		  )
	`, conversationID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return false, nil
		}
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
