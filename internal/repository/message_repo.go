package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/models"
)

// MessageRepository is the append-only message store. Ordering inside a
// conversation is (created_at, id); created_at comes from clock_timestamp() so
// the id only breaks ties between inserts in the same microsecond.
type MessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `id, conversation_id, sender_id, text, media_ref, read_by, created_at`

func (r *MessageRepository) Append(
	ctx context.Context,
	conversationID int64,
	senderID int64,
	text string,
	mediaRef *string,
) (*models.Message, error) {
	if mediaRef != nil && strings.TrimSpace(*mediaRef) == "" {
		mediaRef = nil
	}
	if text == "" && mediaRef == nil {
		return nil, ErrEmptyMessage
	}

	query := `
		INSERT INTO messages (conversation_id, sender_id, text, media_ref, read_by)
		SELECT c.id, $2, $3, $4, ARRAY[$2::BIGINT]
		FROM conversations c
		WHERE c.id = $1 AND (c.user_low = $2 OR c.user_high = $2)
		RETURNING ` + messageColumns

	message, err := scanMessage(r.db.QueryRow(ctx, query, conversationID, senderID, text, mediaRef))
	if err == nil {
		return message, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, conversationID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, pgx.ErrNoRows
	}
	return nil, ErrNotParticipant
}

// ListOrdered returns messages oldest first. A positive limit selects a page
// counted from the newest message, so page 1 is the most recent history.
func (r *MessageRepository) ListOrdered(
	ctx context.Context,
	conversationID int64,
	limit int,
	offset int,
) ([]models.Message, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM messages
		WHERE conversation_id = $1
	`, conversationID).Scan(&total); err != nil {
		return nil, 0, err
	}

	var (
		rows pgx.Rows
		err  error
	)
	if limit <= 0 {
		rows, err = r.db.Query(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at ASC, id ASC
		`, conversationID)
	} else {
		if offset < 0 {
			offset = 0
		}
		rows, err = r.db.Query(ctx, `
			SELECT `+messageColumns+`
			FROM (
				SELECT `+messageColumns+`
				FROM messages
				WHERE conversation_id = $1
				ORDER BY created_at DESC, id DESC
				LIMIT $2 OFFSET $3
			) page
			ORDER BY created_at ASC, id ASC
		`, conversationID, limit, offset)
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return messages, total, nil
}

// MarkRead adds readerID to every message of the conversation the reader did
// not author. Messages already read by readerID are left untouched.
func (r *MessageRepository) MarkRead(
	ctx context.Context,
	conversationID int64,
	readerID int64,
) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages
		SET read_by = array_append(read_by, $2::BIGINT)
		WHERE conversation_id = $1
		  AND sender_id <> $2
		  AND NOT ($2 = ANY(read_by))
	`, conversationID, readerID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var message models.Message
	err := row.Scan(
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&message.Text,
		&message.MediaRef,
		&message.ReadBy,
		&message.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &message, nil
}
