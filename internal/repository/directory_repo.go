package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/models"
)

// DirectoryRepository stores the per-owner chat list. Each row is a projection
// of the conversation's messages from one participant's point of view.
type DirectoryRepository struct {
	db DBTX
}

func NewDirectoryRepository(db DBTX) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

const directoryColumns = `
	owner_id, conversation_id, peer_id, peer_name, peer_username, peer_avatar_url,
	last_message, last_message_id, last_message_at, unread_count, created_at, updated_at
`

// UpsertOnNewChat creates the owner's entry with an empty preview. Asking for
// an existing chat again only refreshes the peer snapshot.
func (r *DirectoryRepository) UpsertOnNewChat(
	ctx context.Context,
	conversationID int64,
	ownerID int64,
	peer models.PeerSummary,
) (*models.ChatDirectoryEntry, error) {
	query := `
		INSERT INTO chat_directory (
			owner_id, conversation_id, peer_id, peer_name, peer_username, peer_avatar_url
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id, conversation_id)
		DO UPDATE SET
			peer_id = EXCLUDED.peer_id,
			peer_name = EXCLUDED.peer_name,
			peer_username = EXCLUDED.peer_username,
			peer_avatar_url = EXCLUDED.peer_avatar_url,
			updated_at = NOW()
		RETURNING ` + directoryColumns

	return scanEntry(r.db.QueryRow(
		ctx,
		query,
		ownerID,
		conversationID,
		peer.ID,
		peer.Name,
		peer.Username,
		peer.AvatarURL,
	))
}

// ApplyIncomingMessage folds a persisted message into the recipient's entry.
// The preview only moves forward in (created_at, id) order. Unread grows by
// one unless the recipient wrote the message or the same message was already
// the entry's last one. A missing entry is recreated with a fresh peer
// snapshot; pgx.ErrNoRows means the conversation itself is gone.
func (r *DirectoryRepository) ApplyIncomingMessage(
	ctx context.Context,
	conversationID int64,
	message *models.Message,
	recipientID int64,
	isRecipientSender bool,
) (*models.ChatDirectoryEntry, error) {
	increment := 1
	if isRecipientSender {
		increment = 0
	}

	query := `
		INSERT INTO chat_directory (
			owner_id, conversation_id, peer_id, peer_name, peer_username, peer_avatar_url,
			last_message, last_message_id, last_message_at, unread_count
		)
		SELECT $1, c.id, u.id, u.name, u.username, u.avatar_url, $3, $4, $5, $6
		FROM conversations c
		JOIN users u
		  ON u.id = CASE WHEN c.user_low = $1 THEN c.user_high ELSE c.user_low END
		WHERE c.id = $2 AND (c.user_low = $1 OR c.user_high = $1)
		ON CONFLICT (owner_id, conversation_id)
		DO UPDATE SET
			last_message = CASE
				WHEN chat_directory.last_message_at IS NULL
				  OR (EXCLUDED.last_message_at, EXCLUDED.last_message_id)
				     > (chat_directory.last_message_at, COALESCE(chat_directory.last_message_id, 0))
				THEN EXCLUDED.last_message
				ELSE chat_directory.last_message
			END,
			last_message_id = CASE
				WHEN chat_directory.last_message_at IS NULL
				  OR (EXCLUDED.last_message_at, EXCLUDED.last_message_id)
				     > (chat_directory.last_message_at, COALESCE(chat_directory.last_message_id, 0))
				THEN EXCLUDED.last_message_id
				ELSE chat_directory.last_message_id
			END,
			last_message_at = CASE
				WHEN chat_directory.last_message_at IS NULL
				  OR (EXCLUDED.last_message_at, EXCLUDED.last_message_id)
				     > (chat_directory.last_message_at, COALESCE(chat_directory.last_message_id, 0))
				THEN EXCLUDED.last_message_at
				ELSE chat_directory.last_message_at
			END,
			unread_count = chat_directory.unread_count + CASE
				WHEN chat_directory.last_message_id = EXCLUDED.last_message_id THEN 0
				ELSE EXCLUDED.unread_count
			END,
			updated_at = NOW()
		RETURNING ` + directoryColumns

	return scanEntry(r.db.QueryRow(
		ctx,
		query,
		recipientID,
		conversationID,
		message.Preview(),
		message.ID,
		message.CreatedAt,
		increment,
	))
}

func (r *DirectoryRepository) ResetUnread(
	ctx context.Context,
	ownerID int64,
	conversationID int64,
) (*models.ChatDirectoryEntry, error) {
	query := `
		UPDATE chat_directory
		SET unread_count = 0, updated_at = NOW()
		WHERE owner_id = $1 AND conversation_id = $2
		RETURNING ` + directoryColumns

	return scanEntry(r.db.QueryRow(ctx, query, ownerID, conversationID))
}

func (r *DirectoryRepository) Remove(ctx context.Context, ownerID int64, conversationID int64) error {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM chat_directory
		WHERE owner_id = $1 AND conversation_id = $2
	`, ownerID, conversationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// RemoveAll deletes every entry of the owner and returns the affected
// conversation ids so the caller can run the orphan check on each.
func (r *DirectoryRepository) RemoveAll(ctx context.Context, ownerID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx, `
		DELETE FROM chat_directory
		WHERE owner_id = $1
		RETURNING conversation_id
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ids, nil
}

func (r *DirectoryRepository) ListFor(ctx context.Context, ownerID int64) ([]models.ChatDirectoryEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+directoryColumns+`
		FROM chat_directory
		WHERE owner_id = $1
		ORDER BY COALESCE(last_message_at, created_at) DESC, conversation_id DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]models.ChatDirectoryEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// Rebuild recomputes preview, timestamp and unread for every entry of the
// conversation from the message table. Unread counts the peer's messages the
// owner has not read.
func (r *DirectoryRepository) Rebuild(ctx context.Context, conversationID int64) ([]models.ChatDirectoryEntry, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE chat_directory d
		SET
			last_message = COALESCE(
				CASE
					WHEN lm.text <> '' THEN lm.text
					WHEN lm.id IS NOT NULL THEN $2
				END,
				''
			),
			last_message_id = lm.id,
			last_message_at = lm.created_at,
			unread_count = (
				SELECT COUNT(*)
				FROM messages m
				WHERE m.conversation_id = d.conversation_id
				  AND m.sender_id <> d.owner_id
				  AND NOT (d.owner_id = ANY(m.read_by))
			),
			updated_at = NOW()
		FROM (SELECT $1::BIGINT AS conversation_id) k
		LEFT JOIN LATERAL (
			SELECT id, text, created_at
			FROM messages
			WHERE conversation_id = k.conversation_id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) lm ON TRUE
		WHERE d.conversation_id = k.conversation_id
		RETURNING d.owner_id, d.conversation_id, d.peer_id, d.peer_name, d.peer_username,
			d.peer_avatar_url, d.last_message, d.last_message_id, d.last_message_at,
			d.unread_count, d.created_at, d.updated_at
	`, conversationID, models.MediaPreviewText)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]models.ChatDirectoryEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

func scanEntry(row pgx.Row) (*models.ChatDirectoryEntry, error) {
	var entry models.ChatDirectoryEntry
	err := row.Scan(
		&entry.OwnerID,
		&entry.ConversationID,
		&entry.Peer.ID,
		&entry.Peer.Name,
		&entry.Peer.Username,
		&entry.Peer.AvatarURL,
		&entry.LastMessage,
		&entry.LastMessageID,
		&entry.LastMessageAt,
		&entry.UnreadCount,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
