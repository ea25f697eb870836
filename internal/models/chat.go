package models

import (
	"strings"
	"time"
)

// MediaPreviewText is shown in the chat list for messages that carry only media.
const MediaPreviewText = "Image"

type Conversation struct {
	ID             int64     `json:"id"`
	ParticipantIDs [2]int64  `json:"participant_ids"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (c *Conversation) HasParticipant(userID int64) bool {
	return c != nil && (c.ParticipantIDs[0] == userID || c.ParticipantIDs[1] == userID)
}

// PeerOf returns the other participant, or 0 when userID is not a participant.
func (c *Conversation) PeerOf(userID int64) int64 {
	switch {
	case c == nil:
		return 0
	case c.ParticipantIDs[0] == userID:
		return c.ParticipantIDs[1]
	case c.ParticipantIDs[1] == userID:
		return c.ParticipantIDs[0]
	default:
		return 0
	}
}

type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	Text           string    `json:"text"`
	MediaRef       *string   `json:"media_ref"`
	ReadBy         []int64   `json:"read_by"`
	CreatedAt      time.Time `json:"created_at"`
}

func (m *Message) IsReadBy(userID int64) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Preview is the chat list text for the message.
func (m *Message) Preview() string {
	return PreviewText(m.Text, m.MediaRef)
}

func PreviewText(text string, mediaRef *string) string {
	if text != "" {
		return text
	}
	if mediaRef != nil && strings.TrimSpace(*mediaRef) != "" {
		return MediaPreviewText
	}
	return ""
}

// MessageView is the wire shape of a message, shared by REST responses and
// newMessage push events.
type MessageView struct {
	ID             int64        `json:"id"`
	ConversationID int64        `json:"conversation_id"`
	Sender         *PeerSummary `json:"sender,omitempty"`
	SenderID       int64        `json:"sender_id"`
	Text           string       `json:"text"`
	MediaRef       *string      `json:"media_ref"`
	MediaURL       *string      `json:"media_url"`
	ReadBy         []int64      `json:"read_by"`
	CreatedAt      time.Time    `json:"created_at"`
	IsMine         bool         `json:"is_mine"`
}

type PeerSummary struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Username  string  `json:"username"`
	AvatarURL *string `json:"avatar_url"`
}

type ChatDirectoryEntry struct {
	OwnerID        int64       `json:"owner_id"`
	ConversationID int64       `json:"conversation_id"`
	Peer           PeerSummary `json:"peer"`
	LastMessage    string      `json:"last_message"`
	LastMessageID  *int64      `json:"last_message_id"`
	LastMessageAt  *time.Time  `json:"last_message_at"`
	UnreadCount    int         `json:"unread_count"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// ActivityAt is the chat list sort key: the last message time, or the
// creation time for chats without messages.
func (e *ChatDirectoryEntry) ActivityAt() time.Time {
	if e.LastMessageAt != nil {
		return *e.LastMessageAt
	}
	return e.CreatedAt
}
