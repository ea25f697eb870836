package services

import (
	"strings"

	"github.com/muneeb-U-rehman329/web-chat-app/internal/models"
)

// ViewOptions turns stored records into the wire shapes shared by REST
// responses and push events.
type ViewOptions struct {
	MediaBaseURL     string
	DefaultAvatarURL string
}

// MediaURL resolves a media reference. Absolute URLs pass through.
func (o ViewOptions) MediaURL(ref *string) *string {
	if ref == nil || *ref == "" {
		return nil
	}
	value := *ref
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") || o.MediaBaseURL == "" {
		return &value
	}
	resolved := o.MediaBaseURL + "/" + strings.TrimLeft(value, "/")
	return &resolved
}

func (o ViewOptions) Peer(peer models.PeerSummary) models.PeerSummary {
	if (peer.AvatarURL == nil || *peer.AvatarURL == "") && o.DefaultAvatarURL != "" {
		avatar := o.DefaultAvatarURL
		peer.AvatarURL = &avatar
	}
	return peer
}

func (o ViewOptions) Entry(entry *models.ChatDirectoryEntry) *models.ChatDirectoryEntry {
	if entry == nil {
		return nil
	}
	out := *entry
	out.Peer = o.Peer(entry.Peer)
	return &out
}

func (o ViewOptions) Entries(entries []models.ChatDirectoryEntry) []models.ChatDirectoryEntry {
	out := make([]models.ChatDirectoryEntry, 0, len(entries))
	for i := range entries {
		out = append(out, *o.Entry(&entries[i]))
	}
	return out
}

// Message builds the representation seen by viewerID.
func (o ViewOptions) Message(message *models.Message, sender *models.PeerSummary, viewerID int64) models.MessageView {
	view := models.MessageView{
		ID:             message.ID,
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		Text:           message.Text,
		MediaRef:       message.MediaRef,
		MediaURL:       o.MediaURL(message.MediaRef),
		ReadBy:         append([]int64(nil), message.ReadBy...),
		CreatedAt:      message.CreatedAt,
		IsMine:         message.SenderID == viewerID,
	}
	if view.ReadBy == nil {
		view.ReadBy = []int64{}
	}
	if sender != nil {
		decorated := o.Peer(*sender)
		view.Sender = &decorated
	}
	return view
}
