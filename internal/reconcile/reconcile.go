// Package reconcile merges REST snapshots with push events into the ordered,
// deduplicated views a chat client renders.
package reconcile

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/muneeb-U-rehman329/web-chat-app/internal/models"
	chatws "github.com/muneeb-U-rehman329/web-chat-app/internal/websocket"
)

// MergeMessages appends the incoming messages whose id is not yet known and
// returns the result ordered by (created_at, id). Merging a message twice
// yields the same list as merging it once. existing is not modified.
func MergeMessages(existing []models.MessageView, incoming ...models.MessageView) []models.MessageView {
	seen := make(map[int64]struct{}, len(existing)+len(incoming))
	merged := make([]models.MessageView, 0, len(existing)+len(incoming))
	for _, message := range existing {
		if _, ok := seen[message.ID]; ok {
			continue
		}
		seen[message.ID] = struct{}{}
		merged = append(merged, message)
	}
	for _, message := range incoming {
		if _, ok := seen[message.ID]; ok {
			continue
		}
		seen[message.ID] = struct{}{}
		merged = append(merged, message)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.Before(merged[j].CreatedAt)
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}

// MergeChatList replaces the entry with the same conversation id, or
// prepends update when there is none, then orders the list by activity,
// newest first. existing is not modified.
func MergeChatList(existing []models.ChatDirectoryEntry, update models.ChatDirectoryEntry) []models.ChatDirectoryEntry {
	merged := make([]models.ChatDirectoryEntry, 0, len(existing)+1)
	replaced := false
	for _, entry := range existing {
		if entry.ConversationID == update.ConversationID {
			if !replaced {
				merged = append(merged, update)
				replaced = true
			}
			continue
		}
		merged = append(merged, entry)
	}
	if !replaced {
		merged = append([]models.ChatDirectoryEntry{update}, merged...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i].ActivityAt(), merged[j].ActivityAt()
		if !a.Equal(b) {
			return a.After(b)
		}
		return merged[i].ConversationID > merged[j].ConversationID
	})
	return merged
}

// RemoveChat drops the entry for conversationID.
func RemoveChat(existing []models.ChatDirectoryEntry, conversationID int64) []models.ChatDirectoryEntry {
	kept := make([]models.ChatDirectoryEntry, 0, len(existing))
	for _, entry := range existing {
		if entry.ConversationID != conversationID {
			kept = append(kept, entry)
		}
	}
	return kept
}

// Timeline is the message view of one open conversation. Events may arrive
// before, after or during the snapshot fetch; the result is the same.
type Timeline struct {
	mu             sync.Mutex
	conversationID int64
	messages       []models.MessageView
}

func NewTimeline(conversationID int64) *Timeline {
	return &Timeline{conversationID: conversationID}
}

func (t *Timeline) ConversationID() int64 {
	return t.conversationID
}

// ApplySnapshot merges a fetched history page.
func (t *Timeline) ApplySnapshot(messages []models.MessageView) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = MergeMessages(t.messages, messages...)
}

// ApplyMessage merges one pushed message and reports whether it was new.
// Messages of other conversations are ignored.
func (t *Timeline) ApplyMessage(message models.MessageView) bool {
	if message.ConversationID != t.conversationID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	before := len(t.messages)
	t.messages = MergeMessages(t.messages, message)
	return len(t.messages) > before
}

// Messages returns a copy of the current ordered view.
func (t *Timeline) Messages() []models.MessageView {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.MessageView, len(t.messages))
	copy(out, t.messages)
	return out
}

type ChatList struct {
	mu      sync.Mutex
	entries []models.ChatDirectoryEntry
}

func NewChatList() *ChatList {
	return &ChatList{}
}

// ApplySnapshot replaces the list with a fetched directory.
func (l *ChatList) ApplySnapshot(entries []models.ChatDirectoryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	for _, entry := range entries {
		l.entries = MergeChatList(l.entries, entry)
	}
}

func (l *ChatList) ApplyUpdate(update models.ChatDirectoryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = MergeChatList(l.entries, update)
}

func (l *ChatList) Remove(conversationID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = RemoveChat(l.entries, conversationID)
}

func (l *ChatList) Entries() []models.ChatDirectoryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.ChatDirectoryEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ApplyFrame routes a raw server frame to the views it affects. Either view
// may be nil. It reports whether the frame changed anything.
func ApplyFrame(payload []byte, timeline *Timeline, chats *ChatList) (bool, error) {
	var frame chatws.Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return false, fmt.Errorf("decode frame: %w", err)
	}

	switch frame.Type {
	case chatws.FrameNewMessage:
		if timeline == nil {
			return false, nil
		}
		var message models.MessageView
		if err := json.Unmarshal(frame.Data, &message); err != nil {
			return false, fmt.Errorf("decode %s: %w", frame.Type, err)
		}
		return timeline.ApplyMessage(message), nil
	case chatws.FrameUpdateChatList, chatws.FrameChatCreated:
		if chats == nil {
			return false, nil
		}
		var entry models.ChatDirectoryEntry
		if err := json.Unmarshal(frame.Data, &entry); err != nil {
			return false, fmt.Errorf("decode %s: %w", frame.Type, err)
		}
		chats.ApplyUpdate(entry)
		return true, nil
	default:
		return false, nil
	}
}
