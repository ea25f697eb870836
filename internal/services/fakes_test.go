package services

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/models"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/queue"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/repository"
	chatws "github.com/muneeb-U-rehman329/web-chat-app/internal/websocket"
)

type entryKey struct {
	owner        int64
	conversation int64
}

// memDB mirrors the SQL stores closely enough to check the workflows.
type memDB struct {
	mu            sync.Mutex
	nextConvID    int64
	nextMessageID int64
	clock         time.Time
	users         map[int64]*models.User
	conversations map[int64]*models.Conversation
	messages      []models.Message
	entries       map[entryKey]*models.ChatDirectoryEntry

	appendErr       error
	participantsErr error
	applyErr        error
	resetErr        error
	markReadErr     error
}

func newMemDB(users ...models.User) *memDB {
	db := &memDB{
		clock:         time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		users:         make(map[int64]*models.User),
		conversations: make(map[int64]*models.Conversation),
		entries:       make(map[entryKey]*models.ChatDirectoryEntry),
	}
	for i := range users {
		user := users[i]
		db.users[user.ID] = &user
	}
	return db
}

func (db *memDB) tick() time.Time {
	db.clock = db.clock.Add(time.Millisecond)
	return db.clock
}

func (db *memDB) entry(owner, conversation int64) *models.ChatDirectoryEntry {
	db.mu.Lock()
	defer db.mu.Unlock()
	entry, ok := db.entries[entryKey{owner, conversation}]
	if !ok {
		return nil
	}
	copied := *entry
	return &copied
}

func (db *memDB) messageCount(conversationID int64) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, message := range db.messages {
		if message.ConversationID == conversationID {
			n++
		}
	}
	return n
}

func (db *memDB) hasConversation(conversationID int64) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.conversations[conversationID]
	return ok
}

func (db *memDB) entriesFor(conversationID int64) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for key := range db.entries {
		if key.conversation == conversationID {
			n++
		}
	}
	return n
}

type fakeUsers struct{ db *memDB }

func (f fakeUsers) GetByID(_ context.Context, id int64) (*models.User, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	user, ok := f.db.users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	copied := *user
	return &copied, nil
}

func (f fakeUsers) FindByIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	if id, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		return f.GetByID(ctx, id)
	}
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, user := range f.db.users {
		if strings.EqualFold(user.Email, identifier) || user.Username == identifier {
			copied := *user
			return &copied, nil
		}
	}
	return nil, pgx.ErrNoRows
}

type fakeConversations struct{ db *memDB }

func (f fakeConversations) GetOrCreate(_ context.Context, a int64, b int64) (*models.Conversation, bool, error) {
	if a == b {
		return nil, false, repository.ErrSameUser
	}
	if a > b {
		a, b = b, a
	}
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, conversation := range f.db.conversations {
		if conversation.ParticipantIDs == [2]int64{a, b} {
			copied := *conversation
			return &copied, false, nil
		}
	}
	f.db.nextConvID++
	now := f.db.tick()
	conversation := &models.Conversation{
		ID:             f.db.nextConvID,
		ParticipantIDs: [2]int64{a, b},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	f.db.conversations[conversation.ID] = conversation
	copied := *conversation
	return &copied, true, nil
}

func (f fakeConversations) ParticipantsOf(_ context.Context, id int64) ([2]int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if f.db.participantsErr != nil {
		return [2]int64{}, f.db.participantsErr
	}
	conversation, ok := f.db.conversations[id]
	if !ok {
		return [2]int64{}, pgx.ErrNoRows
	}
	return conversation.ParticipantIDs, nil
}

func (f fakeConversations) DeleteIfOrphaned(_ context.Context, id int64) (bool, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for key := range f.db.entries {
		if key.conversation == id {
			return false, nil
		}
	}
	if _, ok := f.db.conversations[id]; !ok {
		return false, nil
	}
	delete(f.db.conversations, id)
	kept := f.db.messages[:0]
	for _, message := range f.db.messages {
		if message.ConversationID != id {
			kept = append(kept, message)
		}
	}
	f.db.messages = kept
	return true, nil
}

type fakeMessages struct{ db *memDB }

func (f fakeMessages) Append(_ context.Context, conversationID int64, senderID int64, text string, mediaRef *string) (*models.Message, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if f.db.appendErr != nil {
		return nil, f.db.appendErr
	}
	if text == "" && mediaRef == nil {
		return nil, repository.ErrEmptyMessage
	}
	conversation, ok := f.db.conversations[conversationID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	if !conversation.HasParticipant(senderID) {
		return nil, repository.ErrNotParticipant
	}
	f.db.nextMessageID++
	message := models.Message{
		ID:             f.db.nextMessageID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		MediaRef:       mediaRef,
		ReadBy:         []int64{senderID},
		CreatedAt:      f.db.tick(),
	}
	f.db.messages = append(f.db.messages, message)
	return &message, nil
}

func (f fakeMessages) ListOrdered(_ context.Context, conversationID int64, limit int, offset int) ([]models.Message, int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	all := make([]models.Message, 0)
	for _, message := range f.db.messages {
		if message.ConversationID == conversationID {
			message.ReadBy = append([]int64(nil), message.ReadBy...)
			all = append(all, message)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	total := len(all)
	if limit <= 0 {
		return all, total, nil
	}
	end := total - offset
	if end <= 0 {
		return []models.Message{}, total, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return all[start:end], total, nil
}

func (f fakeMessages) MarkRead(_ context.Context, conversationID int64, readerID int64) (int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if f.db.markReadErr != nil {
		return 0, f.db.markReadErr
	}
	var affected int64
	for i := range f.db.messages {
		message := &f.db.messages[i]
		if message.ConversationID != conversationID || message.SenderID == readerID || message.IsReadBy(readerID) {
			continue
		}
		message.ReadBy = append(message.ReadBy, readerID)
		affected++
	}
	return affected, nil
}

type fakeDirectory struct{ db *memDB }

func (f fakeDirectory) UpsertOnNewChat(_ context.Context, conversationID int64, ownerID int64, peer models.PeerSummary) (*models.ChatDirectoryEntry, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	key := entryKey{ownerID, conversationID}
	entry, ok := f.db.entries[key]
	if !ok {
		now := f.db.tick()
		entry = &models.ChatDirectoryEntry{OwnerID: ownerID, ConversationID: conversationID, CreatedAt: now}
		f.db.entries[key] = entry
	}
	entry.Peer = peer
	entry.UpdatedAt = f.db.tick()
	copied := *entry
	return &copied, nil
}

func (f fakeDirectory) ApplyIncomingMessage(
	_ context.Context,
	conversationID int64,
	message *models.Message,
	recipientID int64,
	isRecipientSender bool,
) (*models.ChatDirectoryEntry, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if f.db.applyErr != nil {
		return nil, f.db.applyErr
	}
	conversation, ok := f.db.conversations[conversationID]
	if !ok || !conversation.HasParticipant(recipientID) {
		return nil, pgx.ErrNoRows
	}
	key := entryKey{recipientID, conversationID}
	entry, ok := f.db.entries[key]
	if !ok {
		peer := f.db.users[conversation.PeerOf(recipientID)]
		entry = &models.ChatDirectoryEntry{
			OwnerID:        recipientID,
			ConversationID: conversationID,
			Peer:           peer.Summary(),
			CreatedAt:      f.db.tick(),
		}
		f.db.entries[key] = entry
	}
	duplicate := entry.LastMessageID != nil && *entry.LastMessageID == message.ID
	newer := entry.LastMessageAt == nil ||
		message.CreatedAt.After(*entry.LastMessageAt) ||
		(message.CreatedAt.Equal(*entry.LastMessageAt) && message.ID > *entry.LastMessageID)
	if newer {
		id := message.ID
		at := message.CreatedAt
		entry.LastMessage = message.Preview()
		entry.LastMessageID = &id
		entry.LastMessageAt = &at
	}
	if !isRecipientSender && !duplicate {
		entry.UnreadCount++
	}
	entry.UpdatedAt = f.db.tick()
	copied := *entry
	return &copied, nil
}

func (f fakeDirectory) ResetUnread(_ context.Context, ownerID int64, conversationID int64) (*models.ChatDirectoryEntry, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if f.db.resetErr != nil {
		return nil, f.db.resetErr
	}
	entry, ok := f.db.entries[entryKey{ownerID, conversationID}]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	entry.UnreadCount = 0
	copied := *entry
	return &copied, nil
}

func (f fakeDirectory) Remove(_ context.Context, ownerID int64, conversationID int64) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	key := entryKey{ownerID, conversationID}
	if _, ok := f.db.entries[key]; !ok {
		return pgx.ErrNoRows
	}
	delete(f.db.entries, key)
	return nil
}

func (f fakeDirectory) RemoveAll(_ context.Context, ownerID int64) ([]int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	ids := make([]int64, 0)
	for key := range f.db.entries {
		if key.owner == ownerID {
			ids = append(ids, key.conversation)
			delete(f.db.entries, key)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f fakeDirectory) ListFor(_ context.Context, ownerID int64) ([]models.ChatDirectoryEntry, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	entries := make([]models.ChatDirectoryEntry, 0)
	for key, entry := range f.db.entries {
		if key.owner == ownerID {
			entries = append(entries, *entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ActivityAt().After(entries[j].ActivityAt())
	})
	return entries, nil
}

func (f fakeDirectory) Rebuild(_ context.Context, conversationID int64) ([]models.ChatDirectoryEntry, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var last *models.Message
	for i := range f.db.messages {
		message := &f.db.messages[i]
		if message.ConversationID != conversationID {
			continue
		}
		if last == nil || message.CreatedAt.After(last.CreatedAt) ||
			(message.CreatedAt.Equal(last.CreatedAt) && message.ID > last.ID) {
			last = message
		}
	}
	rebuilt := make([]models.ChatDirectoryEntry, 0)
	for key, entry := range f.db.entries {
		if key.conversation != conversationID {
			continue
		}
		entry.LastMessage, entry.LastMessageID, entry.LastMessageAt = "", nil, nil
		if last != nil {
			id, at := last.ID, last.CreatedAt
			entry.LastMessage = last.Preview()
			entry.LastMessageID = &id
			entry.LastMessageAt = &at
		}
		unread := 0
		for _, message := range f.db.messages {
			if message.ConversationID == conversationID && message.SenderID != key.owner && !message.IsReadBy(key.owner) {
				unread++
			}
		}
		entry.UnreadCount = unread
		rebuilt = append(rebuilt, *entry)
	}
	return rebuilt, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []chatws.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event chatws.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) on(channel string, frameType string) []chatws.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]chatws.Event, 0)
	for _, event := range p.events {
		if event.Channel == channel && event.Type == frameType {
			out = append(out, event)
		}
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type recordingRepair struct {
	mu            sync.Mutex
	conversations []int64
}

func (r *recordingRepair) ScheduleRebuild(_ context.Context, conversationID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations = append(r.conversations, conversationID)
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []queue.Task
	ctxs  []context.Context
	err   error
}

func (q *fakeQueue) Enqueue(ctx context.Context, task queue.Task, _ ...queue.EnqueueOption) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctxs = append(q.ctxs, ctx)
	if q.err != nil {
		return "", q.err
	}
	q.tasks = append(q.tasks, task)
	return "task-" + strconv.Itoa(len(q.tasks)), nil
}

func (q *fakeQueue) Close() error { return nil }

var errStoreDown = errors.New("store unavailable")

type testEnv struct {
	db        *memDB
	service   *ChatService
	directory *DirectoryService
	publisher *recordingPublisher
	repair    *recordingRepair
}

func testUsers() []models.User {
	return []models.User{
		{ID: 1, Email: "alice@example.com", Username: "alice", Name: "Alice"},
		{ID: 2, Email: "bob@example.com", Username: "bob", Name: "Bob"},
		{ID: 3, Email: "carol@example.com", Username: "carol", Name: "Carol"},
	}
}

func newTestEnv() *testEnv {
	db := newMemDB(testUsers()...)
	publisher := &recordingPublisher{}
	repair := &recordingRepair{}
	directory := NewDirectoryService(fakeDirectory{db}, fakeConversations{db}, nil)
	service := NewChatService(
		fakeConversations{db},
		fakeMessages{db},
		directory,
		fakeUsers{db},
		publisher,
		repair,
		ViewOptions{MediaBaseURL: "https://cdn.example.com", DefaultAvatarURL: "https://cdn.example.com/avatar.png"},
		nil,
	)
	return &testEnv{db: db, service: service, directory: directory, publisher: publisher, repair: repair}
}
