package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/repository"
	chatws "github.com/muneeb-U-rehman329/web-chat-app/internal/websocket"
)

var (
	testDBOnce sync.Once
	testDBPool *pgxpool.Pool
	testDBErr  error
)

func TestChatServicePostgresFlow(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationChatService(pool)

	aliceID := createTestUser(t, ctx, pool, "alice")
	bobID := createTestUser(t, ctx, pool, "bob")
	t.Cleanup(func() { cleanupTestUsers(t, ctx, pool, aliceID, bobID) })

	created, err := service.CreateChat(ctx, aliceID, fmt.Sprint(bobID))
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if !created.Created {
		t.Fatalf("expected a new conversation")
	}
	again, err := service.CreateChat(ctx, bobID, fmt.Sprint(aliceID))
	if err != nil {
		t.Fatalf("CreateChat reverse: %v", err)
	}
	if again.Created || again.Conversation.ID != created.Conversation.ID {
		t.Fatalf("expected the same conversation, got %+v", again.Conversation)
	}
	conversationID := created.Conversation.ID

	for _, text := range []string{"one", "two"} {
		if _, _, err := service.SendMessage(ctx, aliceID, conversationID, text, nil); err != nil {
			t.Fatalf("SendMessage %q: %v", text, err)
		}
	}

	chats, err := service.ListChats(ctx, bobID)
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(chats) != 1 || chats[0].UnreadCount != 2 || chats[0].LastMessage != "two" {
		t.Fatalf("unexpected bob directory: %+v", chats)
	}

	page, err := service.GetMessages(ctx, bobID, conversationID, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(page.Messages) != 2 || page.Messages[0].Text != "one" || page.Messages[1].Text != "two" {
		t.Fatalf("unexpected history: %+v", page.Messages)
	}

	chats, err = service.ListChats(ctx, bobID)
	if err != nil {
		t.Fatalf("ListChats after read: %v", err)
	}
	if chats[0].UnreadCount != 0 {
		t.Fatalf("expected unread reset, got %d", chats[0].UnreadCount)
	}

	rebuilt, err := service.directory.Rebuild(ctx, conversationID)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	for _, entry := range rebuilt {
		if entry.UnreadCount != 0 || entry.LastMessage != "two" {
			t.Fatalf("rebuild disagrees with incremental state: %+v", entry)
		}
	}

	first, err := service.DeleteChat(ctx, aliceID, conversationID)
	if err != nil {
		t.Fatalf("DeleteChat alice: %v", err)
	}
	if first.ConversationDeleted {
		t.Fatalf("conversation must survive while bob keeps the chat")
	}
	second, err := service.DeleteChat(ctx, bobID, conversationID)
	if err != nil {
		t.Fatalf("DeleteChat bob: %v", err)
	}
	if !second.ConversationDeleted {
		t.Fatalf("expected conversation removed with the last entry")
	}

	var remaining int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM messages WHERE conversation_id = $1", conversationID).Scan(&remaining); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected messages cascaded, got %d", remaining)
	}
}

func TestConversationGetOrCreateConcurrentPair(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	repo := repository.NewConversationRepository(pool)

	aliceID := createTestUser(t, ctx, pool, "race-a")
	bobID := createTestUser(t, ctx, pool, "race-b")
	t.Cleanup(func() { cleanupTestUsers(t, ctx, pool, aliceID, bobID) })

	const workers = 8
	ids := make([]int64, workers)
	created := make([]bool, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := aliceID, bobID
			if i%2 == 1 {
				a, b = b, a
			}
			conversation, isNew, err := repo.GetOrCreate(ctx, a, b)
			errs[i] = err
			if err == nil {
				ids[i] = conversation.ID
				created[i] = isNew
			}
		}(i)
	}
	wg.Wait()

	creations := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("expected one conversation, got %d and %d", ids[0], ids[i])
		}
		if created[i] {
			creations++
		}
	}
	if creations != 1 {
		t.Fatalf("expected exactly one creation, got %d", creations)
	}

	if _, err := pool.Exec(ctx, "DELETE FROM conversations WHERE id = $1", ids[0]); err != nil {
		t.Fatalf("cleanup conversation: %v", err)
	}
}

func integrationTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	testDBOnce.Do(func() {
		_ = godotenv.Load(".env")
		_ = godotenv.Load(filepath.Join("..", "..", ".env"))

		dbURL := os.Getenv("DB_URL")
		if dbURL == "" {
			testDBErr = fmt.Errorf("DB_URL is not set")
			return
		}

		cfg, err := pgxpool.ParseConfig(dbURL)
		if err != nil {
			testDBErr = err
			return
		}

		testDBPool, testDBErr = pgxpool.NewWithConfig(context.Background(), cfg)
		if testDBErr != nil {
			return
		}
		testDBErr = testDBPool.Ping(context.Background())
	})

	if testDBErr != nil {
		t.Skipf("skipping integration test: %v", testDBErr)
	}
	return testDBPool
}

func newIntegrationChatService(pool *pgxpool.Pool) *ChatService {
	conversations := repository.NewConversationRepository(pool)
	directory := NewDirectoryService(repository.NewDirectoryRepository(pool), conversations, nil)
	hub := chatws.NewHub(nil)
	return NewChatService(
		conversations,
		repository.NewMessageRepository(pool),
		directory,
		repository.NewUserRepository(pool),
		hub,
		NewDirectoryRepairer(directory, nil, hub, ViewOptions{}, nil),
		ViewOptions{},
		nil,
	)
}

func createTestUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, name string) int64 {
	t.Helper()

	suffix := time.Now().UnixNano()
	var id int64
	err := pool.QueryRow(ctx, `
		INSERT INTO users (email, username, name)
		VALUES ($1, $2, $3)
		RETURNING id
	`, fmt.Sprintf("chat-test-%s-%d@example.com", name, suffix), fmt.Sprintf("%s_%d", name, suffix), name).Scan(&id)
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return id
}

func cleanupTestUsers(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userIDs ...int64) {
	t.Helper()

	if len(userIDs) == 0 {
		return
	}

	if _, err := pool.Exec(ctx, "DELETE FROM chat_directory WHERE owner_id = ANY($1)", userIDs); err != nil {
		t.Fatalf("cleanup chat directory: %v", err)
	}
	if _, err := pool.Exec(ctx, "DELETE FROM conversations WHERE user_low = ANY($1) OR user_high = ANY($1)", userIDs); err != nil {
		t.Fatalf("cleanup conversations: %v", err)
	}
	if _, err := pool.Exec(ctx, "DELETE FROM users WHERE id = ANY($1)", userIDs); err != nil {
		t.Fatalf("cleanup users: %v", err)
	}
}
