package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/muneeb-U-rehman329/web-chat-app/internal/logger"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/queue"
	chatws "github.com/muneeb-U-rehman329/web-chat-app/internal/websocket"
	"go.uber.org/zap"
)

// TaskRebuildDirectory recomputes the chat directory of one conversation.
const TaskRebuildDirectory = "chat:rebuild_directory"

const (
	repairUniqueWindow = 30 * time.Second
	repairMaxRetry     = 5
	repairTimeout      = 15 * time.Second
)

type rebuildPayload struct {
	ConversationID int64 `json:"conversation_id"`
}

// DirectoryRepairer heals the directory after a failed projection. With a
// queue client the rebuild runs as a retried background task; without one it
// runs in a detached goroutine on this node.
type DirectoryRepairer struct {
	directory *DirectoryService
	queue     queue.Client
	publisher chatws.Publisher
	views     ViewOptions
	log       *zap.Logger
}

func NewDirectoryRepairer(
	directory *DirectoryService,
	client queue.Client,
	publisher chatws.Publisher,
	views ViewOptions,
	log *zap.Logger,
) *DirectoryRepairer {
	log = logger.OrNop(log)
	return &DirectoryRepairer{
		directory: directory,
		queue:     client,
		publisher: publisher,
		views:     views,
		log:       log,
	}
}

// ScheduleRebuild never fails the caller. The request context is not kept:
// handlers pass a fasthttp RequestCtx that is recycled once they return.
func (r *DirectoryRepairer) ScheduleRebuild(_ context.Context, conversationID int64) {
	ctx := context.Background()

	if r.queue != nil {
		payload, err := json.Marshal(rebuildPayload{ConversationID: conversationID})
		if err == nil {
			_, err = r.queue.Enqueue(ctx, queue.Task{Type: TaskRebuildDirectory, Payload: payload}, queue.EnqueueOption{
				MaxRetry:  repairMaxRetry,
				UniqueTTL: repairUniqueWindow,
				Timeout:   repairTimeout,
			})
		}
		if err == nil || errors.Is(err, queue.ErrDuplicateTask) {
			r.log.Info("directory rebuild scheduled", zap.Int64("conversation_id", conversationID))
			return
		}
		r.log.Warn("enqueue directory rebuild", zap.Int64("conversation_id", conversationID), zap.Error(err))
	}

	go func() {
		runCtx, cancel := context.WithTimeout(ctx, repairTimeout)
		defer cancel()
		if err := r.Rebuild(runCtx, conversationID); err != nil {
			r.log.Error("in-process directory rebuild", zap.Int64("conversation_id", conversationID), zap.Error(err))
		}
	}()
}

// Rebuild recomputes the conversation's entries and pushes them to their
// owners.
func (r *DirectoryRepairer) Rebuild(ctx context.Context, conversationID int64) error {
	entries, err := r.directory.Rebuild(ctx, conversationID)
	if err != nil {
		return err
	}

	for i := range entries {
		entry := r.views.Entry(&entries[i])
		event, err := chatws.NewEvent(chatws.FrameUpdateChatList, chatws.UserChannel(entry.OwnerID), entry)
		if err != nil {
			r.log.Warn("encode rebuilt entry", zap.Error(err))
			continue
		}
		if r.publisher == nil {
			continue
		}
		if err := r.publisher.Publish(ctx, event); err != nil {
			r.log.Debug("publish rebuilt entry", zap.Int64("owner_id", entry.OwnerID), zap.Error(err))
		}
	}

	r.log.Info("directory rebuilt", zap.Int64("conversation_id", conversationID), zap.Int("entries", len(entries)))
	return nil
}

// HandleTask is the queue handler for TaskRebuildDirectory.
func (r *DirectoryRepairer) HandleTask(ctx context.Context, task queue.Task) error {
	var payload rebuildPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		r.log.Warn("drop malformed rebuild task", zap.Error(err))
		return nil
	}
	if payload.ConversationID <= 0 {
		return nil
	}
	if err := r.Rebuild(ctx, payload.ConversationID); err != nil {
		return fmt.Errorf("rebuild conversation %d: %w", payload.ConversationID, err)
	}
	return nil
}

func (r *DirectoryRepairer) Register(server queue.Server) {
	server.Register(TaskRebuildDirectory, r.HandleTask)
}
