package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTaskTypeRequired = errors.New("queue: task type is required")
	// ErrDuplicateTask means an identical unique task is already pending.
	ErrDuplicateTask = errors.New("queue: duplicate task")
)

// Task is a background job: a stable type name and an opaque payload.
type Task struct {
	Type    string
	Payload []byte
}

// Handler processes a task. A non-nil error makes the backend retry it, so
// handlers must be idempotent.
type Handler func(ctx context.Context, task Task) error

// EnqueueOption controls scheduling. Zero values mean "backend default".
type EnqueueOption struct {
	Queue     string
	ProcessIn time.Duration
	MaxRetry  int
	UniqueTTL time.Duration
	Timeout   time.Duration
}

type Client interface {
	Enqueue(ctx context.Context, task Task, opts ...EnqueueOption) (string, error)
	Close() error
}

type Server interface {
	Register(taskType string, handler Handler)
	Run(ctx context.Context) error
}
