package repository

import "errors"

var (
	ErrEmptyMessage   = errors.New("message text or media is required")
	ErrNotParticipant = errors.New("sender is not a participant of the conversation")
	ErrSameUser       = errors.New("a conversation needs two distinct users")
)

// foreignKeyViolation is the SQLSTATE postgres reports for a failed FK check.
const foreignKeyViolation = "23503"
