package store

import "errors"

// Rejected transitions are returned as these sentinels. The store logs them
// and leaves its state untouched; none of them is fatal to a session.
var (
	ErrNotInitialized       = errors.New("store not initialized")
	ErrDisposed             = errors.New("store disposed")
	ErrEmptyContent         = errors.New("message content is empty")
	ErrUnknownMessage       = errors.New("unknown message id")
	ErrInvalidTransition    = errors.New("invalid lifecycle transition")
	ErrStaleAttempt         = errors.New("stale send attempt")
	ErrStalePage            = errors.New("history page out of sequence")
	ErrInvalidPage          = errors.New("invalid page number")
	ErrConversationMismatch = errors.New("snapshot belongs to another conversation")
)
