package store

import "fmt"

// WriteError indicates the store rejected an append or merge-write. Writes
// are not retried automatically; the operator may resubmit.
type WriteError struct {
	Op  string // "append" or "touch"
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ConflictError indicates a create-only append hit an existing key. Two
// uncoordinated writers computed the same sequence number; the caller
// resolves the collision by renumbering.
type ConflictError struct {
	ConversationID string
	Key            string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("message key %q already exists in conversation %s", e.Key, e.ConversationID)
}

// NotFoundError indicates the conversation does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// SubscriptionError indicates a live snapshot stream terminated
// unexpectedly. The engine resubscribes; the view is marked disconnected
// until a snapshot arrives again.
type SubscriptionError struct {
	Stream string // "messages" or "conversations"
	Err    error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("%s subscription terminated: %v", e.Stream, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
