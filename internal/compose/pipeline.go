// Package compose implements the outbound message path: assign a position,
// persist content (uploading binaries first), then bump the conversation's
// activity timestamp.
package compose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-console/internal/model"
	registryattach "github.com/chirino/chat-console/internal/registry/attach"
	registrystore "github.com/chirino/chat-console/internal/registry/store"
	"github.com/chirino/chat-console/internal/security"
	"github.com/gabriel-vasile/mimetype"
)

// ErrEmptyMessage is returned when the trimmed text of a send is empty.
var ErrEmptyMessage = errors.New("message text is empty")

// ErrNoActiveConversation is returned when a send targets a conversation
// that is not the session's active one. The next sequence number is derived
// from the loaded message view, so sends are only valid against it.
var ErrNoActiveConversation = errors.New("conversation is not active")

// SequenceSource exposes the loaded message count the pipeline derives the
// next sequence number from. Satisfied by the sync engine.
type SequenceSource interface {
	LoadedMessageCount(conversationID string) (int, bool)
}

// Pipeline writes operator messages through the message store and the
// conversation index on behalf of one operator session.
type Pipeline struct {
	source      SequenceSource
	messages    registrystore.MessageStore
	index       registrystore.ConversationIndex
	attachments registryattach.AttachmentStore
	authorTag   string
	maxAttempts int
	now         func() time.Time
}

// Options configures a Pipeline.
type Options struct {
	Source      SequenceSource
	Messages    registrystore.MessageStore
	Index       registrystore.ConversationIndex
	Attachments registryattach.AttachmentStore

	// AuthorTag is stamped on every message the pipeline writes, normally
	// the operator id of the session.
	AuthorTag string

	// MaxAttempts bounds the renumber-and-retry loop used to resolve
	// sequence-number collisions with concurrent writers.
	MaxAttempts int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New creates a pipeline for one operator session.
func New(opts Options) *Pipeline {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		source:      opts.Source,
		messages:    opts.Messages,
		index:       opts.Index,
		attachments: opts.Attachments,
		authorTag:   opts.AuthorTag,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
	}
}

// SendText appends a text message to the active conversation and bumps its
// lastActivity.
func (p *Pipeline) SendText(ctx context.Context, conversationID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	return p.send(ctx, conversationID, model.KindText, text)
}

// SendAttachment uploads the payload to the attachment store and appends a
// media message holding the durable fetch URL. The upload happens first: if
// it fails nothing is written to either store.
func (p *Pipeline) SendAttachment(ctx context.Context, conversationID, fileName string, payload io.Reader, contentType string) error {
	if _, ok := p.source.LoadedMessageCount(conversationID); !ok {
		return ErrNoActiveConversation
	}

	if contentType == "" {
		// No declared type: sniff it from the payload head. The consumed
		// bytes are stitched back in front of the upload stream.
		head := make([]byte, 3072)
		n, err := io.ReadFull(payload, head)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return &registryattach.UploadFailedError{FileName: fileName, Err: err}
		}
		contentType = mimetype.Detect(head[:n]).String()
		payload = io.MultiReader(bytes.NewReader(head[:n]), payload)
	}

	url, err := p.attachments.Upload(ctx, conversationID, fileName, payload, contentType)
	if err != nil {
		var uploadErr *registryattach.UploadFailedError
		if !errors.As(err, &uploadErr) {
			err = &registryattach.UploadFailedError{FileName: fileName, Err: err}
		}
		return err
	}

	return p.send(ctx, conversationID, model.KindForContentType(contentType), url)
}

// send runs steps 1, 3 and 4 of the composition algorithm: derive the next
// sequence number from the loaded view, append create-only, then touch. The
// touch is skipped when the append fails so a rejected message never bumps
// the conversation in anyone's list.
func (p *Pipeline) send(ctx context.Context, conversationID string, kind model.MessageKind, content string) error {
	count, ok := p.source.LoadedMessageCount(conversationID)
	if !ok {
		return ErrNoActiveConversation
	}

	msg := model.Message{
		Kind:      kind,
		Content:   content,
		Delivered: false,
	}

	// The count is a local observation, not a reservation: a concurrent
	// writer may claim the same number first. The create-only append turns
	// that race into a ConflictError, which we resolve by renumbering.
	seq := count + 1
	var appendErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		key := model.MessageKey{SequenceNumber: seq, AuthorTag: p.authorTag}
		appendErr = p.messages.Append(ctx, conversationID, key, msg)
		if appendErr == nil {
			break
		}
		var conflict *registrystore.ConflictError
		if !errors.As(appendErr, &conflict) {
			var writeErr *registrystore.WriteError
			if !errors.As(appendErr, &writeErr) {
				appendErr = &registrystore.WriteError{Op: "append", Err: appendErr}
			}
			return appendErr
		}
		if security.SequenceCollisionsTotal != nil {
			security.SequenceCollisionsTotal.Inc()
		}
		log.Warn("CompositionPipeline: sequence collision, renumbering",
			"conversation", conversationID, "sequence", seq, "author", p.authorTag)
		if fresh, ok := p.source.LoadedMessageCount(conversationID); ok && fresh >= seq {
			seq = fresh + 1
		} else {
			seq++
		}
	}
	if appendErr != nil {
		return fmt.Errorf("append still conflicting after %d attempts: %w", p.maxAttempts, appendErr)
	}

	if err := p.index.Touch(ctx, conversationID, p.now()); err != nil {
		// The message is written; only the list ordering bump failed. The
		// caller sees the error, the next send or remote write repairs the
		// ordering.
		log.Error("CompositionPipeline: lastActivity touch failed", "conversation", conversationID, "err", err)
		var writeErr *registrystore.WriteError
		if !errors.As(err, &writeErr) {
			err = &registrystore.WriteError{Op: "touch", Err: err}
		}
		return err
	}
	return nil
}
