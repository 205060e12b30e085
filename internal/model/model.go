package model

import (
	"strings"
	"time"
)

// MessageKind represents the content type of a message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindVideo MessageKind = "video"
	KindAudio MessageKind = "audio"
)

// KindForContentType classifies an attachment MIME type into a MessageKind.
// Anything that is neither an image nor a video is treated as audio, matching
// the console's upload accept list (image/*, video/*, audio/*).
func KindForContentType(contentType string) MessageKind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return KindImage
	case strings.HasPrefix(contentType, "video/"):
		return KindVideo
	default:
		return KindAudio
	}
}

// Conversation is a thread between one tenant's operators and a single
// remote party. Conversations are created by the inbound message path when a
// remote party first contacts the tenant; the console never deletes them.
type Conversation struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId"`
	DisplayName   string    `json:"displayName"`
	RemotePartyID string    `json:"remotePartyId"`
	LastActivity  time.Time `json:"lastActivity,omitzero"`
}

// Message is a single entry in a conversation's append-only log. Messages
// are immutable once written; Delivered defaults to false and is only ever
// flipped by the delivery-ack path, which lives outside this service.
type Message struct {
	ConversationID string `json:"conversationId"`

	// EncodedKey is the raw compound document key the message was stored
	// under. Legacy writers persisted sequence number and author tag only
	// inside this key; for such entries the structured fields below are
	// zero and consumers recover them by parsing the key.
	EncodedKey string `json:"-"`

	SequenceNumber int         `json:"sequenceNumber"`
	AuthorTag      string      `json:"authorTag"`
	Kind           MessageKind `json:"kind"`
	Content        string      `json:"content"`
	Delivered      bool        `json:"delivered"`
}

// Key returns the message's compound storage key.
func (m Message) Key() MessageKey {
	return MessageKey{SequenceNumber: m.SequenceNumber, AuthorTag: m.AuthorTag}
}

// ConversationView is the presentation-facing shape of a conversation in the
// ordered tenant list.
type ConversationView struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"displayName"`
	RemotePartyID string    `json:"remotePartyId"`
	LastActivity  time.Time `json:"lastActivity,omitzero"`
}

// MessageView is the presentation-facing shape of a message in the ordered
// log of the active conversation. FromOperator is true when the message was
// authored by one of the tenant's operators rather than the remote party.
type MessageView struct {
	SequenceNumber int         `json:"sequenceNumber"`
	AuthorTag      string      `json:"authorTag"`
	Kind           MessageKind `json:"kind"`
	Content        string      `json:"content"`
	Delivered      bool        `json:"delivered"`
	FromOperator   bool        `json:"fromOperator"`
}
