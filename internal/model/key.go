package model

import (
	"fmt"
	"strconv"
	"strings"
)

// MessageKey is the compound ordering+attribution key a message is stored
// under. The legacy console encoded it as the document name
// "{sequenceNumber}, {authorTag}"; stores now persist both fields as
// first-class attributes and keep the encoded form only as the document
// identifier, so legacy data written by older clients still round-trips.
type MessageKey struct {
	SequenceNumber int
	AuthorTag      string
}

// Encode returns the wire form of the key, e.g. "3, opA".
func (k MessageKey) Encode() string {
	return fmt.Sprintf("%d, %s", k.SequenceNumber, k.AuthorTag)
}

func (k MessageKey) String() string { return k.Encode() }

// MalformedKeyError indicates a stored compound key that does not parse.
// Entries with malformed keys are skipped and logged, never fatal to a view.
type MalformedKeyError struct {
	Key    string
	Reason string
}

func (e *MalformedKeyError) Error() string {
	return fmt.Sprintf("malformed message key %q: %s", e.Key, e.Reason)
}

// ParseMessageKey parses the wire form back into its parts. The key must
// split into exactly two comma-separated parts, the first a positive
// integer sequence number, the second a non-empty author tag.
func ParseMessageKey(raw string) (MessageKey, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return MessageKey{}, &MalformedKeyError{Key: raw, Reason: "expected exactly two comma-separated parts"}
	}
	seq, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return MessageKey{}, &MalformedKeyError{Key: raw, Reason: "sequence number is not an integer"}
	}
	if seq < 1 {
		return MessageKey{}, &MalformedKeyError{Key: raw, Reason: "sequence number must be positive"}
	}
	author := strings.TrimSpace(parts[1])
	if author == "" {
		return MessageKey{}, &MalformedKeyError{Key: raw, Reason: "author tag is empty"}
	}
	return MessageKey{SequenceNumber: seq, AuthorTag: author}, nil
}
