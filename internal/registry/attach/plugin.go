package attach

import (
	"context"
	"fmt"
	"io"
)

// UploadFailedError indicates a binary upload did not complete. The send is
// aborted; no message or activity write happens.
type UploadFailedError struct {
	FileName string
	Err      error
}

func (e *UploadFailedError) Error() string {
	return fmt.Sprintf("upload of %q failed: %v", e.FileName, e.Err)
}

func (e *UploadFailedError) Unwrap() error { return e.Err }

// AttachmentStore stores message binaries. Objects are keyed by
// (conversationID, fileName), mirroring the console's storage layout, and the
// returned URL is durable: presentation dereferences it directly, the sync
// core never reads the bytes back.
type AttachmentStore interface {
	// Upload writes the payload and returns a durable fetch URL.
	Upload(ctx context.Context, conversationID, fileName string, data io.Reader, contentType string) (string, error)
}

// Loader creates an AttachmentStore from config carried in ctx.
type Loader func(ctx context.Context) (AttachmentStore, error)

// Plugin represents an attachment store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an attachment store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered attachment store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named attachment store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown attachment store %q; valid: %v", name, Names())
}
