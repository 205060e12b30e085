// Package memstore keeps uploaded binaries in process memory. Development
// and test use only.
package memstore

import (
	"context"
	"io"
	"sync"

	registryattach "github.com/chirino/chat-console/internal/registry/attach"
)

func init() {
	registryattach.Register(registryattach.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registryattach.AttachmentStore, error) {
			return NewStore(), nil
		},
	})
}

// Store holds uploads keyed by the URL it handed out.
type Store struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewStore creates an empty in-memory attachment store.
func NewStore() *Store {
	return &Store{objects: map[string][]byte{}}
}

func (s *Store) Upload(ctx context.Context, conversationID, fileName string, data io.Reader, contentType string) (string, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return "", &registryattach.UploadFailedError{FileName: fileName, Err: err}
	}
	url := "mem://chats/" + conversationID + "/" + fileName
	s.mu.Lock()
	s.objects[url] = buf
	s.mu.Unlock()
	return url, nil
}

// Get returns the stored payload for a URL, for tests.
func (s *Store) Get(url string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.objects[url]
	return buf, ok
}
