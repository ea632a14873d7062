package taskapi

import (
	"context"
	"fmt"
	"sync"
)

// BlobStore persists uploaded document bytes namespaced by
// {user_id}/{task_id}/{role}/{filename}, per spec.md §6's persisted state
// layout. The Task API Facade is the only caller; the Structure Parser
// consumes the returned bytes directly, never the store itself.
type BlobStore interface {
	Put(ctx context.Context, userID, taskID, role, filename string, data []byte) error
	Get(ctx context.Context, userID, taskID, role, filename string) ([]byte, error)
}

// memBlobStore is the in-process BlobStore used for local development and
// tests; production deployments swap in an S3/GCS-backed implementation
// behind the same interface.
type memBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemBlobStore builds an in-memory BlobStore.
func NewMemBlobStore() BlobStore {
	return &memBlobStore{blobs: make(map[string][]byte)}
}

func (s *memBlobStore) Put(ctx context.Context, userID, taskID, role, filename string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[blobKey(userID, taskID, role, filename)] = data
	return nil
}

func (s *memBlobStore) Get(ctx context.Context, userID, taskID, role, filename string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[blobKey(userID, taskID, role, filename)]
	if !ok {
		return nil, fmt.Errorf("taskapi: blob not found: %s/%s/%s/%s", userID, taskID, role, filename)
	}
	return data, nil
}

func blobKey(userID, taskID, role, filename string) string {
	return userID + "/" + taskID + "/" + role + "/" + filename
}
