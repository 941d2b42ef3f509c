package jobstatus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/studyowl/mediaworks/pkg/paths"
	"github.com/studyowl/mediaworks/pkg/storage"
)

// ObjectStore persists status documents as JSON objects in the artifact
// store, at the per-job status key the UI polls.
type ObjectStore struct {
	store storage.Store
}

// NewObjectStore creates a DocumentStore over the given object store.
func NewObjectStore(store storage.Store) *ObjectStore {
	return &ObjectStore{store: store}
}

func (s *ObjectStore) Load(ctx context.Context, ownerID, jobID string) (*Document, error) {
	key := paths.StatusDocument(ownerID, jobID)
	body, _, err := s.store.Get(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load status %s: %w", key, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("load status %s: %w", key, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode status %s: %w", key, err)
	}
	return &doc, nil
}

func (s *ObjectStore) Save(ctx context.Context, doc *Document) error {
	key := paths.StatusDocument(doc.OwnerID, doc.JobID)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status %s: %w", key, err)
	}
	err = s.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json")
	if err != nil {
		return fmt.Errorf("save status %s: %w", key, err)
	}
	return nil
}

// MemoryStore is an in-process DocumentStore used in tests and dry runs.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]Document
}

// NewMemoryStore creates an empty in-memory DocumentStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

func (s *MemoryStore) Load(_ context.Context, ownerID, jobID string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[ownerID+"/"+jobID]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (s *MemoryStore) Save(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.OwnerID+"/"+doc.JobID] = *doc
	return nil
}
