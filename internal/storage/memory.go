package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps objects in process memory. It exists for tests and local
// development; the production path is S3Store.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	baseURL string
}

type memoryObject struct {
	payload     []byte
	contentType string
}

// NewMemoryStore constructs an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memoryObject),
		baseURL: "https://objects.invalid",
	}
}

func (s *MemoryStore) Upload(_ context.Context, folderKey, objectID string, payload []byte, contentType string, kind ResourceKind, visibility Visibility) (string, error) {
	key, err := objectKey(folderKey, objectID, kind, visibility)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memoryObject{payload: append([]byte(nil), payload...), contentType: contentType}
	return s.urlFor(key), nil
}

func (s *MemoryStore) DeleteByPrefix(_ context.Context, folderKey string, kind ResourceKind, visibility Visibility) error {
	prefix, err := prefixKey(folderKey, kind, visibility)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			delete(s.objects, key)
		}
	}
	return nil
}

func (s *MemoryStore) DeleteObject(_ context.Context, folderKey, objectID string, kind ResourceKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := false
	for _, visibility := range []Visibility{VisibilityPublic, VisibilityRestricted} {
		key, err := objectKey(folderKey, objectID, kind, visibility)
		if err != nil {
			return err
		}
		if _, ok := s.objects[key]; ok {
			delete(s.objects, key)
			deleted = true
		}
	}
	if !deleted {
		return ErrObjectNotFound
	}
	return nil
}

func (s *MemoryStore) Rename(_ context.Context, oldFolder, newFolder string, kind ResourceKind, visibility Visibility) error {
	oldPrefix, err := prefixKey(oldFolder, kind, visibility)
	if err != nil {
		return err
	}
	newPrefix, err := prefixKey(newFolder, kind, visibility)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, object := range s.objects {
		if strings.HasPrefix(key, oldPrefix) {
			s.objects[newPrefix+strings.TrimPrefix(key, oldPrefix)] = object
			delete(s.objects, key)
		}
	}
	return nil
}

func (s *MemoryStore) Copy(_ context.Context, oldFolder, newFolder string, kind ResourceKind, visibility Visibility) error {
	oldPrefix, err := prefixKey(oldFolder, kind, visibility)
	if err != nil {
		return err
	}
	newPrefix, err := prefixKey(newFolder, kind, visibility)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, object := range s.objects {
		if strings.HasPrefix(key, oldPrefix) {
			s.objects[newPrefix+strings.TrimPrefix(key, oldPrefix)] = object
		}
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, folderKey string, kind ResourceKind, visibility Visibility) ([]Object, error) {
	prefix, err := prefixKey(folderKey, kind, visibility)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var listed []Object
	for key := range s.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		object, ok := splitKey(key)
		if !ok {
			continue
		}
		object.URL = s.urlFor(key)
		listed = append(listed, object)
	}
	sort.Slice(listed, func(i, j int) bool { return listed[i].ObjectID < listed[j].ObjectID })
	return listed, nil
}

func (s *MemoryStore) ResolveURL(_ context.Context, rawURL string) (string, error) {
	key, ok := strings.CutPrefix(rawURL, s.baseURL+"/")
	if !ok {
		return rawURL, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, exists := s.objects[key]; !exists {
		return "", ErrObjectNotFound
	}
	object, ok := splitKey(key)
	if !ok || object.Visibility == VisibilityPublic {
		return rawURL, nil
	}
	return rawURL + "?signature=test", nil
}

// Fetch reads an object's bytes back, satisfying PayloadReader.
func (s *MemoryStore) Fetch(_ context.Context, folderKey, objectID string, kind ResourceKind, visibility Visibility) ([]byte, error) {
	key, err := objectKey(folderKey, objectID, kind, visibility)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	object, ok := s.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), object.payload...), nil
}

// Contains reports whether the given object exists, for test assertions.
func (s *MemoryStore) Contains(folderKey, objectID string, kind ResourceKind, visibility Visibility) bool {
	key, err := objectKey(folderKey, objectID, kind, visibility)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok
}

// Payload returns the stored bytes for an object, for test assertions.
func (s *MemoryStore) Payload(folderKey, objectID string, kind ResourceKind, visibility Visibility) ([]byte, bool) {
	key, err := objectKey(folderKey, objectID, kind, visibility)
	if err != nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	object, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), object.payload...), true
}

// ObjectCount returns the number of stored objects across all partitions.
func (s *MemoryStore) ObjectCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

func (s *MemoryStore) urlFor(key string) string {
	return fmt.Sprintf("%s/%s", s.baseURL, key)
}
