package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
	signer  *Signer
}

// NewMemoryStore returns an in-process store. signer may be nil, in which
// case PresignedURL fails.
func NewMemoryStore(signer *Signer) *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object), signer: signer}
}

func (s *MemoryStore) Put(_ context.Context, bucket, key string, data []byte, contentType string) error {
	if err := validate(bucket, key, len(data)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = Object{Data: append([]byte(nil), data...), ContentType: contentType}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, bucket, key string) (Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[bucket+"/"+key]
	if !ok {
		return Object{}, ErrObjectNotFound
	}
	return Object{Data: append([]byte(nil), obj.Data...), ContentType: obj.ContentType}, nil
}

func (s *MemoryStore) PresignedURL(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if s.signer == nil {
		return "", errors.New("memory store has no signer")
	}
	return s.signer.URL(bucket, key, ttl)
}

func (s *MemoryStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, bucket+"/"+key)
	return nil
}

// Len reports the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
