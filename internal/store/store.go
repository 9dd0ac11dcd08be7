// Package store persists transcript records.
package store

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fmueller/voxscribe/internal/faults"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// Metadata describes how a transcript was produced.
type Metadata struct {
	Source           string  `json:"source"`
	DurationSeconds  float64 `json:"duration"`
	OriginalFilename string  `json:"original_filename,omitempty"`
	WordCount        int     `json:"word_count"`
	ProcessingMethod string  `json:"processing_method"`
	Language         string  `json:"language,omitempty"`
	ChunkCount       int     `json:"chunk_count"`
	LostChunks       int     `json:"lost_chunks,omitempty"`
}

type Transcript struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	AudioKey      *string   `json:"audio_key,omitempty"`
	TranscriptKey string    `json:"transcript_key"`
	Metadata      Metadata  `json:"metadata"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Repository stores transcript rows. Lookups are scoped to the owner and
// return faults.ErrNotFound for rows of other users.
type Repository interface {
	Create(ctx context.Context, t *Transcript) error
	Get(ctx context.Context, userID, id string) (Transcript, error)
	List(ctx context.Context, userID string, limit int) ([]Transcript, error)
	Delete(ctx context.Context, userID, id string) error
}

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// MemoryStore is a Repository kept in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Transcript
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Transcript), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, t *Transcript) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		return fmt.Errorf("transcript id is required")
	}
	if _, exists := s.rows[t.ID]; exists {
		return fmt.Errorf("transcript %s already exists", t.ID)
	}
	now := s.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.rows[t.ID] = *t
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID, id string) (Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.rows[id]
	if !ok || t.UserID != userID {
		return Transcript{}, fmt.Errorf("transcript %s: %w", id, faults.ErrNotFound)
	}
	return t, nil
}

func (s *MemoryStore) List(_ context.Context, userID string, limit int) ([]Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Transcript
	for _, t := range s.rows {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.rows[id]
	if !ok || t.UserID != userID {
		return fmt.Errorf("transcript %s: %w", id, faults.ErrNotFound)
	}
	delete(s.rows, id)
	return nil
}
