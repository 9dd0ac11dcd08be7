package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fmueller/voxscribe/internal/faults"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, t *Transcript) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO transcripts (id, user_id, audio_key, transcript_key, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, t.ID, t.UserID, t.AudioKey, t.TranscriptKey, meta).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID, id string) (Transcript, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id::text, user_id, audio_key, transcript_key, metadata, created_at, updated_at
		FROM transcripts
		WHERE id = $1 AND user_id = $2
	`, id, userID)

	t, err := scanTranscript(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transcript{}, fmt.Errorf("transcript %s: %w", id, faults.ErrNotFound)
	}
	return t, err
}

func (s *PostgresStore) List(ctx context.Context, userID string, limit int) ([]Transcript, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT id::text, user_id, audio_key, transcript_key, metadata, created_at, updated_at
		FROM transcripts
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, userID, id string) error {
	result, err := s.db.Exec(ctx, `DELETE FROM transcripts WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete transcript: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("transcript %s: %w", id, faults.ErrNotFound)
	}
	return nil
}

func scanTranscript(row pgx.Row) (Transcript, error) {
	var (
		t    Transcript
		meta []byte
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.AudioKey, &t.TranscriptKey, &meta, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Transcript{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return Transcript{}, fmt.Errorf("decode metadata for %s: %w", t.ID, err)
		}
	}
	return t, nil
}
