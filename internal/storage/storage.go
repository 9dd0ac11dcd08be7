// Package storage keeps transcript and audio blobs and hands out
// time-limited download links for them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectTooLarge = errors.New("object too large")
)

// MaxObjectBytes is the largest payload any ObjectStore accepts. It stays
// below badger's single value limit (ValueLogFileSize) with room for the
// content type header.
const MaxObjectBytes int64 = 1000 << 20

type Object struct {
	Data        []byte
	ContentType string
}

// ObjectStore is a bucket/key blob store. Delete of a missing key is not an
// error.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) (Object, error)
	PresignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, bucket, key string) error
}

func AudioKey(userID, transcriptID string) string {
	return fmt.Sprintf("%s/%s/audio.mp3", userID, transcriptID)
}

func TranscriptKey(userID, transcriptID string) string {
	return fmt.Sprintf("%s/%s/transcript.txt", userID, transcriptID)
}

func validate(bucket, key string, size int) error {
	if bucket == "" || key == "" {
		return errors.New("bucket and key are required")
	}
	if int64(size) > MaxObjectBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrObjectTooLarge, size, MaxObjectBytes)
	}
	return nil
}
