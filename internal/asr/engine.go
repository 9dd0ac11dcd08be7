// Package asr sends audio chunks to a speech recognition backend.
package asr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrTransport marks failures talking to the backend that are worth retrying.
var ErrTransport = errors.New("asr transport failure")

type Request struct {
	Audio    []byte
	FileName string
	Language string
}

// Engine transcribes a single self-contained audio payload.
type Engine interface {
	Name() string
	Transcribe(ctx context.Context, req Request) (string, error)
}

// StatusError is a non-2xx answer from an HTTP backend.
type StatusError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

func (e *StatusError) RateLimited() bool {
	return e.Code == http.StatusTooManyRequests
}

// SanitizeLanguage normalizes a language hint; empty means auto detection.
func SanitizeLanguage(language string) string {
	trimmed := strings.ToLower(strings.TrimSpace(language))
	if trimmed == "" {
		return "auto"
	}
	return trimmed
}

func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
