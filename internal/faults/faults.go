// Package faults declares the typed failure reasons shared by the pipeline,
// the orchestrator and the HTTP surface.
package faults

import "errors"

var (
	ErrFileTooLarge        = errors.New("file too large")
	ErrAcquisitionFailed   = errors.New("acquisition failed")
	ErrUnsupportedFormat   = errors.New("unsupported format")
	ErrDecode              = errors.New("audio decode error")
	ErrRateLimited         = errors.New("asr rate limited")
	ErrMaxRetriesExceeded  = errors.New("max retries exceeded")
	ErrProvider            = errors.New("asr provider error")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrStorage             = errors.New("storage error")
	ErrPartialChunkLoss    = errors.New("chunk dropped")
	ErrNoSpeech            = errors.New("no transcribable speech")
	ErrNotFound            = errors.New("not found")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrFileTooLarge, "file_too_large"},
	{ErrAcquisitionFailed, "acquisition_failed"},
	{ErrUnsupportedFormat, "unsupported_format"},
	{ErrDecode, "decode_error"},
	{ErrMaxRetriesExceeded, "max_retries_exceeded"},
	{ErrRateLimited, "asr_rate_limited"},
	{ErrProvider, "asr_provider_error"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrStorage, "storage_error"},
	{ErrPartialChunkLoss, "partial_chunk_loss"},
	{ErrNoSpeech, "no_speech"},
	{ErrNotFound, "not_found"},
}

// Code maps err to its snake_case reason. Errors outside the taxonomy map to
// "internal_error"; nil maps to "".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal_error"
}

// Reason wraps a sentinel together with a human-readable explanation that is
// safe to show to the requester.
type Reason struct {
	Err     error
	Message string
}

func (r *Reason) Error() string {
	if r.Message == "" {
		return r.Err.Error()
	}
	return r.Err.Error() + ": " + r.Message
}

func (r *Reason) Unwrap() error {
	return r.Err
}

// WithReason attaches a user-facing message to a sentinel error.
func WithReason(err error, message string) error {
	return &Reason{Err: err, Message: message}
}

// UserMessage returns the user-facing message attached with WithReason, if any.
func UserMessage(err error) string {
	var r *Reason
	if errors.As(err, &r) {
		return r.Message
	}
	return ""
}
