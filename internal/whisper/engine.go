// Package whisper runs the bundled whisper.cpp CLI as a local transcription
// backend.
package whisper

import (
	"bytes"
	"context"
	"os/exec"
)

// commandRunner executes the engine binary and returns its stderr.
type commandRunner func(ctx context.Context, name string, args ...string) (stderr string, err error)

func execCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stdout = ioDiscard{}
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

type ioDiscard struct{}

func (ioDiscard) Write(p []byte) (int, error) {
	return len(p), nil
}
