package audio

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fmueller/voxscribe/internal/faults"
	"go.uber.org/zap"
)

// CommandRunner runs an external tool and returns its combined stdout/stderr.
type CommandRunner interface {
	CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// FFmpeg wraps the ffmpeg binary used both for silence analysis and for
// chunk extraction.
type FFmpeg struct {
	Path    string
	Timeout time.Duration
	Runner  CommandRunner
	Logger  *zap.Logger
}

func NewFFmpeg(path string, timeout time.Duration, logger *zap.Logger) *FFmpeg {
	if strings.TrimSpace(path) == "" {
		path = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpeg{Path: path, Timeout: timeout, Runner: execRunner{}, Logger: logger}
}

// Available reports whether the ffmpeg binary can be found.
func (f *FFmpeg) Available() bool {
	_, err := exec.LookPath(f.Path)
	return err == nil
}

func (f *FFmpeg) run(ctx context.Context, args ...string) ([]byte, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	runner := f.Runner
	if runner == nil {
		runner = execRunner{}
	}

	f.Logger.Debug("running ffmpeg", zap.String("ffmpeg", f.Path), zap.Strings("args", args))
	out, err := runner.CombinedOutput(ctx, f.Path, args...)
	if err != nil && ctx.Err() != nil {
		return out, fmt.Errorf("ffmpeg: %w", ctx.Err())
	}
	return out, err
}

// ProbeDuration decodes the stream once and returns its duration.
func (f *FFmpeg) ProbeDuration(ctx context.Context, path string) (time.Duration, error) {
	out, err := f.run(ctx, "-hide_banner", "-nostdin", "-i", path, "-f", "null", "-")
	if err != nil {
		return 0, classifyFailure(out, err)
	}
	return parseDuration(string(out))
}

// Extract re-encodes [start, end) of src into a 16 kHz mono PCM WAV at dst.
func (f *FFmpeg) Extract(ctx context.Context, src, dst string, start, end time.Duration) error {
	if end <= start {
		return fmt.Errorf("extract %s: empty range %s-%s", dst, start, end)
	}

	args := []string{
		"-hide_banner", "-nostdin", "-loglevel", "error", "-y",
		"-ss", formatSeconds(start),
		"-to", formatSeconds(end),
		"-i", src,
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		"-f", "wav",
		dst,
	}

	out, err := f.run(ctx, args...)
	if err != nil {
		return fmt.Errorf("extract %s-%s: %w", formatSeconds(start), formatSeconds(end), classifyFailure(out, err))
	}
	return nil
}

func classifyFailure(out []byte, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	text := strings.ToLower(string(out))
	detail := lastLine(string(out))
	switch {
	case strings.Contains(text, "does not contain any stream"),
		strings.Contains(text, "stream map") && strings.Contains(text, "matches no streams"),
		strings.Contains(text, "unknown format"):
		return fmt.Errorf("%w: %s", faults.ErrUnsupportedFormat, detail)
	case strings.Contains(text, "invalid data found"),
		strings.Contains(text, "could not find codec parameters"),
		strings.Contains(text, "error while decoding"),
		strings.Contains(text, "moov atom not found"):
		return fmt.Errorf("%w: %s", faults.ErrDecode, detail)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: ffmpeg exited with %d: %s", faults.ErrDecode, exitErr.ExitCode(), detail)
	}
	return fmt.Errorf("ffmpeg: %w", err)
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return "no output"
}

var (
	durationHeaderRe = regexp.MustCompile(`Duration:\s*(\d+):(\d+):(\d+(?:\.\d+)?)`)
	progressTimeRe   = regexp.MustCompile(`time=(\d+):(\d+):(\d+(?:\.\d+)?)`)
)

// parseDuration reads the container duration from ffmpeg's banner, falling
// back to the last progress timestamp for streams without one.
func parseDuration(output string) (time.Duration, error) {
	if m := durationHeaderRe.FindStringSubmatch(output); m != nil {
		if d, ok := clockToDuration(m[1], m[2], m[3]); ok && d > 0 {
			return d, nil
		}
	}

	if all := progressTimeRe.FindAllStringSubmatch(output, -1); len(all) > 0 {
		m := all[len(all)-1]
		if d, ok := clockToDuration(m[1], m[2], m[3]); ok && d > 0 {
			return d, nil
		}
	}

	return 0, fmt.Errorf("%w: could not determine audio duration", faults.ErrDecode)
}

func clockToDuration(hours, minutes, seconds string) (time.Duration, bool) {
	h, err := strconv.Atoi(hours)
	if err != nil {
		return 0, false
	}
	m, err := strconv.Atoi(minutes)
	if err != nil {
		return 0, false
	}
	s, err := strconv.ParseFloat(seconds, 64)
	if err != nil {
		return 0, false
	}
	total := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + secondsToDuration(s)
	return total, true
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second)).Round(time.Millisecond)
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
