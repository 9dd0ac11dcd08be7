package audio

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SilenceInterval is a stretch of audio below the loudness threshold.
type SilenceInterval struct {
	Start time.Duration
	End   time.Duration
}

func (s SilenceInterval) midpoint() time.Duration {
	return (s.Start + (s.End-s.Start)/2).Round(time.Millisecond)
}

// Analysis is the result of one silence detection pass.
type Analysis struct {
	Silences []SilenceInterval
	Duration time.Duration
}

type SilenceDetector struct {
	ffmpeg *FFmpeg
	logger *zap.Logger
}

func NewSilenceDetector(ffmpeg *FFmpeg, logger *zap.Logger) *SilenceDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SilenceDetector{ffmpeg: ffmpeg, logger: logger}
}

// Detect runs ffmpeg's silencedetect filter over the file at path. Decode
// failures are returned wrapped in faults.ErrDecode and are not retried.
func (d *SilenceDetector) Detect(ctx context.Context, path string, minSilence time.Duration, noiseDB float64) (Analysis, error) {
	if minSilence <= 0 {
		minSilence = 500 * time.Millisecond
	}

	filter := fmt.Sprintf("silencedetect=noise=%sdB:d=%s",
		strconv.FormatFloat(noiseDB, 'f', -1, 64),
		strconv.FormatFloat(minSilence.Seconds(), 'f', 3, 64))

	out, err := d.ffmpeg.run(ctx, "-hide_banner", "-nostdin", "-i", path, "-af", filter, "-f", "null", "-")
	if err != nil {
		return Analysis{}, fmt.Errorf("detect silence: %w", classifyFailure(out, err))
	}

	output := string(out)
	total, err := parseDuration(output)
	if err != nil {
		return Analysis{}, fmt.Errorf("detect silence: %w", err)
	}

	silences := parseSilenceOutput(output, total)
	d.logger.Debug("silence analysis finished",
		zap.String("audio", path),
		zap.Duration("duration", total),
		zap.Int("silences", len(silences)),
	)

	return Analysis{Silences: silences, Duration: total}, nil
}

var (
	silenceStartRe = regexp.MustCompile(`silence_start:\s*(-?[\d.]+)`)
	silenceEndRe   = regexp.MustCompile(`silence_end:\s*(-?[\d.]+)`)
)

// parseSilenceOutput turns silencedetect markers into ordered, non-overlapping
// intervals clamped to [0, total]. An unterminated silence_start runs to the
// end of the stream.
//
//	[silencedetect @ 0x...] silence_start: 42.123
//	[silencedetect @ 0x...] silence_end: 43.456 | silence_duration: 1.333
func parseSilenceOutput(output string, total time.Duration) []SilenceInterval {
	var (
		silences []SilenceInterval
		start    time.Duration
		open     bool
	)

	for _, line := range strings.Split(output, "\n") {
		if m := silenceStartRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				start = clamp(secondsToDuration(v), total)
				open = true
			}
			continue
		}
		if m := silenceEndRe.FindStringSubmatch(line); m != nil && open {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				silences = appendInterval(silences, start, clamp(secondsToDuration(v), total))
				open = false
			}
		}
	}

	if open && total > 0 {
		silences = appendInterval(silences, start, total)
	}

	return normalizeSilences(silences)
}

func appendInterval(silences []SilenceInterval, start, end time.Duration) []SilenceInterval {
	if end <= start {
		return silences
	}
	return append(silences, SilenceInterval{Start: start, End: end})
}

// normalizeSilences sorts intervals and merges any that overlap.
func normalizeSilences(in []SilenceInterval) []SilenceInterval {
	if len(in) == 0 {
		return nil
	}
	sorted := append([]SilenceInterval(nil), in...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := []SilenceInterval{sorted[0]}
	for _, s := range sorted[1:] {
		last := &out[len(out)-1]
		if s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

func clamp(d, total time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if total > 0 && d > total {
		return total
	}
	return d
}
