package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fmueller/voxscribe/internal/faults"
	"go.uber.org/zap"
)

var ErrInvalidOverlap = errors.New("overlap must be shorter than the target chunk duration")

// Segment is a stretch of the timeline between two cut points.
type Segment struct {
	Start time.Duration
	End   time.Duration
}

func (s Segment) Duration() time.Duration {
	return s.End - s.Start
}

// Span is the planned nominal range of one chunk. Overlap is the part of the
// range shared with the previous span.
type Span struct {
	Start   time.Duration
	End     time.Duration
	Overlap time.Duration
}

func (s Span) Duration() time.Duration {
	return s.End - s.Start
}

// Chunk is one extracted unit of audio submitted to the ASR provider.
// Index is the position of the chunk in the plan.
type Chunk struct {
	Index    int
	Data     []byte
	FileName string
	Start    time.Duration
	End      time.Duration
	Overlap  time.Duration
	// Silent chunks passed the dBFS gate and carry no speech.
	Silent bool
}

func (c Chunk) String() string {
	return fmt.Sprintf("chunk %d: %s-%s", c.Index, c.Start, c.End)
}

// Loss records a chunk that was dropped during extraction.
type Loss struct {
	Index int
	Span  Span
	Err   error
}

type SegmenterOptions struct {
	Target        time.Duration
	Overlap       time.Duration
	MaxChunkBytes int64
	// SilenceGateDBFS enables the near-silence check on extracted chunks when
	// non-zero.
	SilenceGateDBFS float64
}

type Segmenter struct {
	opts   SegmenterOptions
	ffmpeg *FFmpeg
	logger *zap.Logger
}

func NewSegmenter(ffmpeg *FFmpeg, opts SegmenterOptions, logger *zap.Logger) (*Segmenter, error) {
	if opts.Target <= 0 {
		return nil, fmt.Errorf("target chunk duration must be positive, got %s", opts.Target)
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.Target {
		return nil, fmt.Errorf("%w: overlap %s, target %s", ErrInvalidOverlap, opts.Overlap, opts.Target)
	}
	if opts.MaxChunkBytes <= 0 {
		return nil, errors.New("max chunk bytes must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Segmenter{opts: opts, ffmpeg: ffmpeg, logger: logger}, nil
}

// Plan computes the nominal chunk spans for audio of the given duration.
//
// Without silences the timeline is cut into fixed windows of Target, each
// starting Overlap before the previous window ends. With silences the
// timeline is cut at silence midpoints and adjacent segments are grouped
// greedily up to Target; a segment longer than Target is sliced into fixed
// windows. Every span after the first is extended Overlap into its
// predecessor, so the nominal span never exceeds Target.
func (s *Segmenter) Plan(total time.Duration, silences []SilenceInterval) []Span {
	if total <= 0 {
		return nil
	}
	if total <= s.opts.Target {
		return []Span{{Start: 0, End: total}}
	}

	cores := s.group(Segments(total, silences))
	spans := make([]Span, len(cores))
	for i, core := range cores {
		if i == 0 {
			spans[i] = Span{Start: core.Start, End: core.End}
			continue
		}
		overlap := min(s.opts.Overlap, cores[i-1].Duration())
		spans[i] = Span{Start: core.Start - overlap, End: core.End, Overlap: overlap}
	}
	return spans
}

// Segments cuts [0, total] at the midpoint of every silence strictly inside
// the timeline. The result is contiguous and ordered.
func Segments(total time.Duration, silences []SilenceInterval) []Segment {
	cuts := []time.Duration{0}
	for _, silence := range silences {
		mid := silence.midpoint()
		if mid <= cuts[len(cuts)-1] || mid >= total {
			continue
		}
		cuts = append(cuts, mid)
	}
	cuts = append(cuts, total)

	segments := make([]Segment, 0, len(cuts)-1)
	for i := 0; i+1 < len(cuts); i++ {
		segments = append(segments, Segment{Start: cuts[i], End: cuts[i+1]})
	}
	return segments
}

// limit is the longest core a span at position i may have so that the span,
// including its overlap, stays within Target.
func (s *Segmenter) limit(i int) time.Duration {
	if i == 0 {
		return s.opts.Target
	}
	return s.opts.Target - s.opts.Overlap
}

func (s *Segmenter) group(segments []Segment) []Segment {
	if len(segments) == 0 {
		return nil
	}

	var cores []Segment
	start := segments[0].Start
	end := start

	for _, seg := range segments {
		if seg.End-start <= s.limit(len(cores)) {
			end = seg.End
			continue
		}

		if end > start {
			cores = append(cores, Segment{Start: start, End: end})
			start = end
		}

		for seg.End-start > s.limit(len(cores)) {
			cut := start + s.limit(len(cores))
			cores = append(cores, Segment{Start: start, End: cut})
			start = cut
		}
		end = seg.End
	}

	if end > start {
		cores = append(cores, Segment{Start: start, End: end})
	}
	return cores
}

// Extract re-encodes every planned span from the original file into workDir
// and loads it into memory. Spans that fail to extract, or whose encoding
// exceeds MaxChunkBytes, are dropped and reported as losses.
func (s *Segmenter) Extract(ctx context.Context, src, workDir string, plan []Span) ([]Chunk, []Loss, error) {
	chunks := make([]Chunk, 0, len(plan))
	var losses []Loss

	for i, span := range plan {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		name := fmt.Sprintf("chunk_%03d.wav", i)
		chunk, err := s.extractOne(ctx, src, filepath.Join(workDir, name), i, span)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, nil, err
			}
			s.logger.Warn("dropping chunk",
				zap.Int("chunk", i),
				zap.Duration("start", span.Start),
				zap.Duration("end", span.End),
				zap.Error(err),
			)
			losses = append(losses, Loss{Index: i, Span: span, Err: fmt.Errorf("%w: %w", faults.ErrPartialChunkLoss, err)})
			continue
		}
		chunk.FileName = name
		chunks = append(chunks, chunk)
	}

	return chunks, losses, nil
}

func (s *Segmenter) extractOne(ctx context.Context, src, dst string, index int, span Span) (Chunk, error) {
	if err := s.ffmpeg.Extract(ctx, src, dst, span.Start, span.End); err != nil {
		return Chunk{}, err
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		return Chunk{}, fmt.Errorf("read extracted chunk: %w", err)
	}
	if int64(len(data)) > s.opts.MaxChunkBytes {
		return Chunk{}, fmt.Errorf("chunk is %d bytes, ceiling is %d", len(data), s.opts.MaxChunkBytes)
	}

	chunk := Chunk{
		Index:   index,
		Data:    data,
		Start:   span.Start,
		End:     span.End,
		Overlap: span.Overlap,
	}

	if s.opts.SilenceGateDBFS != 0 {
		silent, metrics, err := IsSilentWAV(data, s.opts.SilenceGateDBFS)
		if err != nil {
			s.logger.Debug("silence gate skipped", zap.Int("chunk", index), zap.Error(err))
		} else if silent {
			s.logger.Info("chunk considered silent; skipping transcription",
				zap.Int("chunk", index),
				zap.Float64("rms_dbfs", metrics.RMSdBFS),
				zap.Float64("peak_dbfs", metrics.PeakdBFS),
			)
			chunk.Silent = true
		}
	}

	return chunk, nil
}
