package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fmueller/voxscribe/internal/faults"
	"github.com/stretchr/testify/require"
)

func newTestSegmenter(t *testing.T, target, overlap time.Duration) *Segmenter {
	t.Helper()
	s, err := NewSegmenter(NewFFmpeg("ffmpeg", 0, nil), SegmenterOptions{
		Target:        target,
		Overlap:       overlap,
		MaxChunkBytes: 1 << 20,
	}, nil)
	require.NoError(t, err)
	return s
}

func requireChained(t *testing.T, spans []Span, total time.Duration) {
	t.Helper()
	require.NotEmpty(t, spans)
	require.Equal(t, time.Duration(0), spans[0].Start)
	require.Equal(t, total, spans[len(spans)-1].End)

	var covered time.Duration
	for i, span := range spans {
		require.Less(t, span.Start, span.End)
		if i == 0 {
			require.Zero(t, span.Overlap)
		} else {
			require.Equal(t, spans[i-1].End-span.Overlap, span.Start, "span %d", i)
		}
		covered += span.Duration() - span.Overlap
	}
	require.Equal(t, total, covered)
}

func TestNewSegmenterRejectsOverlapNotBelowTarget(t *testing.T) {
	t.Parallel()

	_, err := NewSegmenter(nil, SegmenterOptions{Target: time.Minute, Overlap: time.Minute, MaxChunkBytes: 1}, nil)
	require.ErrorIs(t, err, ErrInvalidOverlap)

	_, err = NewSegmenter(nil, SegmenterOptions{Target: time.Minute, Overlap: -time.Second, MaxChunkBytes: 1}, nil)
	require.ErrorIs(t, err, ErrInvalidOverlap)
}

func TestPlanShortAudioIsOneChunk(t *testing.T) {
	t.Parallel()

	s := newTestSegmenter(t, 5*time.Minute, 2*time.Second)
	for _, total := range []time.Duration{time.Second, 4 * time.Minute, 5 * time.Minute} {
		spans := s.Plan(total, []SilenceInterval{{Start: 10 * time.Second, End: 11 * time.Second}})
		require.Equal(t, []Span{{Start: 0, End: total}}, spans)
	}
	require.Empty(t, s.Plan(0, nil))
}

func TestPlanFixedWindowsWithoutSilence(t *testing.T) {
	t.Parallel()

	target, overlap := time.Minute, 5*time.Second
	s := newTestSegmenter(t, target, overlap)
	total := 200 * time.Second

	spans := s.Plan(total, nil)
	requireChained(t, spans, total)
	require.Len(t, spans, 4)
	for i, span := range spans {
		require.LessOrEqual(t, span.Duration(), target)
		require.Equal(t, time.Duration(i)*(target-overlap), span.Start)
		if i > 0 {
			require.Equal(t, overlap, span.Overlap)
		}
	}
	require.Equal(t, Span{Start: 165 * time.Second, End: 200 * time.Second, Overlap: overlap}, spans[3])
}

func TestPlanGroupsSegmentsUpToTarget(t *testing.T) {
	t.Parallel()

	s := newTestSegmenter(t, 60*time.Second, 2*time.Second)
	silences := []SilenceInterval{
		{Start: 19 * time.Second, End: 21 * time.Second},
		{Start: 39 * time.Second, End: 41 * time.Second},
		{Start: 64 * time.Second, End: 66 * time.Second},
		{Start: 94 * time.Second, End: 96 * time.Second},
	}
	total := 130 * time.Second

	spans := s.Plan(total, silences)
	requireChained(t, spans, total)
	require.Equal(t, []Span{
		{Start: 0, End: 40 * time.Second},
		{Start: 38 * time.Second, End: 95 * time.Second, Overlap: 2 * time.Second},
		{Start: 93 * time.Second, End: 130 * time.Second, Overlap: 2 * time.Second},
	}, spans)
}

func TestPlanSlicesLongMonologue(t *testing.T) {
	t.Parallel()

	s := newTestSegmenter(t, 60*time.Second, 2*time.Second)
	silences := []SilenceInterval{{Start: 9 * time.Second, End: 11 * time.Second}}
	total := 200 * time.Second

	spans := s.Plan(total, silences)
	requireChained(t, spans, total)
	for _, span := range spans {
		require.LessOrEqual(t, span.Duration(), 60*time.Second)
	}
	require.Equal(t, 10*time.Second, spans[0].End)
}

func TestPlanConservesDuration(t *testing.T) {
	t.Parallel()

	s := newTestSegmenter(t, 45*time.Second, 3*time.Second)
	cases := []struct {
		total    time.Duration
		silences []SilenceInterval
	}{
		{total: 47*time.Minute + 13*time.Second},
		{total: 91 * time.Second, silences: []SilenceInterval{{Start: 44 * time.Second, End: 46 * time.Second}}},
		{total: 10 * time.Minute, silences: []SilenceInterval{
			{Start: time.Second, End: 1500 * time.Millisecond},
			{Start: 2 * time.Second, End: 2100 * time.Millisecond},
			{Start: 5 * time.Minute, End: 5*time.Minute + 700*time.Millisecond},
			{Start: 9*time.Minute + 59*time.Second, End: 10 * time.Minute},
		}},
	}

	for _, tc := range cases {
		spans := s.Plan(tc.total, tc.silences)
		requireChained(t, spans, tc.total)
		for _, span := range spans {
			require.LessOrEqual(t, span.Duration(), 45*time.Second)
		}
	}
}

func TestScenarioVoiceMessageWithOneSilenceIsOneChunk(t *testing.T) {
	t.Parallel()

	s := newTestSegmenter(t, 5*time.Minute, 2*time.Second)
	total := 3 * time.Minute
	silences := []SilenceInterval{{Start: 89500 * time.Millisecond, End: 90500 * time.Millisecond}}

	require.Len(t, Segments(total, silences), 2)
	require.Equal(t, []Span{{Start: 0, End: total}}, s.Plan(total, silences))
}

func TestExtractDropsFailedAndOversizedChunks(t *testing.T) {
	t.Parallel()

	speech := make([]int16, 1600)
	for i := range speech {
		if i%2 == 0 {
			speech[i] = 9000
		} else {
			speech[i] = -9000
		}
	}
	small := makePCM16WAV(speech, 16000, 1)
	silent := makePCM16WAV(make([]int16, 1600), 16000, 1)
	large := makePCM16WAV(make([]int16, 4000), 16000, 1)

	outputs := map[string][]byte{
		"chunk_000.wav": small,
		"chunk_002.wav": large,
		"chunk_003.wav": silent,
	}
	ff, _ := newTestFFmpeg(func(args []string) ([]byte, error) {
		dst := args[len(args)-1]
		data, ok := outputs[filepath.Base(dst)]
		if !ok {
			return []byte("Error while decoding stream #0:0"), errors.New("exit status 1")
		}
		return nil, os.WriteFile(dst, data, 0o644)
	})

	s, err := NewSegmenter(ff, SegmenterOptions{
		Target:          time.Minute,
		Overlap:         time.Second,
		MaxChunkBytes:   int64(len(small)),
		SilenceGateDBFS: -65,
	}, nil)
	require.NoError(t, err)

	plan := []Span{
		{Start: 0, End: time.Minute},
		{Start: 59 * time.Second, End: 2 * time.Minute, Overlap: time.Second},
		{Start: 119 * time.Second, End: 3 * time.Minute, Overlap: time.Second},
		{Start: 179 * time.Second, End: 4 * time.Minute, Overlap: time.Second},
	}
	chunks, losses, err := s.Extract(context.Background(), "in.mp3", t.TempDir(), plan)
	require.NoError(t, err)

	require.Len(t, chunks, 2)
	require.Equal(t, 0, chunks[0].Index)
	require.False(t, chunks[0].Silent)
	require.Equal(t, small, chunks[0].Data)
	require.Equal(t, 3, chunks[1].Index)
	require.True(t, chunks[1].Silent)
	require.Equal(t, time.Second, chunks[1].Overlap)

	require.Len(t, losses, 2)
	require.Equal(t, 1, losses[0].Index)
	require.ErrorIs(t, losses[0].Err, faults.ErrPartialChunkLoss)
	require.ErrorIs(t, losses[0].Err, faults.ErrDecode)
	require.Equal(t, 2, losses[1].Index)
	require.ErrorIs(t, losses[1].Err, faults.ErrPartialChunkLoss)
}

func TestExtractStopsOnCancellation(t *testing.T) {
	t.Parallel()

	ff, runner := newTestFFmpeg(func([]string) ([]byte, error) { return nil, nil })
	s, err := NewSegmenter(ff, SegmenterOptions{Target: time.Minute, MaxChunkBytes: 1}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = s.Extract(ctx, "in.mp3", t.TempDir(), []Span{{Start: 0, End: time.Second}})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, runner.calls)
}
