package audio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fmueller/voxscribe/internal/faults"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls [][]string
	run   func(args []string) ([]byte, error)
}

func (f *fakeRunner) CombinedOutput(_ context.Context, _ string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, args)
	return f.run(args)
}

func newTestFFmpeg(run func(args []string) ([]byte, error)) (*FFmpeg, *fakeRunner) {
	runner := &fakeRunner{run: run}
	ff := NewFFmpeg("ffmpeg", 0, nil)
	ff.Runner = runner
	return ff, runner
}

const silenceLog = `Input #0, mp3, from 'talk.mp3':
  Duration: 00:03:00.00, start: 0.000000, bitrate: 128 kb/s
[silencedetect @ 0x600] silence_start: 89.5
[silencedetect @ 0x600] silence_end: 90.5 | silence_duration: 1
[silencedetect @ 0x600] silence_start: 178.25
size=N/A time=00:03:00.00 bitrate=N/A speed= 512x
`

func TestDetectParsesSilences(t *testing.T) {
	t.Parallel()

	ff, runner := newTestFFmpeg(func([]string) ([]byte, error) { return []byte(silenceLog), nil })
	analysis, err := NewSilenceDetector(ff, nil).Detect(context.Background(), "talk.mp3", 700*time.Millisecond, -35)
	require.NoError(t, err)

	require.Equal(t, 3*time.Minute, analysis.Duration)
	require.Equal(t, []SilenceInterval{
		{Start: 89500 * time.Millisecond, End: 90500 * time.Millisecond},
		{Start: 178250 * time.Millisecond, End: 3 * time.Minute},
	}, analysis.Silences)

	require.Len(t, runner.calls, 1)
	require.Contains(t, runner.calls[0], "silencedetect=noise=-35dB:d=0.700")
}

func TestDetectNoSilencesReturnsEmptyList(t *testing.T) {
	t.Parallel()

	ff, _ := newTestFFmpeg(func([]string) ([]byte, error) {
		return []byte("  Duration: 00:00:42.50, start: 0.000000\n"), nil
	})
	analysis, err := NewSilenceDetector(ff, nil).Detect(context.Background(), "a.wav", time.Second, -30)
	require.NoError(t, err)
	require.Empty(t, analysis.Silences)
	require.Equal(t, 42500*time.Millisecond, analysis.Duration)
}

func TestDetectCorruptInputIsDecodeError(t *testing.T) {
	t.Parallel()

	ff, _ := newTestFFmpeg(func([]string) ([]byte, error) {
		return []byte("broken.mp3: Invalid data found when processing input\n"), errors.New("exit status 1")
	})
	_, err := NewSilenceDetector(ff, nil).Detect(context.Background(), "broken.mp3", time.Second, -30)
	require.ErrorIs(t, err, faults.ErrDecode)
}

func TestDetectWithoutDurationIsDecodeError(t *testing.T) {
	t.Parallel()

	ff, _ := newTestFFmpeg(func([]string) ([]byte, error) { return []byte("nothing useful"), nil })
	_, err := NewSilenceDetector(ff, nil).Detect(context.Background(), "x.ogg", time.Second, -30)
	require.ErrorIs(t, err, faults.ErrDecode)
}

func TestParseSilenceOutputMergesAndClamps(t *testing.T) {
	t.Parallel()

	out := `silence_start: -0.02
silence_end: 1.5 | silence_duration: 1.52
silence_start: 1.2
silence_end: 2 | silence_duration: 0.8
silence_end: 7 | silence_duration: 1
silence_start: 9
silence_end: 12 | silence_duration: 3
`
	got := parseSilenceOutput(out, 10*time.Second)
	require.Equal(t, []SilenceInterval{
		{Start: 0, End: 2 * time.Second},
		{Start: 9 * time.Second, End: 10 * time.Second},
	}, got)
}

func TestParseDurationFallsBackToProgressTime(t *testing.T) {
	t.Parallel()

	d, err := parseDuration("Duration: N/A, bitrate: N/A\nsize=1 time=00:00:10.00\nsize=2 time=00:01:05.25\n")
	require.NoError(t, err)
	require.Equal(t, 65250*time.Millisecond, d)
}

func TestClassifyFailure(t *testing.T) {
	t.Parallel()

	err := classifyFailure([]byte("input.txt: does not contain any stream"), errors.New("exit status 1"))
	require.ErrorIs(t, err, faults.ErrUnsupportedFormat)

	err = classifyFailure([]byte("moov atom not found"), errors.New("exit status 1"))
	require.ErrorIs(t, err, faults.ErrDecode)

	err = classifyFailure(nil, context.DeadlineExceeded)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExtractArguments(t *testing.T) {
	t.Parallel()

	ff, runner := newTestFFmpeg(func([]string) ([]byte, error) { return nil, nil })
	require.NoError(t, ff.Extract(context.Background(), "in.mp3", "out.wav", 88*time.Second, 300*time.Second))

	args := runner.calls[0]
	require.Equal(t, "out.wav", args[len(args)-1])
	require.Subset(t, args, []string{"-ss", "88.000", "-to", "300.000", "-ar", "16000", "pcm_s16le"})

	require.Error(t, ff.Extract(context.Background(), "in.mp3", "out.wav", time.Second, time.Second))
}

func TestProbeDurationReadsBanner(t *testing.T) {
	t.Parallel()

	ff, runner := newTestFFmpeg(func([]string) ([]byte, error) {
		return []byte("  Duration: 01:02:03.50, start: 0.000000, bitrate: 64 kb/s\n"), nil
	})
	d, err := ff.ProbeDuration(context.Background(), "lecture.m4a")
	require.NoError(t, err)
	require.Equal(t, time.Hour+2*time.Minute+3500*time.Millisecond, d)
	require.Equal(t, []string{"-hide_banner", "-nostdin", "-i", "lecture.m4a", "-f", "null", "-"}, runner.calls[0])
}

func TestProbeDurationUnsupportedInput(t *testing.T) {
	t.Parallel()

	ff, _ := newTestFFmpeg(func([]string) ([]byte, error) {
		return []byte("notes.pdf: Output file #0 does not contain any stream\n"), errors.New("exit status 1")
	})
	_, err := ff.ProbeDuration(context.Background(), "notes.pdf")
	require.ErrorIs(t, err, faults.ErrUnsupportedFormat)
}
