// Package pipeline turns one acquired audio source into one transcript.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fmueller/voxscribe/internal/acquire"
	"github.com/fmueller/voxscribe/internal/audio"
	"github.com/fmueller/voxscribe/internal/faults"
	"github.com/fmueller/voxscribe/internal/logging"
	"github.com/fmueller/voxscribe/internal/transcript"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Acquirer interface {
	Acquire(ctx context.Context, req acquire.Request, dir string) (acquire.Result, error)
}

type Detector interface {
	Detect(ctx context.Context, path string, minSilence time.Duration, noiseDB float64) (audio.Analysis, error)
}

type Chunker interface {
	Plan(total time.Duration, silences []audio.SilenceInterval) []audio.Span
	Extract(ctx context.Context, src, workDir string, plan []audio.Span) ([]audio.Chunk, []audio.Loss, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, chunk audio.Chunk, language string) transcript.Part
}

// Deps are the collaborators of a pipeline run. Acquirer may be nil for
// callers that only transcribe local files.
type Deps struct {
	Acquirer    Acquirer
	Detector    Detector
	Chunker     Chunker
	Transcriber Transcriber
	Assembler   transcript.Assembler
	Logger      *zap.Logger
}

type Options struct {
	// WorkRoot is where per-run directories are created. Empty means the
	// system temp directory.
	WorkRoot   string
	Workers    int
	MinSilence time.Duration
	NoiseDB    float64
	// Method is recorded as the processing method of every result.
	Method string
}

const (
	StageAcquiring    = "acquiring"
	StageAnalyzing    = "analyzing"
	StageExtracting   = "extracting"
	StageTranscribing = "transcribing"
	StageMerging      = "merging"
	StageDone         = "done"
	// StageFailed is reported by callers when a run ends in an error.
	StageFailed = "failed"
)

type Progress struct {
	RequestID string `json:"request_id"`
	Stage     string `json:"stage"`
	Done      int    `json:"done"`
	Total     int    `json:"total"`
}

type ProgressFunc func(Progress)

// Job carries the per-request parameters of a run.
type Job struct {
	RequestID string
	Language  string
	Progress  ProgressFunc
}

type Result struct {
	Text     string
	Parts    []transcript.Part
	Chunks   int
	Lost     int
	Duration time.Duration
	Method   string
	Language string
}

type Pipeline struct {
	deps Deps
	opts Options
	log  *zap.Logger
}

func New(deps Deps, opts Options) (*Pipeline, error) {
	if deps.Detector == nil || deps.Chunker == nil || deps.Transcriber == nil {
		return nil, errors.New("pipeline needs a detector, a chunker and a transcriber")
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	logger := logging.OrNop(deps.Logger).Named("pipeline")
	if deps.Assembler.Logger == nil {
		deps.Assembler.Logger = logger
	}
	return &Pipeline{deps: deps, opts: opts, log: logger}, nil
}

// Workspace is the scoped working directory of one run. The acquired source
// and every extracted chunk live inside it and are removed by Close.
type Workspace struct {
	Dir    string
	Source acquire.Source
}

func (w *Workspace) Close() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	return os.RemoveAll(w.Dir)
}

func (p *Pipeline) newWorkspace() (*Workspace, error) {
	if p.opts.WorkRoot != "" {
		if err := os.MkdirAll(p.opts.WorkRoot, 0o755); err != nil {
			return nil, fmt.Errorf("create work root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(p.opts.WorkRoot, "run-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	return &Workspace{Dir: dir}, nil
}

// Acquire materializes the requested audio in a fresh workspace. A deferred
// acquisition is returned as faults.ErrAcquisitionFailed carrying the
// user-facing reason.
func (p *Pipeline) Acquire(ctx context.Context, req acquire.Request, job Job) (*Workspace, error) {
	if p.deps.Acquirer == nil {
		return nil, errors.New("pipeline has no acquirer configured")
	}
	report(job, StageAcquiring, 0, 1)

	ws, err := p.newWorkspace()
	if err != nil {
		return nil, err
	}

	res, err := p.deps.Acquirer.Acquire(ctx, req, ws.Dir)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	if res.Deferred != nil {
		_ = ws.Close()
		return nil, faults.WithReason(faults.ErrAcquisitionFailed, res.Deferred.Reason)
	}
	if res.Source == nil {
		_ = ws.Close()
		return nil, faults.WithReason(faults.ErrAcquisitionFailed, "no audio was returned")
	}

	ws.Source = *res.Source
	p.log.Info("audio acquired",
		zap.String("request_id", job.RequestID),
		zap.String("method", ws.Source.Method),
		zap.Int64("bytes", ws.Source.Size),
	)
	report(job, StageAcquiring, 1, 1)
	return ws, nil
}

// Run acquires and transcribes in one call.
func (p *Pipeline) Run(ctx context.Context, req acquire.Request, job Job) (Result, error) {
	ws, err := p.Acquire(ctx, req, job)
	if err != nil {
		return Result{}, err
	}
	defer ws.Close()

	return p.Transcribe(ctx, ws, job)
}

// TranscribeFile runs a source that already lives on disk, such as a file
// given on the command line. The source itself is left in place.
func (p *Pipeline) TranscribeFile(ctx context.Context, src acquire.Source, job Job) (Result, error) {
	ws, err := p.newWorkspace()
	if err != nil {
		return Result{}, err
	}
	defer ws.Close()

	ws.Source = src
	return p.Transcribe(ctx, ws, job)
}

// Transcribe analyses, chunks and transcribes ws.Source. Dropped chunks are
// tolerated; a chunk that fails transcription aborts the run.
func (p *Pipeline) Transcribe(ctx context.Context, ws *Workspace, job Job) (Result, error) {
	src := ws.Source
	log := p.log.With(zap.String("request_id", job.RequestID))

	report(job, StageAnalyzing, 0, 1)
	analysis, err := p.deps.Detector.Detect(ctx, src.Path, p.opts.MinSilence, p.opts.NoiseDB)
	if err != nil {
		return Result{}, err
	}
	report(job, StageAnalyzing, 1, 1)

	plan := p.deps.Chunker.Plan(analysis.Duration, analysis.Silences)
	log.Info("chunk plan ready",
		zap.Duration("duration", analysis.Duration),
		zap.Int("silences", len(analysis.Silences)),
		zap.Int("chunks", len(plan)),
	)

	report(job, StageExtracting, 0, len(plan))
	chunks, losses, err := p.deps.Chunker.Extract(ctx, src.Path, ws.Dir, plan)
	if err != nil {
		return Result{}, err
	}
	report(job, StageExtracting, len(chunks), len(plan))
	if len(losses) > 0 {
		log.Warn("chunks lost during extraction", zap.Int("lost", len(losses)), zap.Int("planned", len(plan)))
	}
	if len(chunks) == 0 {
		return Result{}, fmt.Errorf("%w: all %d chunks were dropped: %v", faults.ErrNoSpeech, len(plan), lossErrors(losses))
	}

	parts, err := p.transcribeAll(ctx, chunks, job)
	if err != nil {
		return Result{}, err
	}

	report(job, StageMerging, 0, 1)
	text := p.deps.Assembler.Merge(parts)
	if strings.TrimSpace(text) == "" {
		return Result{}, faults.ErrNoSpeech
	}
	report(job, StageDone, 1, 1)

	log.Info("transcription finished",
		zap.Int("chunks", len(plan)),
		zap.Int("lost", len(losses)),
		zap.Int("words", transcript.WordCount(text)),
	)

	return Result{
		Text:     text,
		Parts:    parts,
		Chunks:   len(plan),
		Lost:     len(losses),
		Duration: analysis.Duration,
		Method:   p.opts.Method,
		Language: job.Language,
	}, nil
}

func (p *Pipeline) transcribeAll(ctx context.Context, chunks []audio.Chunk, job Job) ([]transcript.Part, error) {
	parts := make([]transcript.Part, len(chunks))

	var (
		mu   sync.Mutex
		done int
	)
	report(job, StageTranscribing, 0, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			part := p.deps.Transcriber.Transcribe(gctx, chunk, job.Language)
			parts[i] = part
			if !part.OK {
				return partError(part)
			}

			mu.Lock()
			done++
			report(job, StageTranscribing, done, len(chunks))
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return parts, nil
}

func partError(part transcript.Part) error {
	if part.Err != nil {
		return fmt.Errorf("chunk %d: %w", part.Index, part.Err)
	}
	return fmt.Errorf("chunk %d: %w: %s", part.Index, faults.ErrProvider, part.Reason)
}

func lossErrors(losses []audio.Loss) error {
	errs := make([]error, 0, len(losses))
	for _, loss := range losses {
		errs = append(errs, loss.Err)
	}
	return errors.Join(errs...)
}

func report(job Job, stage string, done, total int) {
	if job.Progress == nil {
		return
	}
	job.Progress(Progress{RequestID: job.RequestID, Stage: stage, Done: done, Total: total})
}
