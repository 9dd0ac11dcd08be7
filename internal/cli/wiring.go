package cli

import (
	"context"
	"fmt"

	"github.com/fmueller/voxscribe/internal/asr"
	"github.com/fmueller/voxscribe/internal/audio"
	"github.com/fmueller/voxscribe/internal/download"
	"github.com/fmueller/voxscribe/internal/pipeline"
	"github.com/fmueller/voxscribe/internal/platform"
	"github.com/fmueller/voxscribe/internal/transcript"
	"github.com/fmueller/voxscribe/internal/whisper"
	"go.uber.org/zap"
)

func (a *appState) ffmpeg() *audio.FFmpeg {
	return audio.NewFFmpeg(a.cfg.FFmpegPath, a.cfg.FFmpegTimeout, a.log())
}

// buildEngine returns the speech engine selected by ASR_BACKEND / --backend.
func (a *appState) buildEngine(ctx context.Context, layout platform.Layout) (asr.Engine, error) {
	switch a.cfg.ASR.Backend {
	case "whisper":
		model, err := a.ensureModelAvailable(ctx, layout)
		if err != nil {
			return nil, err
		}
		engine, err := whisper.NewLocalEngine(model.Path, a.log().Named("whisper"))
		if err != nil {
			return nil, err
		}
		return engine, nil
	default:
		return asr.NewHTTPEngine(asr.HTTPOptions{
			BaseURL: a.cfg.ASR.BaseURL,
			APIKey:  a.cfg.ASR.APIKey,
			Model:   a.cfg.ASR.Model,
			Timeout: a.cfg.ASR.Timeout,
		}), nil
	}
}

func (a *appState) ensureModelAvailable(ctx context.Context, layout platform.Layout) (whisper.ResolvedModel, error) {
	resolved, err := whisper.ResolveModel(a.cfg.ASR.WhisperModel, layout.Models)
	if err != nil {
		return whisper.ResolvedModel{}, err
	}
	if !resolved.NeedsDownload {
		return resolved, nil
	}

	if !a.autoDownload {
		return whisper.ResolvedModel{}, fmt.Errorf("model %q is missing at %s; run `voxscribe setup --model %s` or use --auto-download=true", resolved.Name, resolved.Path, resolved.Name)
	}

	a.log().Info("model not found, downloading", zap.String("model", resolved.Name), zap.String("destination", resolved.Path))
	if err := download.DownloadFile(ctx, download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: resolved.SHA256,
		Description:    "Downloading " + resolved.Name,
		NoProgress:     !a.progressEnabled(),
		Logger:         a.log(),
	}); err != nil {
		return whisper.ResolvedModel{}, fmt.Errorf("download model %q: %w", resolved.Name, err)
	}

	resolved.NeedsDownload = false
	return resolved, nil
}

// buildPipeline wires ffmpeg analysis, chunking and retrying transcription
// around engine. acquirer may be nil for commands that work on local files.
func (a *appState) buildPipeline(layout platform.Layout, engine asr.Engine, acquirer pipeline.Acquirer) (*pipeline.Pipeline, error) {
	ff := a.ffmpeg()
	seg := a.cfg.Segment

	gate := 0.0
	if seg.SilenceGate {
		gate = seg.SilenceDBFS
	}
	segmenter, err := audio.NewSegmenter(ff, audio.SegmenterOptions{
		Target:          seg.Target,
		Overlap:         seg.Overlap,
		MaxChunkBytes:   seg.MaxChunkBytes,
		SilenceGateDBFS: gate,
	}, a.log().Named("segment"))
	if err != nil {
		return nil, err
	}

	transcriber := asr.NewChunkTranscriber(engine, asr.RetryPolicy{
		MaxAttempts: a.cfg.ASR.MaxAttempts,
		Step:        a.cfg.ASR.BackoffStep,
		MaxDelay:    a.cfg.ASR.MaxBackoff,
	}, a.log().Named("asr"))

	return pipeline.New(pipeline.Deps{
		Acquirer:    acquirer,
		Detector:    audio.NewSilenceDetector(ff, a.log().Named("silence")),
		Chunker:     segmenter,
		Transcriber: transcriber,
		Assembler:   transcript.Assembler{},
		Logger:      a.log(),
	}, pipeline.Options{
		WorkRoot:   layout.Work,
		Workers:    a.cfg.PipelineWorkers,
		MinSilence: seg.MinSilence,
		NoiseDB:    seg.NoiseDB,
		Method:     engine.Name(),
	})
}
