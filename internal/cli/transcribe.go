package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fmueller/voxscribe/internal/acquire"
	"github.com/fmueller/voxscribe/internal/faults"
	"github.com/fmueller/voxscribe/internal/pipeline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type transcribeFunc func(ctx context.Context, audioPath string) (pipeline.Result, error)

func newTranscribeCmd(app *appState) *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Chunk and transcribe a local audio file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run := app.transcribeFn
			if run == nil {
				run = app.transcribeAudio
			}

			res, err := run(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, faults.ErrNoSpeech) {
					app.log().Warn(noSpeechHint())
				}
				return err
			}

			if outputPath != "" {
				if err := os.WriteFile(outputPath, []byte(res.Text+"\n"), 0o644); err != nil {
					return fmt.Errorf("write transcript: %w", err)
				}
				app.log().Info("transcript written", zap.String("path", outputPath))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Text)
			return nil
		},
	}

	bindASRFlags(cmd, app)
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the transcript to a file instead of stdout")
	return cmd
}

func (a *appState) transcribeAudio(ctx context.Context, audioPath string) (pipeline.Result, error) {
	audioPath = filepath.Clean(audioPath)
	if _, err := os.Stat(audioPath); err != nil {
		return pipeline.Result{}, fmt.Errorf("audio file not found: %w", err)
	}
	src, err := acquire.LocalFile(audioPath)
	if err != nil {
		return pipeline.Result{}, err
	}

	layout, err := a.layout()
	if err != nil {
		return pipeline.Result{}, err
	}
	engine, err := a.buildEngine(ctx, layout)
	if err != nil {
		return pipeline.Result{}, err
	}
	p, err := a.buildPipeline(layout, engine, nil)
	if err != nil {
		return pipeline.Result{}, err
	}

	a.log().Info("transcribing...",
		zap.String("audio", audioPath),
		zap.String("engine", engine.Name()),
		zap.String("language", a.language),
		zap.Int("workers", a.cfg.PipelineWorkers),
	)
	update, stop := startStageProgress(a.progressEnabled())
	started := time.Now()

	res, err := p.TranscribeFile(ctx, src, pipeline.Job{
		RequestID: src.FileName,
		Language:  a.language,
		Progress:  update,
	})
	stop()
	if err != nil {
		a.log().Warn("transcription failed", elapsedSince(started), zap.String("code", faults.Code(err)), zap.Error(err))
		return pipeline.Result{}, err
	}

	a.log().Info("transcription finished",
		elapsedSince(started),
		zap.Duration("audio_duration", res.Duration),
		zap.Int("chunks", res.Chunks),
		zap.Int("lost_chunks", res.Lost),
	)
	return res, nil
}

func noSpeechHint() string {
	return "No speech detected. Check that the recording is not silent or muted, then try again."
}
