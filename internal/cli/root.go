package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/fmueller/voxscribe/internal/asr"
	"github.com/fmueller/voxscribe/internal/config"
	"github.com/fmueller/voxscribe/internal/logging"
	"github.com/fmueller/voxscribe/internal/platform"
	"github.com/fmueller/voxscribe/internal/version"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/spf13/cobra"
)

type appState struct {
	verbose    bool
	jsonLogs   bool
	noProgress bool
	dataDir    string
	language   string
	backend    string
	model      string
	workers    int

	autoDownload bool

	cfg    config.Config
	logger *zap.Logger

	// Replaced in tests.
	loadConfig   func() (config.Config, error)
	transcribeFn transcribeFunc
	probeFn      probeFunc
}

func NewRootCmd() *cobra.Command {
	app := &appState{
		language:     "auto",
		autoDownload: true,
		loadConfig:   loadEnvConfig,
	}

	cmd := &cobra.Command{
		Use:           "voxscribe",
		Short:         "Chunk, transcribe and bill long audio recordings",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.init(cmd)
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	flags := cmd.PersistentFlags()
	flags.BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	flags.BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
	flags.BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
	flags.StringVar(&app.dataDir, "data-dir", app.dataDir, "Directory for blobs, scratch files and models (default: per-user data dir)")

	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newQuoteCmd(app))
	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newMigrateCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindASRFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.language, "language", app.language, "Language code (auto|en|de|...) for transcription")
	cmd.Flags().StringVar(&app.backend, "backend", app.backend, "Transcription backend: openai|whisper (default from ASR_BACKEND)")
	cmd.Flags().StringVar(&app.model, "model", app.model, "Whisper model name or file path for the whisper backend")
	cmd.Flags().IntVar(&app.workers, "workers", app.workers, "Chunks transcribed in parallel (default from PIPELINE_WORKERS)")
	cmd.Flags().BoolVar(&app.autoDownload, "auto-download", app.autoDownload, "Download a missing whisper model automatically")
}

func loadEnvConfig() (config.Config, error) {
	if err := config.LoadDotenv(); err != nil {
		return config.Config{}, err
	}
	return config.Load()
}

// init loads configuration, applies flag overrides and builds the logger.
func (a *appState) init(cmd *cobra.Command) error {
	load := a.loadConfig
	if load == nil {
		load = loadEnvConfig
	}
	cfg, err := load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if a.backend != "" {
		cfg.ASR.Backend = a.backend
	}
	if a.model != "" {
		cfg.ASR.WhisperModel = a.model
	}
	if a.workers > 0 {
		cfg.PipelineWorkers = a.workers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.language = asr.SanitizeLanguage(a.language)

	logger, err := logging.New(logging.Options{
		Verbose: a.verbose,
		JSON:    a.jsonLogs || cfg.JSONLogs,
		Level:   levelOverride(a.verbose, cfg.LogLevel),
		Service: "voxscribe",
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	a.logger = logger.With(zap.String("command", cmd.Name()))
	return nil
}

// levelOverride lets --verbose win over a LOG_LEVEL left at its default.
func levelOverride(verbose bool, level string) string {
	if verbose && (level == "" || level == "info") {
		return ""
	}
	return level
}

func (a *appState) layout() (platform.Layout, error) {
	layout, err := platform.ResolveLayout(a.cfg.DataDir)
	if err != nil {
		return platform.Layout{}, err
	}
	if err := layout.Ensure(); err != nil {
		return platform.Layout{}, err
	}
	return layout, nil
}

func (a *appState) log() *zap.Logger {
	return logging.OrNop(a.logger)
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func elapsedSince(start time.Time) zap.Field {
	return zap.Duration("elapsed", time.Since(start).Round(time.Millisecond))
}
