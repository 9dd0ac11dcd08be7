package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fmueller/voxscribe/internal/acquire"
	"github.com/fmueller/voxscribe/internal/billing"
	"github.com/fmueller/voxscribe/internal/httpapi"
	"github.com/fmueller/voxscribe/internal/monitoring"
	"github.com/fmueller/voxscribe/internal/orchestrator"
	"github.com/fmueller/voxscribe/internal/storage"
	"github.com/fmueller/voxscribe/internal/store"
	"github.com/fmueller/voxscribe/internal/version"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(app *appState) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the paid transcription HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.cfg.ValidateServe(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.serve(ctx, migrate)
		},
	}

	bindASRFlags(cmd, app)
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply the database schema before serving")
	return cmd
}

func (a *appState) serve(ctx context.Context, migrate bool) error {
	cfg := a.cfg
	log := a.log()

	reporter, flush, err := monitoring.Init(monitoring.Options{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     "voxscribe@" + version.Resolve(),
	})
	if err != nil {
		log.Warn("sentry init failed", zap.Error(err))
		reporter, flush = monitoring.Nop{}, func() {}
	}
	defer flush()

	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if migrate {
		if err := store.Migrate(ctx, db); err != nil {
			return err
		}
		log.Info("database schema applied")
	}

	layout, err := a.layout()
	if err != nil {
		return err
	}
	signer, err := storage.NewSigner(cfg.Storage.SigningSecret, cfg.PublicBaseURL)
	if err != nil {
		return err
	}
	blobs, err := storage.OpenBadgerStore(layout.Blobs, signer, log)
	if err != nil {
		return err
	}
	defer blobs.Close()

	engine, err := a.buildEngine(ctx, layout)
	if err != nil {
		return err
	}

	httpClient := &http.Client{
		Timeout: 30 * time.Minute,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
	var fallback acquire.FileAPI
	if cfg.Platform.FallbackAPIBaseURL != "" {
		fallback = acquire.NewTelegramFiles(cfg.Platform.FallbackAPIBaseURL, cfg.Platform.BotToken, httpClient)
	}
	acquirer := acquire.NewStrategy(
		acquire.NewTelegramFiles(cfg.Platform.APIBaseURL, cfg.Platform.BotToken, httpClient),
		fallback,
		acquire.Options{
			CeilingBytes:     cfg.Platform.FileCeilingBytes,
			MaxFileBytes:     cfg.Platform.MaxFileBytes,
			AlternateChannel: cfg.Platform.AlternateChannel,
		},
		log.Named("acquire"),
	)

	p, err := a.buildPipeline(layout, engine, acquirer)
	if err != nil {
		return err
	}

	ledger := billing.NewPostgresLedger(db)
	orch, err := orchestrator.New(orchestrator.Deps{
		Pipeline:    p,
		Ledger:      ledger,
		Promos:      ledger,
		Transcripts: store.NewPostgresStore(db),
		Blobs:       blobs,
		Reporter:    reporter,
		Logger:      log,
	}, orchestrator.Options{
		CostPerMinute:    cfg.Billing.CostPerMinute,
		MaxFileBytes:     cfg.Platform.MaxFileBytes,
		AudioBucket:      cfg.Storage.AudioBucket,
		TranscriptBucket: cfg.Storage.TranscriptBucket,
		PresignTTL:       cfg.Storage.PresignTTL,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(httpapi.Config{APIKey: cfg.APIKey}, httpapi.Deps{
			Service: orch,
			Blobs:   blobs,
			Signer:  signer,
			Hub:     httpapi.NewProgressHub(),
			Logger:  log,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("engine", engine.Name()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openDB(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(pingCtx, url)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Ping(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
