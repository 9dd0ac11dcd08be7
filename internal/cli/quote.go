package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fmueller/voxscribe/internal/acquire"
	"github.com/fmueller/voxscribe/internal/billing"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type probeFunc func(ctx context.Context, audioPath string) (time.Duration, error)

type quoteOutput struct {
	billing.Quote
	File      string `json:"file"`
	Balance   *int64 `json:"balance,omitempty"`
	CanAfford *bool  `json:"can_afford,omitempty"`
	Shortage  int64  `json:"shortage,omitempty"`
}

func newQuoteCmd(app *appState) *cobra.Command {
	var (
		balance int64
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "quote <audio-file>",
		Short: "Price the transcription of a local audio file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			audioPath := filepath.Clean(args[0])
			if _, err := os.Stat(audioPath); err != nil {
				return fmt.Errorf("audio file not found: %w", err)
			}
			src, err := acquire.LocalFile(audioPath)
			if err != nil {
				return err
			}

			probe := app.probeFn
			if probe == nil {
				probe = app.ffmpeg().ProbeDuration
			}
			stop := startSpinner(app.progressEnabled(), "Probing")
			duration, err := probe(cmd.Context(), audioPath)
			stop()
			if err != nil {
				return err
			}

			out := quoteOutput{
				Quote: billing.NewQuote(duration, src.Size, app.cfg.Billing.CostPerMinute),
				File:  src.FileName,
			}
			if cmd.Flags().Changed("balance") {
				ok, shortage := out.Quote.CanAfford(balance)
				out.Balance = &balance
				out.CanAfford = &ok
				out.Shortage = shortage
			}
			app.log().Debug("quoted", zap.String("file", src.FileName), zap.Int64("cost", out.Cost))

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			fmt.Fprintf(w, "File:      %s (%.2f MB)\n", out.File, out.FileSizeMB)
			fmt.Fprintf(w, "Duration:  %s\n", time.Duration(out.DurationSeconds)*time.Second)
			fmt.Fprintf(w, "Cost:      %d coins (%d per minute)\n", out.Cost, out.CostPerMinute)
			if out.QualityInfo != "" {
				fmt.Fprintf(w, "Quality:   %s\n", out.QualityInfo)
			}
			if out.CanAfford != nil {
				if *out.CanAfford {
					fmt.Fprintf(w, "Balance:   %d coins, enough\n", balance)
				} else {
					fmt.Fprintf(w, "Balance:   %d coins, %d short\n", balance, out.Shortage)
				}
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&balance, "balance", 0, "Check the quote against this balance")
	cmd.Flags().BoolVar(&asJSON, "output-json", false, "Print the quote as JSON")
	return cmd
}
