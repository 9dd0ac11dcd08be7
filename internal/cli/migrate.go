package cli

import (
	"fmt"

	"github.com/fmueller/voxscribe/internal/billing"
	"github.com/fmueller/voxscribe/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCmd(app *appState) *cobra.Command {
	var (
		promoCode   string
		promoAmount int64
		promoMax    int
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and optionally seed a promo code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(cmd.Context(), app.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := store.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			app.log().Info("database schema applied")
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")

			if promoCode == "" {
				return nil
			}
			if promoAmount <= 0 || promoMax < 1 {
				return fmt.Errorf("promo %q needs a positive --promo-amount and --promo-max", promoCode)
			}
			if err := billing.NewPostgresLedger(db).CreatePromo(cmd.Context(), promoCode, promoAmount, promoMax); err != nil {
				return err
			}
			app.log().Info("promo code created", zap.String("code", promoCode), zap.Int64("amount", promoAmount))
			fmt.Fprintf(cmd.OutOrStdout(), "Promo %s grants %d coins, %d redemptions\n", promoCode, promoAmount, promoMax)
			return nil
		},
	}

	cmd.Flags().StringVar(&promoCode, "promo", "", "Promo code to create")
	cmd.Flags().Int64Var(&promoAmount, "promo-amount", 0, "Coins granted by the promo code")
	cmd.Flags().IntVar(&promoMax, "promo-max", 1, "How many users may redeem the promo code")
	return cmd
}
