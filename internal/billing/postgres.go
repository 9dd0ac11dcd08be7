package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/fmueller/voxscribe/internal/faults"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger keeps balances in the balances table. Every movement is
// mirrored into ledger_entries inside the same transaction.
type PostgresLedger struct {
	db *pgxpool.Pool
}

func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.db.QueryRow(ctx, `SELECT balance FROM balances WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func (l *PostgresLedger) Debit(ctx context.Context, userID string, amount int64, reason string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The balance guard makes the check and the subtraction one statement.
	result, err := tx.Exec(ctx, `
		UPDATE balances
		SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: need %d", faults.ErrInsufficientBalance, amount)
	}

	if err := insertEntry(ctx, tx, userID, -amount, reason); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (l *PostgresLedger) Credit(ctx context.Context, userID string, amount int64, reason string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := credit(ctx, tx, userID, amount, reason); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (l *PostgresLedger) RedeemPromo(ctx context.Context, userID, code string) (int64, error) {
	code = normalizeCode(code)

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		amount         int64
		maxRedemptions int
		redemptions    int
	)
	err = tx.QueryRow(ctx, `
		SELECT amount, max_redemptions, redemptions
		FROM promo_codes
		WHERE code = $1 AND (expires_at IS NULL OR expires_at > NOW())
		FOR UPDATE
	`, code).Scan(&amount, &maxRedemptions, &redemptions)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInvalidPromo
	}
	if err != nil {
		return 0, fmt.Errorf("read promo code: %w", err)
	}
	if maxRedemptions > 0 && redemptions >= maxRedemptions {
		return 0, fmt.Errorf("%w: code exhausted", ErrInvalidPromo)
	}

	result, err := tx.Exec(ctx, `
		INSERT INTO promo_redemptions (code, user_id) VALUES ($1, $2)
		ON CONFLICT (code, user_id) DO NOTHING
	`, code, userID)
	if err != nil {
		return 0, fmt.Errorf("record promo redemption: %w", err)
	}
	if result.RowsAffected() == 0 {
		return 0, ErrPromoAlreadyRedeemed
	}

	if _, err := tx.Exec(ctx, `UPDATE promo_codes SET redemptions = redemptions + 1 WHERE code = $1`, code); err != nil {
		return 0, fmt.Errorf("count promo redemption: %w", err)
	}
	if err := credit(ctx, tx, userID, amount, "promo:"+code); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return amount, nil
}

// CreatePromo inserts or replaces a promo code.
func (l *PostgresLedger) CreatePromo(ctx context.Context, code string, amount int64, maxRedemptions int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	_, err := l.db.Exec(ctx, `
		INSERT INTO promo_codes (code, amount, max_redemptions)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE SET amount = EXCLUDED.amount, max_redemptions = EXCLUDED.max_redemptions
	`, normalizeCode(code), amount, maxRedemptions)
	return err
}

func credit(ctx context.Context, tx pgx.Tx, userID string, amount int64, reason string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO balances (user_id, balance) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET balance = balances.balance + EXCLUDED.balance, updated_at = NOW()
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return insertEntry(ctx, tx, userID, amount, reason)
}

func insertEntry(ctx context.Context, tx pgx.Tx, userID string, amount int64, reason string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (user_id, amount, reason) VALUES ($1, $2, $3)
	`, userID, amount, reason)
	if err != nil {
		return fmt.Errorf("record ledger entry: %w", err)
	}
	return nil
}
