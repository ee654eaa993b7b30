package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrInsufficientFunds is returned when a debit would take a balance below zero.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Querier is satisfied by *pgxpool.Pool and pgx.Tx, so wallet mutations can
// run inside the caller's transaction. Bet debits, payouts and payment
// credits must commit atomically with the record they belong to.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store performs balance mutations against the wallets table.
type Store struct{}

// Balance returns the current balance, zero for an unknown player.
func (Store) Balance(ctx context.Context, q Querier, playerID string) (float64, error) {
	var balance float64
	err := q.QueryRow(ctx, `SELECT balance FROM wallets WHERE player_id = $1`, playerID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance for %s: %w", playerID, err)
	}
	return balance, nil
}

// Credit adds amount to the player's balance, creating the wallet if needed,
// and returns the new balance.
func (Store) Credit(ctx context.Context, q Querier, playerID string, amount float64) (float64, error) {
	var balance float64
	err := q.QueryRow(ctx, `
		INSERT INTO wallets (player_id, balance) VALUES ($1, $2)
		ON CONFLICT (player_id)
		DO UPDATE SET balance = wallets.balance + $2, updated_at = now()
		RETURNING balance`,
		playerID, amount).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("credit %s: %w", playerID, err)
	}
	return balance, nil
}

// Debit subtracts amount from the player's balance and returns the new
// balance. The conditional update is the atomicity guarantee: two concurrent
// debits can never both succeed on funds that cover only one of them.
func (Store) Debit(ctx context.Context, q Querier, playerID string, amount float64) (float64, error) {
	var balance float64
	err := q.QueryRow(ctx, `
		UPDATE wallets SET balance = balance - $2, updated_at = now()
		WHERE player_id = $1 AND balance >= $2
		RETURNING balance`,
		playerID, amount).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("debit %s: %w", playerID, err)
	}
	return balance, nil
}
