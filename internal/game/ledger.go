package game

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"crashgame/internal/settings"
	"crashgame/internal/wallet"
)

const (
	REDIS_KEY_ROUND_PREFIX = "crash:round:"
	REDIS_KEY_USER_BALANCE = "crash:balance:"
)

// Ledger owns bets and the balances they move. Every operation that touches
// a balance commits atomically with the bet record it belongs to.
type Ledger interface {
	PlaceBet(ctx context.Context, playerID, roundID string, amount, autoCashout float64) (*Bet, float64, error)
	CashOut(ctx context.Context, playerID, roundID string, multiplier float64) (CashoutResult, error)
	OpenBets(ctx context.Context, roundID string) ([]Bet, error)
	Balance(ctx context.Context, playerID string) (float64, error)
	Credit(ctx context.Context, playerID string, amount float64) (float64, error)
	SettleRound(ctx context.Context, roundID string) error
	RefundRound(ctx context.Context, roundID string) error
}

type pgLedger struct {
	pool    *pgxpool.Pool
	wallets wallet.Store
	rdb     *redis.Client
	limits  func() settings.Setting
}

// NewLedger builds the Postgres-backed ledger. rdb may be nil; when present,
// balances are mirrored there after each commit for cheap reads.
func NewLedger(pool *pgxpool.Pool, rdb *redis.Client, limits func() settings.Setting) Ledger {
	return &pgLedger{pool: pool, rdb: rdb, limits: limits}
}

func (l *pgLedger) PlaceBet(ctx context.Context, playerID, roundID string, amount, autoCashout float64) (*Bet, float64, error) {
	snap := l.limits()
	if amount < snap.MinBetAmount || amount > snap.MaxBetAmount {
		return nil, 0, &InvalidAmountError{Amount: amount, Min: snap.MinBetAmount, Max: snap.MaxBetAmount}
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, 0, &PersistenceError{Op: "place bet", Err: err}
	}
	defer tx.Rollback(ctx)

	// Debit and insert are one transaction: both succeed or both fail.
	balance, err := l.wallets.Debit(ctx, tx, playerID, amount)
	if errors.Is(err, wallet.ErrInsufficientFunds) {
		return nil, 0, ErrInsufficientBalance
	}
	if err != nil {
		return nil, 0, &PersistenceError{Op: "place bet", Err: err}
	}

	bet := &Bet{
		ID:          uuid.NewString(),
		PlayerID:    playerID,
		RoundID:     roundID,
		Amount:      amount,
		AutoCashout: autoCashout,
		Status:      BetStatusOpen,
		PlacedAt:    time.Now(),
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO bets (id, player_id, round_id, amount, auto_cashout, status, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (player_id, round_id) DO NOTHING`,
		bet.ID, bet.PlayerID, bet.RoundID, bet.Amount, bet.AutoCashout, bet.Status, bet.PlacedAt)
	if err != nil {
		return nil, 0, &PersistenceError{Op: "place bet", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return nil, 0, ErrBetExists
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, &PersistenceError{Op: "place bet", Err: err}
	}

	l.mirrorBalance(ctx, playerID, balance)
	return bet, balance, nil
}

func (l *pgLedger) CashOut(ctx context.Context, playerID, roundID string, multiplier float64) (CashoutResult, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return CashoutResult{}, &PersistenceError{Op: "cashout", Err: err}
	}
	defer tx.Rollback(ctx)

	var payout float64
	err = tx.QueryRow(ctx, `
		UPDATE bets
		SET status = $4, cashout_multiplier = $3, payout = amount * $3
		WHERE player_id = $1 AND round_id = $2 AND status = $5
		RETURNING payout`,
		playerID, roundID, multiplier, BetStatusCashedOut, BetStatusOpen).Scan(&payout)

	if errors.Is(err, pgx.ErrNoRows) {
		// Not open anymore: either already cashed out (idempotent replay,
		// return the original result) or settled as a loss.
		var status string
		var storedMult *float64
		var storedPayout float64
		err := tx.QueryRow(ctx, `
			SELECT status, cashout_multiplier, payout FROM bets
			WHERE player_id = $1 AND round_id = $2`,
			playerID, roundID).Scan(&status, &storedMult, &storedPayout)
		if errors.Is(err, pgx.ErrNoRows) {
			return CashoutResult{}, ErrBetNotFound
		}
		if err != nil {
			return CashoutResult{}, &PersistenceError{Op: "cashout", Err: err}
		}
		if status == BetStatusCashedOut && storedMult != nil {
			balance, _ := l.Balance(ctx, playerID)
			return CashoutResult{Multiplier: *storedMult, Payout: storedPayout, Balance: balance}, nil
		}
		return CashoutResult{}, ErrTooLate
	}
	if err != nil {
		return CashoutResult{}, &PersistenceError{Op: "cashout", Err: err}
	}

	balance, err := l.wallets.Credit(ctx, tx, playerID, payout)
	if err != nil {
		return CashoutResult{}, &PersistenceError{Op: "cashout", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return CashoutResult{}, &PersistenceError{Op: "cashout", Err: err}
	}

	l.mirrorBalance(ctx, playerID, balance)
	return CashoutResult{Multiplier: multiplier, Payout: payout, Balance: balance}, nil
}

func (l *pgLedger) OpenBets(ctx context.Context, roundID string) ([]Bet, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, player_id, round_id, amount, auto_cashout, payout, status, placed_at
		FROM bets WHERE round_id = $1 AND status = $2`,
		roundID, BetStatusOpen)
	if err != nil {
		return nil, &PersistenceError{Op: "load bets", Err: err}
	}
	defer rows.Close()

	var bets []Bet
	for rows.Next() {
		var b Bet
		if err := rows.Scan(&b.ID, &b.PlayerID, &b.RoundID, &b.Amount, &b.AutoCashout,
			&b.Payout, &b.Status, &b.PlacedAt); err != nil {
			return nil, &PersistenceError{Op: "load bets", Err: err}
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

func (l *pgLedger) Balance(ctx context.Context, playerID string) (float64, error) {
	return l.wallets.Balance(ctx, l.pool, playerID)
}

// Credit adds funds outside a round, e.g. a completed deposit.
func (l *pgLedger) Credit(ctx context.Context, playerID string, amount float64) (float64, error) {
	balance, err := l.wallets.Credit(ctx, l.pool, playerID, amount)
	if err != nil {
		return 0, &PersistenceError{Op: "credit", Err: err}
	}
	l.mirrorBalance(ctx, playerID, balance)
	return balance, nil
}

// SettleRound marks all remaining open bets as lost. The round-status guard
// makes settlement exactly-once: a retry after a crash mid-settlement either
// re-runs the whole transaction or finds the round already settled.
func (l *pgLedger) SettleRound(ctx context.Context, roundID string) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return &PersistenceError{Op: "settle round", Err: err}
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE rounds SET status = $2, settled_at = now()
		WHERE id = $1 AND status = $3`,
		roundID, StatusSettled, StatusCrashed)
	if err != nil {
		return &PersistenceError{Op: "settle round", Err: err}
	}
	if tag.RowsAffected() == 0 {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM rounds WHERE id = $1`, roundID).Scan(&status); err != nil {
			return &PersistenceError{Op: "settle round", Err: err}
		}
		if status == StatusSettled {
			return nil // already settled, nothing to redo
		}
		return &PersistenceError{Op: "settle round", Err: fmt.Errorf("round %s in state %s", roundID, status)}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE bets SET status = $2 WHERE round_id = $1 AND status = $3`,
		roundID, BetStatusLost, BetStatusOpen); err != nil {
		return &PersistenceError{Op: "settle round", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &PersistenceError{Op: "settle round", Err: err}
	}
	return nil
}

// RefundRound returns all open stakes for an aborted round.
func (l *pgLedger) RefundRound(ctx context.Context, roundID string) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return &PersistenceError{Op: "refund round", Err: err}
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE rounds SET status = $2
		WHERE id = $1 AND status IN ($3, $4)`,
		roundID, StatusAborted, StatusAcceptingBets, StatusFlying)
	if err != nil {
		return &PersistenceError{Op: "refund round", Err: err}
	}
	if tag.RowsAffected() == 0 {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM rounds WHERE id = $1`, roundID).Scan(&status); err != nil {
			return &PersistenceError{Op: "refund round", Err: err}
		}
		if status == StatusAborted {
			return nil
		}
		return &PersistenceError{Op: "refund round", Err: fmt.Errorf("round %s in state %s", roundID, status)}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE wallets w SET balance = w.balance + b.amount, updated_at = now()
		FROM bets b
		WHERE b.round_id = $1 AND b.status = $2 AND w.player_id = b.player_id`,
		roundID, BetStatusOpen); err != nil {
		return &PersistenceError{Op: "refund round", Err: err}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE bets SET status = $2 WHERE round_id = $1 AND status = $3`,
		roundID, BetStatusRefunded, BetStatusOpen); err != nil {
		return &PersistenceError{Op: "refund round", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &PersistenceError{Op: "refund round", Err: err}
	}

	log.Printf("[LEDGER] Refunded open bets for aborted round %s", roundID)
	return nil
}

func (l *pgLedger) mirrorBalance(ctx context.Context, playerID string, balance float64) {
	if l.rdb == nil {
		return
	}
	if err := l.rdb.Set(ctx, REDIS_KEY_USER_BALANCE+playerID, balance, 0).Err(); err != nil {
		log.Printf("[LEDGER] Balance mirror failed for %s: %v", playerID, err)
	}
}
