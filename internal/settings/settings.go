package settings

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"crashgame/internal/audit"
)

// Setting is the singleton game configuration. The round engine and the bet
// ledger read a snapshot of it before every round and every bet; only the
// admin API mutates it.
type Setting struct {
	GameStatus          int     `json:"game_status"`
	MinBetAmount        float64 `json:"min_bet_amount"`
	MaxBetAmount        float64 `json:"max_bet_amount"`
	MinRecharge         float64 `json:"min_recharge"`
	WithdrawalFee       float64 `json:"withdrawal_fee"`
	StartGameRangeTimer int     `json:"start_game_range_timer"`
	EndGameRangeTimer   int     `json:"end_game_range_timer"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Update is a partial settings mutation; nil fields keep their current value.
type Update struct {
	GameStatus          *int     `json:"game_status"`
	MinBetAmount        *float64 `json:"min_bet_amount"`
	MaxBetAmount        *float64 `json:"max_bet_amount"`
	MinRecharge         *float64 `json:"min_recharge"`
	WithdrawalFee       *float64 `json:"withdrawal_fee"`
	StartGameRangeTimer *int     `json:"start_game_range_timer"`
	EndGameRangeTimer   *int     `json:"end_game_range_timer"`
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid setting %s: %s", e.Field, e.Reason)
}

// Default returns the configuration written on first boot.
func Default() Setting {
	return Setting{
		GameStatus:          1,
		MinBetAmount:        10,
		MaxBetAmount:        10000,
		MinRecharge:         50,
		WithdrawalFee:       2,
		StartGameRangeTimer: 5,
		EndGameRangeTimer:   10,
	}
}

func merge(current Setting, u Update) Setting {
	if u.GameStatus != nil {
		current.GameStatus = *u.GameStatus
	}
	if u.MinBetAmount != nil {
		current.MinBetAmount = *u.MinBetAmount
	}
	if u.MaxBetAmount != nil {
		current.MaxBetAmount = *u.MaxBetAmount
	}
	if u.MinRecharge != nil {
		current.MinRecharge = *u.MinRecharge
	}
	if u.WithdrawalFee != nil {
		current.WithdrawalFee = *u.WithdrawalFee
	}
	if u.StartGameRangeTimer != nil {
		current.StartGameRangeTimer = *u.StartGameRangeTimer
	}
	if u.EndGameRangeTimer != nil {
		current.EndGameRangeTimer = *u.EndGameRangeTimer
	}
	return current
}

func validate(s Setting) error {
	if s.GameStatus != 0 && s.GameStatus != 1 {
		return &ValidationError{Field: "game_status", Reason: "must be 0 or 1"}
	}
	if s.MinBetAmount <= 0 {
		return &ValidationError{Field: "min_bet_amount", Reason: "must be positive"}
	}
	if s.MaxBetAmount < s.MinBetAmount {
		return &ValidationError{Field: "max_bet_amount", Reason: "must be >= min_bet_amount"}
	}
	if s.MinRecharge <= 0 {
		return &ValidationError{Field: "min_recharge", Reason: "must be positive"}
	}
	if s.WithdrawalFee < 0 || s.WithdrawalFee > 100 {
		return &ValidationError{Field: "withdrawal_fee", Reason: "must be between 0 and 100"}
	}
	if s.StartGameRangeTimer <= 0 {
		return &ValidationError{Field: "start_game_range_timer", Reason: "must be positive"}
	}
	if s.EndGameRangeTimer < s.StartGameRangeTimer {
		return &ValidationError{Field: "end_game_range_timer", Reason: "must be >= start_game_range_timer"}
	}
	return nil
}

// Store holds the singleton settings row and a cached in-memory snapshot.
// Concurrent admin updates are last-writer-wins; the cached snapshot is
// refreshed after every update and on a fixed cadence.
type Store struct {
	pool  *pgxpool.Pool
	audit *audit.Recorder

	mu      sync.RWMutex
	current Setting
}

func NewStore(pool *pgxpool.Pool, recorder *audit.Recorder) *Store {
	return &Store{pool: pool, audit: recorder}
}

const settingColumns = `game_status, min_bet_amount, max_bet_amount, min_recharge,
	withdrawal_fee, start_game_range_timer, end_game_range_timer, updated_at`

// Load bootstraps the singleton row if missing and primes the cache. Called
// once at process start; the row is never implicitly created mid-request.
func (s *Store) Load(ctx context.Context) error {
	def := Default()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (id, game_status, min_bet_amount, max_bet_amount, min_recharge,
			withdrawal_fee, start_game_range_timer, end_game_range_timer)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		def.GameStatus, def.MinBetAmount, def.MaxBetAmount, def.MinRecharge,
		def.WithdrawalFee, def.StartGameRangeTimer, def.EndGameRangeTimer)
	if err != nil {
		return fmt.Errorf("bootstrap settings: %w", err)
	}

	return s.refresh(ctx)
}

func (s *Store) refresh(ctx context.Context) error {
	var st Setting
	err := s.pool.QueryRow(ctx, `SELECT `+settingColumns+` FROM settings WHERE id = 1`).Scan(
		&st.GameStatus, &st.MinBetAmount, &st.MaxBetAmount, &st.MinRecharge,
		&st.WithdrawalFee, &st.StartGameRangeTimer, &st.EndGameRangeTimer, &st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	s.mu.Lock()
	s.current = st
	s.mu.Unlock()
	return nil
}

// Get returns the cached snapshot. Callers must treat it as a value copy; a
// settings change takes effect for the next round, never mid-round.
func (s *Store) Get() Setting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies a partial update, re-validating every invariant before
// committing, then refreshes the cache and records the change.
func (s *Store) Update(ctx context.Context, u Update, actor string) (Setting, error) {
	s.mu.RLock()
	next := merge(s.current, u)
	s.mu.RUnlock()

	if err := validate(next); err != nil {
		return Setting{}, err
	}

	err := s.pool.QueryRow(ctx, `
		UPDATE settings SET
			game_status = $1, min_bet_amount = $2, max_bet_amount = $3, min_recharge = $4,
			withdrawal_fee = $5, start_game_range_timer = $6, end_game_range_timer = $7,
			updated_at = now()
		WHERE id = 1
		RETURNING updated_at`,
		next.GameStatus, next.MinBetAmount, next.MaxBetAmount, next.MinRecharge,
		next.WithdrawalFee, next.StartGameRangeTimer, next.EndGameRangeTimer).Scan(&next.UpdatedAt)
	if err != nil {
		return Setting{}, fmt.Errorf("update settings: %w", err)
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()

	if s.audit != nil {
		s.audit.Record(ctx, actor, "settings.update", u)
	}

	log.Printf("[SETTINGS] Updated by %s: status=%d bets=[%.2f, %.2f] window=[%ds, %ds]",
		actor, next.GameStatus, next.MinBetAmount, next.MaxBetAmount,
		next.StartGameRangeTimer, next.EndGameRangeTimer)

	return next, nil
}

// StartRefresh re-reads the row on a fixed cadence so a replica picks up
// changes made by another process. Stops when ctx is cancelled.
func (s *Store) StartRefresh(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.refresh(ctx); err != nil {
					log.Printf("[SETTINGS] Refresh failed: %v", err)
				}
			}
		}
	}()
}
