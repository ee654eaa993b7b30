package game

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"crashgame/internal/database"
	"crashgame/internal/settings"
	"crashgame/internal/wallet"
)

var (
	gameDBOnce sync.Once
	gameDBPool *pgxpool.Pool
	gameDBErr  error
)

// setupGameDB starts one postgres container for the whole package and runs
// the schema migrations against it. Integration tests skip when Docker is
// unavailable so the unit tests still run everywhere.
func setupGameDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("SKIP_INTEGRATION") != "" {
		t.Skip("SKIP_INTEGRATION set")
	}

	gameDBOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		container, err := postgres.Run(
			ctx,
			"postgres:latest",
			postgres.WithDatabase("gamedb"),
			postgres.WithUsername("user"),
			postgres.WithPassword("password"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			gameDBErr = err
			return
		}

		connStr, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			gameDBErr = err
			return
		}

		migrateDB, err := sql.Open("pgx", connStr)
		if err != nil {
			gameDBErr = err
			return
		}
		defer migrateDB.Close()
		if err := database.RunMigrations(migrateDB, "../../migrations"); err != nil {
			gameDBErr = err
			return
		}

		gameDBPool, gameDBErr = pgxpool.New(ctx, connStr)
	})

	if gameDBErr != nil {
		t.Skipf("postgres container unavailable: %v", gameDBErr)
	}
	return gameDBPool
}

func testLimits() settings.Setting {
	return settings.Setting{
		GameStatus:   1,
		MinBetAmount: 10,
		MaxBetAmount: 10000,
	}
}

func newTestRound(t *testing.T, pool *pgxpool.Pool, name string) (RoundStore, string) {
	t.Helper()
	rounds := NewRoundStore(pool)
	roundID := fmt.Sprintf("R-%s-%d", name, time.Now().UnixNano())
	err := rounds.Create(context.Background(), &RoundState{
		RoundID:         roundID,
		Nonce:           1,
		ServerSeed:      "server",
		HashCommitment:  SeedCommitment("server"),
		ClientSeed:      "client",
		CrashMultiplier: 2.0,
		Status:          StatusAcceptingBets,
		StartTime:       time.Now(),
	})
	if err != nil {
		t.Fatalf("create round: %v", err)
	}
	return rounds, roundID
}

func fundPlayer(t *testing.T, pool *pgxpool.Pool, playerID string, amount float64) {
	t.Helper()
	if _, err := (wallet.Store{}).Credit(context.Background(), pool, playerID, amount); err != nil {
		t.Fatalf("fund player: %v", err)
	}
}

func TestLedger_PlaceBetBounds(t *testing.T) {
	pool := setupGameDB(t)
	ctx := context.Background()

	ledger := NewLedger(pool, nil, testLimits)
	_, roundID := newTestRound(t, pool, "bounds")

	tests := []struct {
		name    string
		amount  float64
		wantErr bool
	}{
		{name: "below minimum", amount: 5, wantErr: true},
		{name: "at minimum", amount: 10, wantErr: false},
		{name: "at maximum", amount: 10000, wantErr: false},
		{name: "above maximum", amount: 10001, wantErr: true},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Separate player per case to dodge the one-bet-per-round rule.
			player := fmt.Sprintf("bounds-alice-%d", i)
			fundPlayer(t, pool, player, 20000)

			_, _, err := ledger.PlaceBet(ctx, player, roundID, tt.amount, 0)
			if tt.wantErr {
				var amountErr *InvalidAmountError
				if !errors.As(err, &amountErr) {
					t.Fatalf("PlaceBet(%v) error = %v, want InvalidAmountError", tt.amount, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("PlaceBet(%v) error = %v, want nil", tt.amount, err)
			}
		})
	}
}

func TestLedger_InsufficientBalance(t *testing.T) {
	pool := setupGameDB(t)
	ctx := context.Background()

	ledger := NewLedger(pool, nil, testLimits)
	_, roundID := newTestRound(t, pool, "funds")
	fundPlayer(t, pool, "funds-bob", 50)

	_, _, err := ledger.PlaceBet(ctx, "funds-bob", roundID, 100, 0)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("PlaceBet() error = %v, want ErrInsufficientBalance", err)
	}

	// The failed bet must not touch the balance or leave a bet row.
	balance, err := ledger.Balance(ctx, "funds-bob")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if balance != 50 {
		t.Errorf("balance after rejected bet = %v, want 50", balance)
	}

	bets, err := ledger.OpenBets(ctx, roundID)
	if err != nil {
		t.Fatalf("OpenBets() error = %v", err)
	}
	if len(bets) != 0 {
		t.Errorf("open bets = %d, want 0", len(bets))
	}
}

func TestLedger_OneBetPerRound(t *testing.T) {
	pool := setupGameDB(t)
	ctx := context.Background()

	ledger := NewLedger(pool, nil, testLimits)
	_, roundID := newTestRound(t, pool, "dup")
	fundPlayer(t, pool, "dup-carol", 1000)

	if _, _, err := ledger.PlaceBet(ctx, "dup-carol", roundID, 100, 0); err != nil {
		t.Fatalf("first PlaceBet() error = %v", err)
	}

	_, _, err := ledger.PlaceBet(ctx, "dup-carol", roundID, 100, 0)
	if !errors.Is(err, ErrBetExists) {
		t.Fatalf("second PlaceBet() error = %v, want ErrBetExists", err)
	}

	// The duplicate must not debit a second stake.
	balance, _ := ledger.Balance(ctx, "dup-carol")
	if balance != 900 {
		t.Errorf("balance = %v, want 900 (single debit)", balance)
	}
}

func TestLedger_CashoutIdempotent(t *testing.T) {
	pool := setupGameDB(t)
	ctx := context.Background()

	ledger := NewLedger(pool, nil, testLimits)
	_, roundID := newTestRound(t, pool, "cashout")
	fundPlayer(t, pool, "cash-dave", 1000)

	if _, _, err := ledger.PlaceBet(ctx, "cash-dave", roundID, 100, 0); err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}

	first, err := ledger.CashOut(ctx, "cash-dave", roundID, 1.5)
	if err != nil {
		t.Fatalf("CashOut() error = %v", err)
	}
	if first.Payout != 150 {
		t.Errorf("payout = %v, want 150", first.Payout)
	}

	// Replay returns the original result, even at a different multiplier.
	second, err := ledger.CashOut(ctx, "cash-dave", roundID, 2.0)
	if err != nil {
		t.Fatalf("replayed CashOut() error = %v", err)
	}
	if second.Multiplier != first.Multiplier || second.Payout != first.Payout {
		t.Errorf("replayed cashout = %+v, want %+v", second, first)
	}

	// Credited exactly once: 1000 - 100 + 150.
	balance, _ := ledger.Balance(ctx, "cash-dave")
	if balance != 1050 {
		t.Errorf("balance = %v, want 1050", balance)
	}
}

func TestLedger_SettleExactlyOnce(t *testing.T) {
	pool := setupGameDB(t)
	ctx := context.Background()

	ledger := NewLedger(pool, nil, testLimits)
	rounds, roundID := newTestRound(t, pool, "settle")
	fundPlayer(t, pool, "settle-erin", 1000)

	if _, _, err := ledger.PlaceBet(ctx, "settle-erin", roundID, 100, 0); err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}

	if err := rounds.SetStatus(ctx, roundID, StatusFlying); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if err := rounds.MarkCrashed(ctx, roundID, time.Now()); err != nil {
		t.Fatalf("MarkCrashed() error = %v", err)
	}

	if err := ledger.SettleRound(ctx, roundID); err != nil {
		t.Fatalf("SettleRound() error = %v", err)
	}

	// A re-run after a crash mid-settlement finds the round settled and
	// changes nothing.
	if err := ledger.SettleRound(ctx, roundID); err != nil {
		t.Fatalf("repeated SettleRound() error = %v", err)
	}

	balance, _ := ledger.Balance(ctx, "settle-erin")
	if balance != 900 {
		t.Errorf("balance = %v, want 900 (stake lost exactly once)", balance)
	}

	// The settled bet is immutable: a late cashout is refused.
	_, err := ledger.CashOut(ctx, "settle-erin", roundID, 1.5)
	if !errors.Is(err, ErrTooLate) {
		t.Errorf("CashOut() after settlement = %v, want ErrTooLate", err)
	}
}

func TestLedger_RefundRound(t *testing.T) {
	pool := setupGameDB(t)
	ctx := context.Background()

	ledger := NewLedger(pool, nil, testLimits)
	_, roundID := newTestRound(t, pool, "refund")
	fundPlayer(t, pool, "refund-frank", 500)

	if _, _, err := ledger.PlaceBet(ctx, "refund-frank", roundID, 200, 0); err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}

	if err := ledger.RefundRound(ctx, roundID); err != nil {
		t.Fatalf("RefundRound() error = %v", err)
	}

	balance, _ := ledger.Balance(ctx, "refund-frank")
	if balance != 500 {
		t.Errorf("balance after refund = %v, want 500", balance)
	}

	// Idempotent on the aborted round.
	if err := ledger.RefundRound(ctx, roundID); err != nil {
		t.Fatalf("repeated RefundRound() error = %v", err)
	}
	balance, _ = ledger.Balance(ctx, "refund-frank")
	if balance != 500 {
		t.Errorf("balance after repeated refund = %v, want 500", balance)
	}
}
