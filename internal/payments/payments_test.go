package payments

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

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusPending, StatusApproved, true},
		{StatusPending, StatusRejected, true},
		{StatusApproved, StatusCompleted, true},
		{StatusPending, StatusCompleted, false},
		{StatusApproved, StatusRejected, false},
		{StatusRejected, StatusApproved, false},
		{StatusCompleted, StatusApproved, false},
		{StatusCompleted, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestWithdrawalFee(t *testing.T) {
	tests := []struct {
		name       string
		amount     float64
		feePercent float64
		want       float64
	}{
		{name: "two percent", amount: 100, feePercent: 2, want: 2},
		{name: "rounds to cents", amount: 33.33, feePercent: 2, want: 0.67},
		{name: "zero fee", amount: 500, feePercent: 0, want: 0},
		{name: "small amount", amount: 0.10, feePercent: 2, want: 0},
		{name: "float noise", amount: 149.99, feePercent: 2, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WithdrawalFee(tt.amount, tt.feePercent); got != tt.want {
				t.Errorf("WithdrawalFee(%v, %v) = %v, want %v", tt.amount, tt.feePercent, got, tt.want)
			}
		})
	}
}

var (
	payDBOnce sync.Once
	payDBPool *pgxpool.Pool
	payDBErr  error
)

func setupPaymentsDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("SKIP_INTEGRATION") != "" {
		t.Skip("SKIP_INTEGRATION set")
	}

	payDBOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		container, err := postgres.Run(
			ctx,
			"postgres:latest",
			postgres.WithDatabase("paydb"),
			postgres.WithUsername("user"),
			postgres.WithPassword("password"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			payDBErr = err
			return
		}

		connStr, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			payDBErr = err
			return
		}

		migrateDB, err := sql.Open("pgx", connStr)
		if err != nil {
			payDBErr = err
			return
		}
		defer migrateDB.Close()
		if err := database.RunMigrations(migrateDB, "../../migrations"); err != nil {
			payDBErr = err
			return
		}

		payDBPool, payDBErr = pgxpool.New(ctx, connStr)
	})

	if payDBErr != nil {
		t.Skipf("postgres container unavailable: %v", payDBErr)
	}
	return payDBPool
}

func paymentSettings() settings.Setting {
	return settings.Setting{
		GameStatus:    1,
		MinRecharge:   50,
		WithdrawalFee: 2,
	}
}

func fundWallet(t *testing.T, pool *pgxpool.Pool, playerID string, amount float64) {
	t.Helper()
	if _, err := (wallet.Store{}).Credit(context.Background(), pool, playerID, amount); err != nil {
		t.Fatalf("fund wallet: %v", err)
	}
}

func walletBalance(t *testing.T, pool *pgxpool.Pool, playerID string) float64 {
	t.Helper()
	balance, err := (wallet.Store{}).Balance(context.Background(), pool, playerID)
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	return balance
}

func TestGateway_CreateDeposit_MinRecharge(t *testing.T) {
	pool := setupPaymentsDB(t)
	gw := NewGateway(pool, paymentSettings, nil)
	ctx := context.Background()

	_, err := gw.CreateDeposit(ctx, "dep-min", 10)
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("CreateDeposit(10) error = %v, want ValidationError", err)
	}

	p, err := gw.CreateDeposit(ctx, "dep-min", 50)
	if err != nil {
		t.Fatalf("CreateDeposit(50) error = %v", err)
	}
	if p.Status != StatusPending {
		t.Errorf("status = %s, want pending", p.Status)
	}
	if p.InvoicePayload != p.ID {
		t.Errorf("invoice payload = %s, want payment id %s", p.InvoicePayload, p.ID)
	}
}

func TestGateway_DepositFlow_WebhookReplay(t *testing.T) {
	pool := setupPaymentsDB(t)
	gw := NewGateway(pool, paymentSettings, nil)
	ctx := context.Background()

	p, err := gw.CreateDeposit(ctx, "dep-replay", 100)
	if err != nil {
		t.Fatalf("CreateDeposit() error = %v", err)
	}

	approved, err := gw.HandleProviderCallback(ctx, "charge-replay-1", p.InvoicePayload, 100)
	if err != nil {
		t.Fatalf("HandleProviderCallback() error = %v", err)
	}
	if approved.Status != StatusApproved {
		t.Fatalf("status after callback = %s, want approved", approved.Status)
	}

	// Providers retry webhooks. The replay must be a no-op, not an error.
	replayed, err := gw.HandleProviderCallback(ctx, "charge-replay-1", p.InvoicePayload, 100)
	if err != nil {
		t.Fatalf("replayed callback error = %v", err)
	}
	if replayed.ID != approved.ID {
		t.Errorf("replay returned payment %s, want %s", replayed.ID, approved.ID)
	}

	if _, err := gw.Complete(ctx, p.ID, "admin"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	// A third webhook delivery after completion still changes nothing.
	if _, err := gw.HandleProviderCallback(ctx, "charge-replay-1", p.InvoicePayload, 100); err != nil {
		t.Fatalf("post-completion callback error = %v", err)
	}

	if balance := walletBalance(t, pool, "dep-replay"); balance != 100 {
		t.Errorf("balance = %v, want 100 (credited exactly once)", balance)
	}
}

func TestGateway_Complete_Idempotent(t *testing.T) {
	pool := setupPaymentsDB(t)
	gw := NewGateway(pool, paymentSettings, nil)
	ctx := context.Background()

	p, err := gw.CreateDeposit(ctx, "dep-complete", 200)
	if err != nil {
		t.Fatalf("CreateDeposit() error = %v", err)
	}
	if _, err := gw.HandleProviderCallback(ctx, "charge-complete-1", p.InvoicePayload, 200); err != nil {
		t.Fatalf("HandleProviderCallback() error = %v", err)
	}

	first, err := gw.Complete(ctx, p.ID, "admin")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	second, err := gw.Complete(ctx, p.ID, "admin")
	if err != nil {
		t.Fatalf("repeated Complete() error = %v", err)
	}
	if second.Status != first.Status {
		t.Errorf("repeated Complete() status = %s, want %s", second.Status, first.Status)
	}

	if balance := walletBalance(t, pool, "dep-complete"); balance != 200 {
		t.Errorf("balance = %v, want 200 (single credit)", balance)
	}
}

func TestGateway_Complete_PendingRejected(t *testing.T) {
	pool := setupPaymentsDB(t)
	gw := NewGateway(pool, paymentSettings, nil)
	ctx := context.Background()

	p, err := gw.CreateDeposit(ctx, "dep-skip", 100)
	if err != nil {
		t.Fatalf("CreateDeposit() error = %v", err)
	}

	// Completing straight from pending skips the approval step.
	_, err = gw.Complete(ctx, p.ID, "admin")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Complete() on pending = %v, want ErrInvalidTransition", err)
	}
	if balance := walletBalance(t, pool, "dep-skip"); balance != 0 {
		t.Errorf("balance = %v, want 0", balance)
	}
}

func TestGateway_Callback_AmountMismatch(t *testing.T) {
	pool := setupPaymentsDB(t)
	gw := NewGateway(pool, paymentSettings, nil)
	ctx := context.Background()

	p, err := gw.CreateDeposit(ctx, "dep-mismatch", 100)
	if err != nil {
		t.Fatalf("CreateDeposit() error = %v", err)
	}

	_, err = gw.HandleProviderCallback(ctx, "charge-mismatch-1", p.InvoicePayload, 80)
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("mismatched callback error = %v, want ValidationError", err)
	}

	got, _ := gw.Get(ctx, p.ID)
	if got.Status != StatusPending {
		t.Errorf("status after mismatch = %s, want pending", got.Status)
	}
}

func TestGateway_Callback_UnknownPayload(t *testing.T) {
	pool := setupPaymentsDB(t)
	gw := NewGateway(pool, paymentSettings, nil)

	_, err := gw.HandleProviderCallback(context.Background(), "charge-ghost", "no-such-payload", 100)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("callback for unknown payload = %v, want ErrNotFound", err)
	}
}

func TestGateway_Withdrawal_ReserveAndReject(t *testing.T) {
	pool := setupPaymentsDB(t)
	gw := NewGateway(pool, paymentSettings, nil)
	ctx := context.Background()

	fundWallet(t, pool, "wd-reject", 500)

	p, err := gw.CreateWithdrawal(ctx, "wd-reject", 200)
	if err != nil {
		t.Fatalf("CreateWithdrawal() error = %v", err)
	}
	if p.Fee != 4 {
		t.Errorf("fee = %v, want 4 (2%% of 200)", p.Fee)
	}

	// The gross amount is reserved up front.
	if balance := walletBalance(t, pool, "wd-reject"); balance != 300 {
		t.Errorf("balance after reserve = %v, want 300", balance)
	}

	rejected, err := gw.Reject(ctx, p.ID, "admin", "kyc failed")
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if rejected.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", rejected.Status)
	}

	// Rejection returns the reservation in full, fee included.
	if balance := walletBalance(t, pool, "wd-reject"); balance != 500 {
		t.Errorf("balance after reject = %v, want 500", balance)
	}
}

func TestGateway_Withdrawal_InsufficientFunds(t *testing.T) {
	pool := setupPaymentsDB(t)
	gw := NewGateway(pool, paymentSettings, nil)

	fundWallet(t, pool, "wd-broke", 50)

	_, err := gw.CreateWithdrawal(context.Background(), "wd-broke", 100)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("CreateWithdrawal() error = %v, want ErrInsufficientFunds", err)
	}
	if balance := walletBalance(t, pool, "wd-broke"); balance != 50 {
		t.Errorf("balance = %v, want 50 (reservation rolled back)", balance)
	}
}

func TestGateway_Withdrawal_CompleteKeepsDebit(t *testing.T) {
	pool := setupPaymentsDB(t)
	gw := NewGateway(pool, paymentSettings, nil)
	ctx := context.Background()

	fundWallet(t, pool, "wd-done", 1000)

	p, err := gw.CreateWithdrawal(ctx, "wd-done", 400)
	if err != nil {
		t.Fatalf("CreateWithdrawal() error = %v", err)
	}
	if _, err := gw.HandleProviderCallback(ctx, "charge-wd-1", p.InvoicePayload, 400); err != nil {
		t.Fatalf("HandleProviderCallback() error = %v", err)
	}
	if _, err := gw.Complete(ctx, p.ID, "admin"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	// Completion pays out externally; the wallet keeps the debit.
	if balance := walletBalance(t, pool, "wd-done"); balance != 600 {
		t.Errorf("balance = %v, want 600", balance)
	}
}

func TestGateway_List_FiltersByStatus(t *testing.T) {
	pool := setupPaymentsDB(t)
	gw := NewGateway(pool, paymentSettings, nil)
	ctx := context.Background()

	p, err := gw.CreateDeposit(ctx, "list-player", 75)
	if err != nil {
		t.Fatalf("CreateDeposit() error = %v", err)
	}

	pending, err := gw.List(ctx, StatusPending, 100)
	if err != nil {
		t.Fatalf("List(pending) error = %v", err)
	}
	found := false
	for _, item := range pending {
		if item.ID == p.ID {
			found = true
		}
		if item.Status != StatusPending {
			t.Errorf("List(pending) returned payment %s with status %s", item.ID, item.Status)
		}
	}
	if !found {
		t.Errorf("List(pending) did not include payment %s", p.ID)
	}
}
