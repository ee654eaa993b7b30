package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"crashgame/internal/audit"
	"crashgame/internal/settings"
	"crashgame/internal/wallet"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
)

type Direction string

const (
	DirectionDeposit    Direction = "deposit"
	DirectionWithdrawal Direction = "withdrawal"
)

// PaymentTypeTelegram is currently the only provider.
const PaymentTypeTelegram = "telegram"

var (
	ErrNotFound          = errors.New("payment not found")
	ErrInvalidTransition = errors.New("invalid payment state transition")
	ErrInsufficientFunds = wallet.ErrInsufficientFunds
)

// ValidationError reports a bad payment request (4xx-equivalent).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

type Payment struct {
	ID             string    `json:"id"`
	PlayerID       string    `json:"player_id"`
	Type           string    `json:"type"`
	Direction      Direction `json:"direction"`
	Amount         float64   `json:"amount"`
	Fee            float64   `json:"fee"`
	Status         Status    `json:"status"`
	ChargeID       *string   `json:"charge_id,omitempty"`
	InvoicePayload string    `json:"invoice_payload"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// validTransitions is the whole state machine: pending -> approved ->
// completed, with pending -> rejected as the only other edge. Rejected and
// completed are terminal.
var validTransitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WithdrawalFee computes the fee for a gross withdrawal amount at the given
// percentage, rounded to 2 decimal places.
func WithdrawalFee(amount, feePercent float64) float64 {
	fee := decimal.NewFromFloat(amount).
		Mul(decimal.NewFromFloat(feePercent)).
		Div(decimal.NewFromInt(100)).
		Round(2)
	f, _ := fee.Float64()
	return f
}

// Gateway moves payments through their state machine, independent of round
// timing. Provider callbacks approve, admins (or a reconciliation job)
// complete, and only completion touches the wallet for deposits.
type Gateway struct {
	pool     *pgxpool.Pool
	wallets  wallet.Store
	settings func() settings.Setting
	audit    *audit.Recorder
}

func NewGateway(pool *pgxpool.Pool, settingsFn func() settings.Setting, recorder *audit.Recorder) *Gateway {
	return &Gateway{pool: pool, settings: settingsFn, audit: recorder}
}

const paymentColumns = `id, player_id, type, direction, amount, fee, status,
	charge_id, invoice_payload, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.PlayerID, &p.Type, &p.Direction, &p.Amount, &p.Fee,
		&p.Status, &p.ChargeID, &p.InvoicePayload, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return &p, nil
}

// CreateDeposit opens a pending deposit. The invoice payload doubles as the
// provider correlation key and is sent with the Telegram invoice.
func (g *Gateway) CreateDeposit(ctx context.Context, playerID string, amount float64) (*Payment, error) {
	if amount <= 0 {
		return nil, &ValidationError{Reason: "amount must be positive"}
	}
	minRecharge := g.settings().MinRecharge
	if decimal.NewFromFloat(amount).LessThan(decimal.NewFromFloat(minRecharge)) {
		return nil, &ValidationError{Reason: fmt.Sprintf("minimum recharge is %.2f", minRecharge)}
	}

	id := uuid.NewString()
	p, err := scanPayment(g.pool.QueryRow(ctx, `
		INSERT INTO payments (id, player_id, type, direction, amount, invoice_payload)
		VALUES ($1, $2, $3, $4, $5, $1)
		RETURNING `+paymentColumns,
		id, playerID, PaymentTypeTelegram, DirectionDeposit, amount))
	if err != nil {
		return nil, fmt.Errorf("create deposit: %w", err)
	}

	log.Printf("[PAY] Deposit %s opened for player %s (%.2f)", p.ID, playerID, amount)
	return p, nil
}

// CreateWithdrawal opens a pending withdrawal and reserves the gross amount
// from the player's balance in the same transaction. The fee is locked in at
// request time from the current settings snapshot.
func (g *Gateway) CreateWithdrawal(ctx context.Context, playerID string, amount float64) (*Payment, error) {
	if amount <= 0 {
		return nil, &ValidationError{Reason: "amount must be positive"}
	}
	fee := WithdrawalFee(amount, g.settings().WithdrawalFee)

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("create withdrawal: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := g.wallets.Debit(ctx, tx, playerID, amount); err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			return nil, ErrInsufficientFunds
		}
		return nil, fmt.Errorf("create withdrawal: %w", err)
	}

	id := uuid.NewString()
	p, err := scanPayment(tx.QueryRow(ctx, `
		INSERT INTO payments (id, player_id, type, direction, amount, fee, invoice_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $1)
		RETURNING `+paymentColumns,
		id, playerID, PaymentTypeTelegram, DirectionWithdrawal, amount, fee))
	if err != nil {
		return nil, fmt.Errorf("create withdrawal: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("create withdrawal: %w", err)
	}

	log.Printf("[PAY] Withdrawal %s opened for player %s (%.2f, fee %.2f)", p.ID, playerID, amount, fee)
	return p, nil
}

// HandleProviderCallback records a confirmed charge and moves the payment
// from pending to approved. The provider retries webhooks, so a replay with
// the same charge id must be a no-op, never a second credit.
func (g *Gateway) HandleProviderCallback(ctx context.Context, chargeID, invoicePayload string, amount float64) (*Payment, error) {
	if chargeID == "" || invoicePayload == "" {
		return nil, &ValidationError{Reason: "charge id and invoice payload are required"}
	}

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("provider callback: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanPayment(tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE invoice_payload = $1 FOR UPDATE`,
		invoicePayload))
	if err != nil {
		return nil, err
	}

	// Replay: this charge was already recorded on this payment.
	if p.ChargeID != nil && *p.ChargeID == chargeID {
		return p, nil
	}

	if p.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, p.ID, p.Status)
	}
	if p.Amount != amount {
		return nil, &ValidationError{Reason: fmt.Sprintf("amount mismatch: expected %.2f, got %.2f", p.Amount, amount)}
	}

	p, err = scanPayment(tx.QueryRow(ctx, `
		UPDATE payments SET status = $2, charge_id = $3, updated_at = now()
		WHERE id = $1 AND status = $4
		RETURNING `+paymentColumns,
		p.ID, StatusApproved, chargeID, StatusPending))
	if err != nil {
		return nil, fmt.Errorf("approve payment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("provider callback: %w", err)
	}

	log.Printf("[PAY] Payment %s approved (charge %s)", p.ID, chargeID)
	return p, nil
}

// Complete finishes an approved payment. Deposits credit the wallet in the
// same transaction; the status guard makes the credit exactly-once.
func (g *Gateway) Complete(ctx context.Context, id, actor string) (*Payment, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("complete payment: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanPayment(tx.QueryRow(ctx, `
		UPDATE payments SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
		RETURNING `+paymentColumns,
		id, StatusCompleted, StatusApproved))
	if errors.Is(err, ErrNotFound) {
		existing, ferr := g.Get(ctx, id)
		if ferr != nil {
			return nil, ferr
		}
		if existing.Status == StatusCompleted {
			return existing, nil // already done
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, existing.Status)
	}
	if err != nil {
		return nil, err
	}

	if p.Direction == DirectionDeposit {
		if _, err := g.wallets.Credit(ctx, tx, p.PlayerID, p.Amount); err != nil {
			return nil, fmt.Errorf("complete payment: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("complete payment: %w", err)
	}

	if g.audit != nil {
		g.audit.Record(ctx, actor, "payment.complete", p)
	}
	log.Printf("[PAY] Payment %s completed by %s", p.ID, actor)
	return p, nil
}

// Reject terminates a pending payment. A rejected withdrawal returns the
// reserved amount. There is no retry: a new payment must be created.
func (g *Gateway) Reject(ctx context.Context, id, actor, reason string) (*Payment, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("reject payment: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanPayment(tx.QueryRow(ctx, `
		UPDATE payments SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
		RETURNING `+paymentColumns,
		id, StatusRejected, StatusPending))
	if errors.Is(err, ErrNotFound) {
		existing, ferr := g.Get(ctx, id)
		if ferr != nil {
			return nil, ferr
		}
		if existing.Status == StatusRejected {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, existing.Status)
	}
	if err != nil {
		return nil, err
	}

	if p.Direction == DirectionWithdrawal {
		if _, err := g.wallets.Credit(ctx, tx, p.PlayerID, p.Amount); err != nil {
			return nil, fmt.Errorf("reject payment: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("reject payment: %w", err)
	}

	if g.audit != nil {
		g.audit.Record(ctx, actor, "payment.reject", map[string]string{"id": id, "reason": reason})
	}
	log.Printf("[PAY] Payment %s rejected by %s: %s", p.ID, actor, reason)
	return p, nil
}

func (g *Gateway) Get(ctx context.Context, id string) (*Payment, error) {
	return scanPayment(g.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

// List returns payments filtered by status, newest first.
func (g *Gateway) List(ctx context.Context, status Status, limit int) ([]Payment, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.PlayerID, &p.Type, &p.Direction, &p.Amount, &p.Fee,
			&p.Status, &p.ChargeID, &p.InvoicePayload, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list payments: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
