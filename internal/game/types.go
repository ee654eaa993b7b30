package game

import (
	"time"
)

// Round lifecycle. Exactly one round is ever in a non-terminal state.
const (
	StatusAcceptingBets = "accepting_bets"
	StatusFlying        = "flying"
	StatusCrashed       = "crashed"
	StatusSettled       = "settled"
	StatusAborted       = "aborted"
)

// Bet lifecycle. A bet is immutable once its round settles.
const (
	BetStatusOpen      = "open"
	BetStatusCashedOut = "cashed_out"
	BetStatusLost      = "lost"
	BetStatusRefunded  = "refunded"
)

type RoundState struct {
	RoundID           string    `json:"round_id"`
	Nonce             int       `json:"nonce"`
	ServerSeed        string    `json:"-"` // Never expose until reveal
	HashCommitment    string    `json:"hash_commitment"`
	ClientSeed        string    `json:"client_seed"`
	CrashMultiplier   float64   `json:"-"` // Hidden until crash
	CurrentMultiplier float64   `json:"current_multiplier"`
	Status            string    `json:"status"`
	StartTime         time.Time `json:"start_time"`
	CrashTime         time.Time `json:"crash_time,omitempty"`
}

type Bet struct {
	ID                string     `json:"bet_id"`
	PlayerID          string     `json:"player_id"`
	RoundID           string     `json:"round_id"`
	Amount            float64    `json:"amount"`
	AutoCashout       float64    `json:"auto_cashout,omitempty"`
	CashoutMultiplier *float64   `json:"cashout_multiplier,omitempty"`
	Payout            float64    `json:"payout"`
	Status            string     `json:"status"`
	PlacedAt          time.Time  `json:"placed_at"`
}

type BetRequest struct {
	PlayerID     string         `json:"player_id"`
	RoundID      string         `json:"round_id,omitempty"`
	Amount       float64        `json:"amount"`
	AutoCashout  float64        `json:"auto_cashout,omitempty"`
	ResponseChan chan BetResult `json:"-"`
}

type BetResult struct {
	Bet     *Bet
	Balance float64
	Err     error
}

type CashoutRequest struct {
	PlayerID string `json:"player_id"`
	RoundID  string `json:"round_id,omitempty"`
	// Multiplier is the rate the player locks in. Zero means the current
	// running multiplier at the time the request is processed.
	Multiplier   float64            `json:"multiplier,omitempty"`
	ResponseChan chan CashoutResult `json:"-"`
}

type CashoutResult struct {
	Multiplier float64
	Payout     float64
	Balance    float64
	Err        error
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type BetPlacedMessage struct {
	PlayerID string  `json:"player_id"`
	Amount   float64 `json:"amount"`
	BetID    string  `json:"bet_id"`
}

type CashoutMessage struct {
	PlayerID   string  `json:"player_id"`
	Multiplier float64 `json:"multiplier"`
	Payout     float64 `json:"payout"`
}
