package game

import (
	"errors"
	"fmt"
)

var (
	// ErrGameDisabled is returned for round-dependent operations while the
	// admin has set game_status to 0 and no round is running.
	ErrGameDisabled = errors.New("game is disabled")

	// ErrRoundClosed rejects bets once the betting window has closed, and
	// cashouts before the round is flying.
	ErrRoundClosed = errors.New("betting is closed")

	// ErrTooLate rejects cashouts after the round crashed, or at a
	// multiplier the round never reached.
	ErrTooLate = errors.New("round already crashed")

	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrBetExists enforces one bet per player per round.
	ErrBetExists = errors.New("bet already placed for this round")

	ErrBetNotFound = errors.New("no bet found for this round")

	ErrRoundNotFound = errors.New("round not found")

	// ErrEngineHalted is returned after a settlement persistence failure
	// stopped the engine. No new rounds start until an operator intervenes.
	ErrEngineHalted = errors.New("game engine halted")
)

// InvalidAmountError reports a bet outside the configured bounds.
type InvalidAmountError struct {
	Amount float64
	Min    float64
	Max    float64
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("bet amount %.2f outside allowed range [%.2f, %.2f]", e.Amount, e.Min, e.Max)
}

// PersistenceError wraps a storage failure. On the settlement path it is
// fatal: the engine halts rather than risk paying a round twice.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
