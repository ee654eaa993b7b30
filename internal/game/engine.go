package game

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"crashgame/internal/settings"
)

const (
	TICK_INTERVAL     = 100 * time.Millisecond
	INTER_ROUND_PAUSE = 3 * time.Second
	IDLE_POLL         = 1 * time.Second
	ABORT_BACKOFF     = 2 * time.Second
	REQUEST_TIMEOUT   = 5 * time.Second
)

// Broadcaster pushes round events to connected players.
type Broadcaster interface {
	Broadcast(message interface{})
}

// Config tunes engine timing. Tests shrink everything; production uses
// DefaultConfig with the bet window coming from the settings row.
type Config struct {
	TickInterval    time.Duration
	InterRoundPause time.Duration
	IdlePoll        time.Duration
	AbortBackoff    time.Duration
	RequestTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:    TICK_INTERVAL,
		InterRoundPause: INTER_ROUND_PAUSE,
		IdlePoll:        IDLE_POLL,
		AbortBackoff:    ABORT_BACKOFF,
		RequestTimeout:  REQUEST_TIMEOUT,
	}
}

// Engine drives one round at a time through accepting_bets -> flying ->
// crashed -> settled. A single goroutine owns every transition; bets and
// cashouts arrive over channels so round state is never touched concurrently.
type Engine struct {
	hub      Broadcaster
	ledger   Ledger
	rounds   RoundStore
	source   CrashSource
	settings func() settings.Setting
	rdb      *redis.Client
	cfg      Config

	ctx        context.Context
	stateMutex sync.RWMutex
	current    *RoundState
	halted     atomic.Bool

	betChannel     chan BetRequest
	cashoutChannel chan CashoutRequest
	stopChan       chan struct{}
	stopOnce       sync.Once
	nonce          int
}

func NewEngine(hub Broadcaster, ledger Ledger, rounds RoundStore, source CrashSource,
	settingsFn func() settings.Setting, rdb *redis.Client, cfg Config) *Engine {
	return &Engine{
		hub:            hub,
		ledger:         ledger,
		rounds:         rounds,
		source:         source,
		settings:       settingsFn,
		rdb:            rdb,
		cfg:            cfg,
		ctx:            context.Background(),
		betChannel:     make(chan BetRequest, 1000),
		cashoutChannel: make(chan CashoutRequest, 1000),
		stopChan:       make(chan struct{}),
	}
}

func (e *Engine) Start() {
	go e.gameLoop()
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
}

// Halted reports whether a settlement persistence failure stopped the loop.
func (e *Engine) Halted() bool {
	return e.halted.Load()
}

// CurrentRound returns a snapshot copy of the active round, nil when idle.
func (e *Engine) CurrentRound() *RoundState {
	e.stateMutex.RLock()
	defer e.stateMutex.RUnlock()
	if e.current == nil {
		return nil
	}
	roundCopy := *e.current
	return &roundCopy
}

// PlaceBet hands the request to the engine goroutine and waits for the
// serialized answer.
func (e *Engine) PlaceBet(req BetRequest) BetResult {
	respChan := make(chan BetResult, 1)
	req.ResponseChan = respChan

	select {
	case e.betChannel <- req:
		select {
		case resp := <-respChan:
			return resp
		case <-time.After(e.cfg.RequestTimeout):
			return BetResult{Err: fmt.Errorf("bet timeout")}
		}
	default:
		return BetResult{Err: fmt.Errorf("bet queue full")}
	}
}

func (e *Engine) Cashout(req CashoutRequest) CashoutResult {
	respChan := make(chan CashoutResult, 1)
	req.ResponseChan = respChan

	select {
	case e.cashoutChannel <- req:
		select {
		case resp := <-respChan:
			return resp
		case <-time.After(e.cfg.RequestTimeout):
			return CashoutResult{Err: fmt.Errorf("cashout timeout")}
		}
	default:
		return CashoutResult{Err: fmt.Errorf("cashout queue full")}
	}
}

func (e *Engine) gameLoop() {
	for {
		select {
		case <-e.stopChan:
			log.Println("[GAME] Game loop stopped")
			return
		default:
		}

		if e.halted.Load() {
			// Settlement failed; refuse everything until an operator
			// restarts the process with storage healthy again.
			e.idle(e.cfg.IdlePoll, ErrEngineHalted, ErrEngineHalted)
			continue
		}

		snap := e.settings()
		if snap.GameStatus != 1 {
			e.idle(e.cfg.IdlePoll, ErrGameDisabled, ErrGameDisabled)
			continue
		}

		e.runRound(snap)
	}
}

// idle serves the request channels while no round is running so callers get
// an immediate, typed answer instead of a timeout. Bets and cashouts carry
// separate causes: after a crash the pause rejects bets as closed but
// cashouts as too late.
func (e *Engine) idle(d time.Duration, betCause, cashoutCause error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return
		case bet := <-e.betChannel:
			if bet.ResponseChan != nil {
				bet.ResponseChan <- BetResult{Err: betCause}
			}
		case cashout := <-e.cashoutChannel:
			if cashout.ResponseChan != nil {
				cashout.ResponseChan <- CashoutResult{Err: cashoutCause}
			}
		case <-e.stopChan:
			return
		}
	}
}

// betWindow draws the betting duration from the configured range. Equal
// bounds degenerate to a fixed window.
func betWindow(snap settings.Setting) time.Duration {
	start := snap.StartGameRangeTimer
	end := snap.EndGameRangeTimer
	seconds := float64(start)
	if end > start {
		seconds += rand.Float64() * float64(end-start)
	}
	return time.Duration(seconds * float64(time.Second))
}

func (e *Engine) runRound(snap settings.Setting) {
	e.nonce++

	seed, err := e.source.Next(e.nonce)
	if err != nil {
		// The one retryable failure: no round was opened, nothing to refund.
		log.Printf("[GAME] Crash point generation failed: %v (retrying after backoff)", err)
		e.idle(e.cfg.AbortBackoff, ErrRoundClosed, ErrTooLate)
		return
	}

	roundID := fmt.Sprintf("R%d-%d", time.Now().Unix(), e.nonce)

	state := &RoundState{
		RoundID:           roundID,
		Nonce:             e.nonce,
		ServerSeed:        seed.ServerSeed,
		HashCommitment:    seed.Commitment,
		ClientSeed:        seed.ClientSeed,
		CrashMultiplier:   seed.CrashPoint,
		CurrentMultiplier: MIN_MULTIPLIER,
		Status:            StatusAcceptingBets,
		StartTime:         time.Now(),
	}

	if err := e.rounds.Create(e.ctx, state); err != nil {
		log.Printf("[GAME] Failed to open round %s: %v (retrying after backoff)", roundID, err)
		e.idle(e.cfg.AbortBackoff, ErrRoundClosed, ErrTooLate)
		return
	}

	e.stateMutex.Lock()
	e.current = state
	e.stateMutex.Unlock()

	e.snapshotRound(state)

	window := betWindow(snap)

	log.Printf("=== ROUND %s ===", roundID)
	log.Printf("[FAIR] Commitment: %s...", seed.Commitment[:16])
	log.Printf("[GAME] Betting window: %.1fs", window.Seconds())

	e.hub.Broadcast(map[string]interface{}{
		"type":       "round_start",
		"status":     StatusAcceptingBets,
		"round_id":   roundID,
		"commitment": seed.Commitment,
		"time_left":  window.Seconds(),
	})

	if !e.acceptBets(roundID, window) {
		return // stopped
	}

	e.fly(state, roundID)
}

// acceptBets serves bets until the window closes. Returns false on shutdown.
func (e *Engine) acceptBets(roundID string, window time.Duration) bool {
	timer := time.NewTimer(window)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return true
		case bet := <-e.betChannel:
			e.processBet(bet, roundID)
		case cashout := <-e.cashoutChannel:
			if cashout.ResponseChan != nil {
				cashout.ResponseChan <- CashoutResult{Err: ErrRoundClosed}
			}
		case <-e.stopChan:
			return false
		}
	}
}

func (e *Engine) fly(state *RoundState, roundID string) {
	if err := e.rounds.SetStatus(e.ctx, roundID, StatusFlying); err != nil {
		// Bets may exist; give the stakes back and try a fresh round.
		log.Printf("[GAME] Failed to start flight for %s: %v (aborting round)", roundID, err)
		e.abortRound(roundID)
		return
	}

	e.stateMutex.Lock()
	e.current.Status = StatusFlying
	e.stateMutex.Unlock()

	e.hub.Broadcast(map[string]interface{}{
		"type":     "round_running",
		"status":   StatusFlying,
		"round_id": roundID,
	})

	activeBets, err := e.ledger.OpenBets(e.ctx, roundID)
	if err != nil {
		// One retry. A second failure loses only auto-cashouts for this
		// round; manual cashouts hit the ledger directly and still work.
		activeBets, err = e.ledger.OpenBets(e.ctx, roundID)
		if err != nil {
			log.Printf("[GAME] Failed to load bets for %s: %v (auto-cashouts disabled this round)", roundID, err)
			activeBets = nil
		}
	}
	autoTargets := make(map[string]Bet, len(activeBets))
	for _, b := range activeBets {
		if b.AutoCashout > MIN_MULTIPLIER {
			autoTargets[b.PlayerID] = b
		}
	}

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(startTime).Seconds()
			currentMult := calculateMultiplier(elapsed)

			if currentMult >= state.CrashMultiplier {
				e.crash(state, roundID)
				return
			}

			e.stateMutex.Lock()
			e.current.CurrentMultiplier = currentMult
			e.stateMutex.Unlock()

			e.hub.Broadcast(map[string]interface{}{
				"type":       "update",
				"multiplier": currentMult,
				"round_id":   roundID,
			})

			// Auto-cashouts ride the tick loop so they stay serialized with
			// manual cashouts.
			for playerID, bet := range autoTargets {
				if currentMult >= bet.AutoCashout {
					e.processCashout(CashoutRequest{
						PlayerID:   playerID,
						RoundID:    roundID,
						Multiplier: bet.AutoCashout,
					}, roundID, currentMult)
					delete(autoTargets, playerID)
				}
			}

		case cashout := <-e.cashoutChannel:
			e.stateMutex.RLock()
			currentMult := e.current.CurrentMultiplier
			e.stateMutex.RUnlock()
			if e.processCashout(cashout, roundID, currentMult) {
				delete(autoTargets, cashout.PlayerID)
			}

		case bet := <-e.betChannel:
			if bet.ResponseChan != nil {
				bet.ResponseChan <- BetResult{Err: ErrRoundClosed}
			}

		case <-e.stopChan:
			return
		}
	}
}

func (e *Engine) crash(state *RoundState, roundID string) {
	crashedAt := time.Now()

	e.stateMutex.Lock()
	e.current.Status = StatusCrashed
	e.current.CurrentMultiplier = state.CrashMultiplier
	e.current.CrashTime = crashedAt
	e.stateMutex.Unlock()

	if err := e.rounds.MarkCrashed(e.ctx, roundID, crashedAt); err != nil {
		e.halt("mark crashed", err)
		return
	}

	e.hub.Broadcast(map[string]interface{}{
		"type":        "crash",
		"multiplier":  state.CrashMultiplier,
		"server_seed": state.ServerSeed,
		"round_id":    roundID,
	})

	// Settlement is the path that must never run twice. Any storage failure
	// here halts the engine instead of risking a double payout.
	if err := e.ledger.SettleRound(e.ctx, roundID); err != nil {
		e.halt("settle round", err)
		return
	}

	e.stateMutex.Lock()
	e.current.Status = StatusSettled
	e.stateMutex.Unlock()
	e.snapshotRound(e.CurrentRound())

	e.hub.Broadcast(map[string]interface{}{
		"type":       "round_settled",
		"round_id":   roundID,
		"multiplier": state.CrashMultiplier,
	})

	log.Printf("=== ROUND %s ENDED at %.2fx ===", roundID, state.CrashMultiplier)

	// Pause between rounds, still answering requests.
	e.idle(e.cfg.InterRoundPause, ErrRoundClosed, ErrTooLate)
}

func (e *Engine) abortRound(roundID string) {
	if err := e.ledger.RefundRound(e.ctx, roundID); err != nil {
		// Could not return stakes; treat like a settlement failure.
		e.halt("refund round", err)
		return
	}

	e.stateMutex.Lock()
	e.current.Status = StatusAborted
	e.stateMutex.Unlock()

	e.hub.Broadcast(map[string]interface{}{
		"type":     "round_aborted",
		"round_id": roundID,
	})

	e.idle(e.cfg.AbortBackoff, ErrRoundClosed, ErrTooLate)
}

func (e *Engine) halt(op string, err error) {
	e.halted.Store(true)
	log.Printf("[GAME] HALTED during %s: %v", op, err)
	e.hub.Broadcast(map[string]interface{}{
		"type": "engine_halted",
	})
}

// calculateMultiplier computes the running multiplier from elapsed seconds.
func calculateMultiplier(elapsed float64) float64 {
	mult := 1.0 + (elapsed / 1.5) + (elapsed * elapsed * 0.005)
	return float64(int(mult*100)) / 100.0
}

func (e *Engine) processBet(req BetRequest, roundID string) {
	resp := BetResult{}
	defer func() {
		if req.ResponseChan != nil {
			req.ResponseChan <- resp
		}
	}()

	if req.RoundID != "" && req.RoundID != roundID {
		resp.Err = ErrRoundClosed
		return
	}

	bet, balance, err := e.ledger.PlaceBet(e.ctx, req.PlayerID, roundID, req.Amount, req.AutoCashout)
	if err != nil {
		resp.Err = err
		return
	}

	resp.Bet = bet
	resp.Balance = balance

	e.hub.Broadcast(map[string]interface{}{
		"type": "bet_placed",
		"data": BetPlacedMessage{
			PlayerID: bet.PlayerID,
			Amount:   bet.Amount,
			BetID:    bet.ID,
		},
	})

	log.Printf("[BET] Player %s placed %.2f on %s", bet.PlayerID, bet.Amount, roundID)
}

func (e *Engine) processCashout(req CashoutRequest, roundID string, currentMult float64) bool {
	resp := CashoutResult{}
	defer func() {
		if req.ResponseChan != nil {
			req.ResponseChan <- resp
		}
	}()

	if req.RoundID != "" && req.RoundID != roundID {
		resp.Err = ErrTooLate
		return false
	}

	at := req.Multiplier
	if at == 0 {
		at = currentMult
	}
	if at > currentMult {
		// The requested rate was never reached; the bet stays open and
		// settles as a loss if the round crashes first.
		resp.Err = ErrTooLate
		return false
	}

	result, err := e.ledger.CashOut(e.ctx, req.PlayerID, roundID, at)
	if err != nil {
		resp.Err = err
		return false
	}
	resp = result

	e.hub.Broadcast(map[string]interface{}{
		"type": "cashout",
		"data": CashoutMessage{
			PlayerID:   req.PlayerID,
			Multiplier: result.Multiplier,
			Payout:     result.Payout,
		},
	})

	log.Printf("[CASHOUT] Player %s cashed out at %.2fx (payout %.2f)", req.PlayerID, result.Multiplier, result.Payout)
	return true
}

// snapshotRound caches the public round state in Redis for reconnecting
// clients; best effort.
func (e *Engine) snapshotRound(state *RoundState) {
	if e.rdb == nil || state == nil {
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := e.rdb.Set(e.ctx, REDIS_KEY_ROUND_PREFIX+state.RoundID, data, 1*time.Hour).Err(); err != nil {
		log.Printf("[GAME] Round snapshot failed: %v", err)
	}
}
