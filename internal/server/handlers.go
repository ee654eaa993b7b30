package server

import (
	"encoding/json"
	"log"
	"strconv"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"crashgame/internal/game"
	"crashgame/internal/payments"
	"crashgame/internal/settings"
)

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	gameStatus := "running"
	if s.engine.Halted() {
		gameStatus = "halted"
	}
	health := fiber.Map{
		"database": s.db.Health(),
		"cache":    s.cache.Health(),
		"game": fiber.Map{
			"status":            gameStatus,
			"connected_clients": s.hub.GetClientCount(),
		},
	}
	return c.JSON(health)
}

// Admin settings

func (s *FiberServer) getSettingsHandler(c *fiber.Ctx) error {
	return jsonResult(c, s.settings.Get())
}

func (s *FiberServer) updateSettingsHandler(c *fiber.Ctx) error {
	var update settings.Update
	if err := c.BodyParser(&update); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid request body")
	}

	actor := c.Get("X-Admin-Actor", "admin")
	updated, err := s.settings.Update(c.Context(), update, actor)
	if err != nil {
		return errResponse(c, err)
	}
	return jsonResult(c, updated)
}

// Game

func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	state := s.engine.CurrentRound()
	if state == nil {
		return jsonError(c, fiber.StatusNotFound, "no active round")
	}
	return jsonResult(c, state)
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req game.BetRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.PlayerID == "" {
		return jsonError(c, fiber.StatusBadRequest, "player_id is required")
	}

	resp := s.engine.PlaceBet(req)
	if resp.Err != nil {
		return errResponse(c, resp.Err)
	}
	return jsonResult(c, fiber.Map{
		"bet":     resp.Bet,
		"balance": resp.Balance,
	})
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var req game.CashoutRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.PlayerID == "" {
		return jsonError(c, fiber.StatusBadRequest, "player_id is required")
	}

	resp := s.engine.Cashout(req)
	if resp.Err != nil {
		return errResponse(c, resp.Err)
	}
	return jsonResult(c, fiber.Map{
		"multiplier": resp.Multiplier,
		"payout":     resp.Payout,
		"balance":    resp.Balance,
	})
}

func (s *FiberServer) roundHistoryHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}
	records, err := s.rounds.Recent(c.Context(), limit)
	if err != nil {
		return errResponse(c, err)
	}
	return jsonResult(c, records)
}

// verifyRoundHandler recomputes the crash point from the revealed seed so
// players can check fairness themselves.
func (s *FiberServer) verifyRoundHandler(c *fiber.Ctx) error {
	roundID := c.Params("roundId")

	record, err := s.rounds.Find(c.Context(), roundID)
	if err != nil {
		return errResponse(c, err)
	}
	if record.ServerSeed == "" {
		return jsonError(c, fiber.StatusConflict, "round still in progress")
	}

	verified := game.VerifyRound(record.ServerSeed, record.ClientSeed, record.Nonce, record.CrashMultiplier)
	return jsonResult(c, fiber.Map{
		"round":    record,
		"verified": verified,
	})
}

func (s *FiberServer) getBalanceHandler(c *fiber.Ctx) error {
	playerID := c.Params("playerId")
	if playerID == "" {
		return jsonError(c, fiber.StatusBadRequest, "player_id is required")
	}

	balance, err := s.ledger.Balance(c.Context(), playerID)
	if err != nil {
		return errResponse(c, err)
	}
	return jsonResult(c, fiber.Map{
		"player_id": playerID,
		"balance":   balance,
	})
}

// Payments

type paymentRequest struct {
	PlayerID string  `json:"player_id"`
	Amount   float64 `json:"amount"`
}

func (s *FiberServer) createDepositHandler(c *fiber.Ctx) error {
	var req paymentRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.PlayerID == "" {
		return jsonError(c, fiber.StatusBadRequest, "player_id is required")
	}

	payment, err := s.payments.CreateDeposit(c.Context(), req.PlayerID, req.Amount)
	if err != nil {
		return errResponse(c, err)
	}
	return jsonResult(c, payment)
}

func (s *FiberServer) createWithdrawalHandler(c *fiber.Ctx) error {
	var req paymentRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.PlayerID == "" {
		return jsonError(c, fiber.StatusBadRequest, "player_id is required")
	}

	payment, err := s.payments.CreateWithdrawal(c.Context(), req.PlayerID, req.Amount)
	if err != nil {
		return errResponse(c, err)
	}
	return jsonResult(c, payment)
}

type telegramCallback struct {
	TelegramChargeID       string  `json:"telegram_charge_id"`
	TelegramInvoicePayload string  `json:"telegram_invoice_payload"`
	Amount                 float64 `json:"amount"`
}

// telegramCallbackHandler accepts the provider webhook. Replays with a known
// charge id answer 200 so the provider stops retrying.
func (s *FiberServer) telegramCallbackHandler(c *fiber.Ctx) error {
	var cb telegramCallback
	if err := c.BodyParser(&cb); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid request body")
	}

	payment, err := s.payments.HandleProviderCallback(c.Context(),
		cb.TelegramChargeID, cb.TelegramInvoicePayload, cb.Amount)
	if err != nil {
		return errResponse(c, err)
	}
	return jsonResult(c, payment)
}

// Admin payments

func (s *FiberServer) listPaymentsHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	status := payments.Status(c.Query("status"))

	list, err := s.payments.List(c.Context(), status, limit)
	if err != nil {
		return errResponse(c, err)
	}
	return jsonResult(c, list)
}

func (s *FiberServer) completePaymentHandler(c *fiber.Ctx) error {
	actor := c.Get("X-Admin-Actor", "admin")
	payment, err := s.payments.Complete(c.Context(), c.Params("id"), actor)
	if err != nil {
		return errResponse(c, err)
	}
	return jsonResult(c, payment)
}

func (s *FiberServer) rejectPaymentHandler(c *fiber.Ctx) error {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.BodyParser(&body); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid request body")
	}

	actor := c.Get("X-Admin-Actor", "admin")
	payment, err := s.payments.Reject(c.Context(), c.Params("id"), actor, body.Reason)
	if err != nil {
		return errResponse(c, err)
	}
	return jsonResult(c, payment)
}

// WebSocket

// gameWebSocketHandler streams round state and accepts place_bet / cashout
// messages over the persistent connection.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	playerID := conn.Query("player_id", "anonymous")

	log.Printf("[WS] New connection from player: %s", playerID)

	client := s.hub.RegisterClient(conn, playerID)
	client.SendInitialState(s.engine.CurrentRound())

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[WS] Read error for player %s: %v", playerID, err)
			s.hub.UnregisterClient(conn)
			break
		}

		if messageType != websocket.TextMessage {
			continue
		}

		var clientMsg map[string]interface{}
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			continue
		}

		msgType, ok := clientMsg["type"].(string)
		if !ok {
			continue
		}

		switch msgType {
		case "place_bet":
			amount := toFloat(clientMsg["amount"])
			autoCashout := toFloat(clientMsg["auto_cashout"])

			resp := s.engine.PlaceBet(game.BetRequest{
				PlayerID:    playerID,
				Amount:      amount,
				AutoCashout: autoCashout,
			})

			writeWSResult(client, "bet_result", resp.Err, fiber.Map{
				"bet":     resp.Bet,
				"balance": resp.Balance,
			})

		case "cashout":
			resp := s.engine.Cashout(game.CashoutRequest{
				PlayerID:   playerID,
				Multiplier: toFloat(clientMsg["multiplier"]),
			})

			writeWSResult(client, "cashout_result", resp.Err, fiber.Map{
				"multiplier": resp.Multiplier,
				"payout":     resp.Payout,
				"balance":    resp.Balance,
			})

		case "ping":
			client.Send(map[string]string{"type": "pong"})
		}
	}
}

// writeWSResult replies through the client's serialized send path. Writing
// to the raw connection here would race the hub's broadcast goroutines.
func writeWSResult(client *game.Client, msgType string, err error, data fiber.Map) {
	client.Send(wsResultPayload(msgType, err, data))
}

func wsResultPayload(msgType string, err error, data fiber.Map) fiber.Map {
	payload := fiber.Map{"type": msgType}
	if err != nil {
		payload["success"] = false
		payload["message"] = err.Error()
	} else {
		payload["success"] = true
		payload["data"] = data
	}
	return payload
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}
