package server

import (
	"errors"
	"os"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"crashgame/internal/game"
	"crashgame/internal/payments"
	"crashgame/internal/settings"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type,X-Admin-Token",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	// Player-facing game routes
	api.Get("/game/state", s.getGameStateHandler)
	api.Post("/game/bet", s.placeBetHandler)
	api.Post("/game/cashout", s.cashoutHandler)
	api.Get("/game/rounds", s.roundHistoryHandler)
	api.Get("/game/rounds/:roundId/verify", s.verifyRoundHandler)
	api.Get("/user/:playerId/balance", s.getBalanceHandler)

	// Payments
	api.Post("/payments/deposit", s.createDepositHandler)
	api.Post("/payments/withdraw", s.createWithdrawalHandler)
	api.Post("/payments/telegram/callback", s.telegramCallbackHandler)

	// Admin routes
	admin := api.Group("/admin", s.adminAuth)
	admin.Get("/settings", s.getSettingsHandler)
	admin.Put("/settings", s.updateSettingsHandler)
	admin.Get("/payments", s.listPaymentsHandler)
	admin.Post("/payments/:id/complete", s.completePaymentHandler)
	admin.Post("/payments/:id/reject", s.rejectPaymentHandler)

	// WebSocket route
	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}

// adminAuth gates admin endpoints on a shared token. An empty ADMIN_TOKEN
// disables the check for local development.
func (s *FiberServer) adminAuth(c *fiber.Ctx) error {
	token := os.Getenv("ADMIN_TOKEN")
	if token != "" && c.Get("X-Admin-Token") != token {
		return jsonError(c, fiber.StatusUnauthorized, "invalid admin token")
	}
	return c.Next()
}

// jsonResult and jsonError are the response envelope: {success, result|message}.
func jsonResult(c *fiber.Ctx, result any) error {
	return c.JSON(fiber.Map{
		"success": true,
		"result":  result,
	})
}

func jsonError(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"message": message,
	})
}

// errResponse maps the error taxonomy to HTTP statuses. Internal errors never
// leak raw messages.
func errResponse(c *fiber.Ctx, err error) error {
	var validationErr *settings.ValidationError
	var amountErr *game.InvalidAmountError
	var paymentValidationErr *payments.ValidationError
	var persistenceErr *game.PersistenceError

	switch {
	case errors.As(err, &validationErr),
		errors.As(err, &amountErr),
		errors.As(err, &paymentValidationErr):
		return jsonError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, game.ErrInsufficientBalance),
		errors.Is(err, payments.ErrInsufficientFunds):
		return jsonError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, game.ErrGameDisabled):
		return jsonError(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, game.ErrRoundClosed),
		errors.Is(err, game.ErrTooLate),
		errors.Is(err, game.ErrBetExists),
		errors.Is(err, payments.ErrInvalidTransition):
		return jsonError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, game.ErrBetNotFound),
		errors.Is(err, game.ErrRoundNotFound),
		errors.Is(err, payments.ErrNotFound):
		return jsonError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, game.ErrEngineHalted):
		return jsonError(c, fiber.StatusServiceUnavailable, err.Error())
	case errors.As(err, &persistenceErr):
		return jsonError(c, fiber.StatusInternalServerError, "storage failure")
	default:
		return jsonError(c, fiber.StatusInternalServerError, "internal error")
	}
}
