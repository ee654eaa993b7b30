package server

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"crashgame/internal/audit"
	"crashgame/internal/cache"
	"crashgame/internal/database"
	"crashgame/internal/game"
	"crashgame/internal/payments"
	"crashgame/internal/settings"
)

type FiberServer struct {
	*fiber.App

	db       database.Service
	cache    cache.Service
	settings *settings.Store
	engine   *game.Engine
	hub      *game.Hub
	ledger   game.Ledger
	rounds   game.RoundStore
	payments *payments.Gateway

	cancelRefresh context.CancelFunc
}

func New() *FiberServer {
	db := database.New()

	redisService, err := cache.New()
	if err != nil {
		log.Fatalf("[SERVER] Redis is required for game functionality: %v", err)
	}

	recorder := audit.New(db.Pool())

	settingsStore := settings.NewStore(db.Pool(), recorder)
	if err := settingsStore.Load(context.Background()); err != nil {
		log.Fatalf("[SERVER] Failed to load settings: %v", err)
	}
	refreshCtx, cancelRefresh := context.WithCancel(context.Background())
	settingsStore.StartRefresh(refreshCtx, 30*time.Second)

	hub := game.NewHub()
	ledger := game.NewLedger(db.Pool(), redisService.GetClient(), settingsStore.Get)
	rounds := game.NewRoundStore(db.Pool())
	engine := game.NewEngine(hub, ledger, rounds, game.FairSource{},
		settingsStore.Get, redisService.GetClient(), game.DefaultConfig())

	gateway := payments.NewGateway(db.Pool(), settingsStore.Get, recorder)

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crashgame",
			AppName:       "crashgame",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		db:            db,
		cache:         redisService,
		settings:      settingsStore,
		engine:        engine,
		hub:           hub,
		ledger:        ledger,
		rounds:        rounds,
		payments:      gateway,
		cancelRefresh: cancelRefresh,
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	go hub.Run()
	engine.Start()

	log.Println("[SERVER] Round engine started")

	return server
}

// Shutdown stops the engine and closes connections. The engine finishes its
// current transition before the process exits.
func (s *FiberServer) Shutdown() error {
	log.Println("[SERVER] Shutting down...")

	if s.engine != nil {
		s.engine.Stop()
	}
	if s.cancelRefresh != nil {
		s.cancelRefresh()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}

	return nil
}
