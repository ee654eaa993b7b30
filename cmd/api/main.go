package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"crashgame/internal/server"
)

func main() {
	srv := server.New()
	srv.RegisterFiberRoutes()

	done := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		if err := srv.Shutdown(); err != nil {
			log.Printf("[SERVER] Shutdown error: %v", err)
		}
		if err := srv.App.Shutdown(); err != nil {
			log.Printf("[SERVER] HTTP shutdown error: %v", err)
		}
		close(done)
	}()

	port, _ := strconv.Atoi(os.Getenv("PORT"))
	if port == 0 {
		port = 8080
	}

	if err := srv.Listen(fmt.Sprintf(":%d", port)); err != nil {
		log.Fatalf("[SERVER] Listen error: %v", err)
	}

	<-done
	log.Println("[SERVER] Goodbye")
}
