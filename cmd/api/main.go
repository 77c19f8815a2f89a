package main

import (
	"context"
	"log"
	"os"

	"consentflow/auth"
	"consentflow/consent"
	"consentflow/db"
	"consentflow/ledger"
)

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	relayerURL := os.Getenv("LEDGER_API_URL")
	if relayerURL == "" {
		relayerURL = "http://127.0.0.1:8545"
		log.Printf("LEDGER_API_URL not set, using %s", relayerURL)
	}

	authService := auth.NewService(auth.NewRepository(pool), jwtSecret)
	gateway := ledger.NewClient(relayerURL, os.Getenv("LEDGER_API_KEY"))

	consentService := consent.NewService(
		pool,
		consent.NewRepository(pool),
		gateway,
		authService,
		consent.NewTimeline(),
		consent.NewOutbox(),
	)

	log.Printf("consent service ready: %+v", consentService != nil)
}
