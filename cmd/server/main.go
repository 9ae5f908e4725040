package main

import (
	"context"
	"log"
	"os"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/logging"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := logging.NewJSONLogger(os.Stdout, cfg.LogLevel)

	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "init failed", "error", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		os.Exit(1)
	}

}
