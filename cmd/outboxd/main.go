package main

import (
	"context"
	"log"
	"os"

	"github.com/dmitrijs2005/outboxd/internal/app"
	"github.com/dmitrijs2005/outboxd/internal/config"
)

func main() {

	ctx := context.Background()
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		log.Printf("config: %v", err)
		os.Exit(2)
	}

	a, err := app.NewApp(ctx, cfg, nil)
	if err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}
}
