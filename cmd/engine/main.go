package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/canopy-network/twbx/app/engine"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app := engine.Initialize(ctx)

	app.Start(ctx)
}
