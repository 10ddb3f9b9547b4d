package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sealedvote/sealedvote/app/gateway"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app := gateway.Initialize(ctx)

	app.Start(ctx)
}
