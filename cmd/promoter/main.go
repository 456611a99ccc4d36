package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/ppdbx/chunkpromoter/app/promoter"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app := promoter.Initialize(ctx)

	app.Start(ctx)
}
