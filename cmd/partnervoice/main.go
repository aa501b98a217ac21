package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("main")

func main() {
	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	cli, kctx := newCLI()
	kctx.Bind(cli)
	kctx.BindTo(ctx, (*context.Context)(nil))

	err := kctx.Run()
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "partnervoice: %v\n", err)
		os.Exit(1)
	}
}
