// Command kurir-collector receives error reports sent by kurir.Reporter. It
// is meant for local development and end-to-end tests.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ambiyansyah-risyal/kurir"
)

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	dir := flag.String("dir", "", "store reports as JSON files in this directory")
	redisURL := flag.String("redis", "", "store reports in this Redis instance")
	development := flag.Bool("dev", false, "human readable logs")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(kurir.GetVersion())
		return
	}

	logger, err := newLogger(*development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, *dir, *redisURL)
	if err != nil {
		logger.Fatal("Failed to open report store", zap.Error(err))
	}

	if err := NewServer(store, logger).Run(ctx, *addr); err != nil {
		logger.Fatal("Collector failed", zap.Error(err))
	}
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openStore(ctx context.Context, dir, redisURL string) (kurir.FallbackStore, error) {
	switch {
	case dir != "" && redisURL != "":
		return nil, fmt.Errorf("use only one of -dir and -redis")
	case dir != "":
		return kurir.NewFileFallback(dir)
	case redisURL != "":
		return kurir.NewRedisFallbackFromURL(ctx, redisURL)
	default:
		return kurir.NewMemoryFallback(), nil
	}
}
