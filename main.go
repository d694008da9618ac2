package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"podownloader/internal/session"
)

func main() {
	var (
		accountID = flag.String("account", "", "portal account ID (defaults to the selected account)")
		mode      = flag.String("mode", "parallel", "processing mode: sequential or parallel")
		workers   = flag.Int("workers", 0, "worker count (0 uses the configured maximum)")
		orders    = flag.String("orders", "", "comma-separated purchase order numbers to download")
	)
	flag.Parse()

	app := NewApp()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.startup(ctx)
	defer app.shutdown(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %s, shutting down...", sig)
		cancel()
		app.shutdown(ctx)
		os.Exit(1)
	}()

	if *orders == "" {
		// No one-shot batch requested; keep running for scheduled jobs.
		log.Println("No orders given; waiting for scheduled jobs (Ctrl-C to exit)")
		<-ctx.Done()
		return
	}

	var jobs []session.Job
	for _, po := range strings.Split(*orders, ",") {
		po = strings.TrimSpace(po)
		if po == "" {
			continue
		}
		jobs = append(jobs, session.Job{PONumber: po})
	}

	result, err := app.RunBatch(BatchRequest{
		AccountID: *accountID,
		Mode:      *mode,
		Workers:   *workers,
		Jobs:      jobs,
	})
	if err != nil {
		log.Fatalf("Batch failed: %v", err)
	}
	log.Printf("Batch finished: %d succeeded, %d failed", result.Succeeded, result.Failed)
	if result.Failed > 0 {
		os.Exit(1)
	}
}
