package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/agentworkforce/relaycal/internal/config"
	"github.com/agentworkforce/relaycal/internal/daemon"
)

func main() {
	if err := config.LoadEnvFiles(envFiles(os.Getenv("RELAYCAL_ENV_FILE"))...); err != nil {
		log.Fatalf("failed to load env file: %v", err)
	}
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	flag.StringVar(&cfg.Mode, "mode", cfg.Mode, "intake mode: all, push or poll")
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	flag.StringVar(&cfg.Source, "source", cfg.Source, "invite source: gateway or spool")
	flag.StringVar(&cfg.SpoolDir, "spool-dir", cfg.SpoolDir, "spool directory for the spool source")
	flag.StringVar(&cfg.StoreDSN, "store", cfg.StoreDSN, "meeting store DSN")
	flag.StringVar(&cfg.CursorDSN, "cursors", cfg.CursorDSN, "cursor store DSN")
	flag.DurationVar(&cfg.PollInterval, "interval", cfg.PollInterval, "poll interval")
	flag.DurationVar(&cfg.ScanInterval, "scan-interval", cfg.ScanInterval, "join scan interval")
	flag.BoolVar(&cfg.RSVPEnabled, "rsvp", cfg.RSVPEnabled, "send RSVP replies to organizers")
	flag.Parse()
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))

	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}
	d, err := daemon.Build(cfg, log.Default())
	if err != nil {
		log.Fatalf("failed to initialize relaycal: %v", err)
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	if err := d.Run(ctx); err != nil {
		log.Printf("relaycal stopped: %v", err)
		return
	}
	log.Printf("relaycal stopped")
}

// envFiles lists the .env files to load: the comma separated
// RELAYCAL_ENV_FILE entries, then ./.env.
func envFiles(raw string) []string {
	var files []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			files = append(files, part)
		}
	}
	return append(files, ".env")
}
