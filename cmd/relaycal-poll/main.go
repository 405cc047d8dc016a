package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/sys/unix"

	"github.com/agentworkforce/relaycal/internal/config"
	"github.com/agentworkforce/relaycal/internal/daemon"
	"github.com/agentworkforce/relaycal/internal/meeting"
)

func main() {
	if err := config.LoadEnvFiles(os.Getenv("RELAYCAL_ENV_FILE"), ".env"); err != nil {
		log.Fatalf("failed to load env file: %v", err)
	}
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	flag.StringVar(&cfg.Source, "source", cfg.Source, "invite source: gateway or spool")
	flag.StringVar(&cfg.SpoolDir, "spool-dir", cfg.SpoolDir, "spool directory for the spool source")
	flag.StringVar(&cfg.StoreDSN, "store", cfg.StoreDSN, "meeting store DSN")
	flag.StringVar(&cfg.CursorDSN, "cursors", cfg.CursorDSN, "cursor store DSN")
	flag.DurationVar(&cfg.PollInterval, "interval", cfg.PollInterval, "poll interval")
	flag.Float64Var(&cfg.PollJitter, "interval-jitter", cfg.PollJitter, "poll interval jitter ratio (0.0-1.0)")
	flag.DurationVar(&cfg.SyncTimeout, "timeout", cfg.SyncTimeout, "per-sync timeout")
	flag.BoolVar(&cfg.RSVPEnabled, "rsvp", cfg.RSVPEnabled, "send RSVP replies to organizers")
	once := flag.Bool("once", false, "run one sync cycle, print its report and exit")
	list := flag.Bool("list", false, "list stored meetings and exit")
	project := flag.String("project", "", "with -list: only this project")
	status := flag.String("status", "", "with -list: only this status")
	limit := flag.Int("limit", meeting.DefaultListLimit, "with -list: maximum meetings to show")
	flag.Parse()

	cfg.Mode = config.ModePoll
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}
	d, err := daemon.Build(cfg, log.Default())
	if err != nil {
		log.Fatalf("failed to initialize relaycal: %v", err)
	}
	defer d.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	switch {
	case *list:
		filter, err := listFilter(*project, *status, *limit)
		if err != nil {
			log.Fatalf("%v", err)
		}
		items, err := d.Store.List(rootCtx, filter)
		if err != nil {
			log.Fatalf("list meetings: %v", err)
		}
		if err := printMeetings(os.Stdout, items); err != nil {
			log.Fatalf("print meetings: %v", err)
		}
	case *once:
		ctx, cancel := context.WithTimeout(rootCtx, cfg.SyncTimeout)
		defer cancel()
		report, err := d.Engine.Sync(ctx)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		if err != nil {
			log.Printf("sync failed: %v", err)
			cancel()
			_ = d.Close()
			os.Exit(1)
		}
	default:
		if err := d.Engine.RunPoll(rootCtx, cfg.PollInterval); err != nil && rootCtx.Err() == nil {
			log.Printf("poll loop stopped: %v", err)
			return
		}
		log.Printf("poll loop stopping: %v", rootCtx.Err())
	}
}

func listFilter(project, status string, limit int) (meeting.ListFilter, error) {
	filter := meeting.ListFilter{Project: strings.TrimSpace(project), Limit: limit}
	if strings.TrimSpace(status) != "" {
		parsed, err := meeting.ParseStatus(status)
		if err != nil {
			return filter, err
		}
		filter.Status = parsed
	}
	return filter, nil
}

func printMeetings(w io.Writer, items []meeting.Meeting) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "no meetings")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTART (UTC)\tPROJECT\tSTATUS\tPLATFORM\tTITLE")
	for _, m := range items {
		project := m.Project
		if project == "" {
			project = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			m.ID, m.StartTime.UTC().Format(time.DateTime), project, m.Status, m.Platform, m.Title)
	}
	return tw.Flush()
}
