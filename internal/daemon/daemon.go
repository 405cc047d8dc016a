// Package daemon builds the stores, source and engine described by a
// config.Config and runs the loops selected by its mode.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agentworkforce/relaycal/internal/config"
	"github.com/agentworkforce/relaycal/internal/cursor"
	"github.com/agentworkforce/relaycal/internal/engine"
	"github.com/agentworkforce/relaycal/internal/gateway"
	"github.com/agentworkforce/relaycal/internal/httpapi"
	"github.com/agentworkforce/relaycal/internal/intake"
	"github.com/agentworkforce/relaycal/internal/meeting"
	"github.com/agentworkforce/relaycal/internal/rsvp"
	"github.com/agentworkforce/relaycal/internal/scheduler"
	"github.com/agentworkforce/relaycal/internal/source"
)

const (
	gatewayTimeout  = 30 * time.Second
	launcherTimeout = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

type Logger interface {
	Printf(format string, args ...any)
}

type Daemon struct {
	Config  config.Config
	Store   meeting.Store
	Cursors cursor.Store
	Engine  *engine.Engine
	Handler http.Handler

	logger Logger
}

// Build opens the configured stores and wires every collaborator. The
// caller owns the result and must Close it.
func Build(cfg config.Config, logger Logger) (*Daemon, error) {
	store, err := meeting.BuildStoreFromDSN(cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("meeting store: %w", err)
	}
	cursors, err := cursor.BuildFromDSN(cfg.CursorDSN)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("cursor store: %w", err)
	}

	src, client, err := buildSource(cfg, logger)
	if err != nil {
		_ = store.Close()
		_ = cursors.Close()
		return nil, err
	}

	var issuer scheduler.TokenIssuer
	if cfg.CallbackURL != "" {
		issuer = httpapi.CallbackTokenIssuer(jwtSecret(cfg), cfg.CallbackTokenTTL)
	}
	eng, err := engine.New(store, engine.Options{
		Source:         src,
		Cursors:        cursors,
		PollCursorKey:  cfg.CursorKey(engine.DefaultPollCursorKey),
		PushCursorKey:  cfg.CursorKey(engine.DefaultPushCursorKey),
		RSVP:           buildRSVP(cfg, client, logger),
		Launcher:       buildLauncher(cfg, logger),
		IssueToken:     issuer,
		CallbackURL:    cfg.CallbackURL,
		JoinHorizon:    cfg.JoinHorizon,
		LateGrace:      cfg.LateGrace,
		ReconnectDelay: cfg.ReconnectDelay,
		IdleTimeout:    cfg.IdleTimeout,
		PollJitter:     cfg.PollJitter,
		SyncTimeout:    cfg.SyncTimeout,
		Logger:         logger,
	})
	if err != nil {
		_ = store.Close()
		_ = cursors.Close()
		return nil, err
	}

	var syncFn httpapi.SyncFunc
	if cfg.Mode != config.ModePush {
		syncFn = func(ctx context.Context) (any, error) {
			report, err := eng.Sync(ctx)
			return report, err
		}
	}
	handler := httpapi.NewServerWithConfig(store, syncFn, httpapi.ServerConfig{
		JWTSecret:          cfg.JWTSecret,
		InternalHMACSecret: cfg.InternalHMACSecret,
		InternalMaxSkew:    cfg.InternalMaxSkew,
		RateLimitMax:       cfg.RateLimitMax,
		RateLimitWindow:    cfg.RateLimitWindow,
		MaxBodyBytes:       cfg.MaxBodyBytes,
	})

	logf(logger, "relaycal store=%s cursors=%s source=%s mailbox=%s mode=%s",
		meeting.StoreKind(store), cursor.Kind(cursors), cfg.Source, cfg.Mailbox, cfg.Mode)
	return &Daemon{
		Config:  cfg,
		Store:   store,
		Cursors: cursors,
		Engine:  eng,
		Handler: handler,
		logger:  logger,
	}, nil
}

func buildSource(cfg config.Config, logger Logger) (engine.Source, *gateway.Client, error) {
	switch cfg.Source {
	case config.SourceSpool:
		return source.NewSpoolMailbox(cfg.SpoolDir, source.SpoolOptions{
			PageSize:  cfg.PageSize,
			Recipient: cfg.Recipient,
			Logger:    logger,
		}), nil, nil
	case config.SourceGateway, "":
		client := gateway.NewClient(cfg.GatewayURL, cfg.GatewayToken, &http.Client{Timeout: gatewayTimeout})
		return source.NewGatewayMailbox(client, cfg.Mailbox, source.GatewayOptions{
			PageSize: cfg.PageSize,
			Logger:   logger,
		}), client, nil
	default:
		return nil, nil, fmt.Errorf("unsupported source %q", cfg.Source)
	}
}

// buildRSVP answers through the gateway when there is one. A spool has no
// outbound channel, so its replies are only logged.
func buildRSVP(cfg config.Config, client *gateway.Client, logger Logger) intake.RSVPSender {
	if !cfg.RSVPEnabled || client == nil {
		return rsvp.LogSender{Logger: logger}
	}
	return rsvp.NewGatewaySender(client, cfg.Mailbox, rsvp.Options{DisplayName: cfg.BotName}, logger)
}

func buildLauncher(cfg config.Config, logger Logger) scheduler.Launcher {
	if cfg.LauncherURL == "" {
		return scheduler.LogLauncher{Logger: logger}
	}
	return scheduler.NewHTTPLauncher(cfg.LauncherURL, cfg.LauncherToken, &http.Client{Timeout: launcherTimeout})
}

// jwtSecret matches the HTTP server's default so issued callback tokens
// verify against it.
func jwtSecret(cfg config.Config) string {
	if cfg.JWTSecret == "" {
		return "dev-secret"
	}
	return cfg.JWTSecret
}

// Run starts the HTTP API, the join scheduler and the intake loops the mode
// asks for, and blocks until ctx is done or the HTTP listener fails.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	loop := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logf(d.logger, "%s stopped: %v", name, err)
			}
		}()
	}

	loop("join scheduler", func(ctx context.Context) error {
		return d.Engine.RunScheduler(ctx, d.Config.ScanInterval)
	})
	if d.Config.Mode == config.ModeAll || d.Config.Mode == config.ModePush {
		loop("push supervisor", d.Engine.RunPush)
	}
	if d.Config.Mode == config.ModeAll || d.Config.Mode == config.ModePoll {
		loop("poll loop", func(ctx context.Context) error {
			return d.Engine.RunPoll(ctx, d.Config.PollInterval)
		})
	}

	server := &http.Server{Addr: d.Config.Addr, Handler: d.Handler, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		logf(d.logger, "relaycal listening on %s", d.Config.Addr)
		serveErr <- server.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	wg.Wait()
	return err
}

func (d *Daemon) Close() error {
	return errors.Join(d.Store.Close(), d.Cursors.Close())
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
