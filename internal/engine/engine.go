// Package engine wires the intake pipeline, the join scheduler and the
// mailbox source into the three host entry points: a one-shot Sync, a
// periodic poll loop and the push supervisor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/agentworkforce/relaycal/internal/cursor"
	"github.com/agentworkforce/relaycal/internal/intake"
	"github.com/agentworkforce/relaycal/internal/meeting"
	"github.com/agentworkforce/relaycal/internal/scheduler"
	"github.com/agentworkforce/relaycal/internal/supervisor"
)

const (
	DefaultMaxPages      = 100
	// DefaultMaxInviteAttempts bounds how often an invite the store keeps
	// rejecting is redelivered before intake moves past it.
	DefaultMaxInviteAttempts = 3
	DefaultPollInterval  = time.Minute
	DefaultScanInterval  = 30 * time.Second
	DefaultPollCursorKey = "poll"
	DefaultPushCursorKey = "push"
)

// Source is a mailbox that can be paged on demand and watched for pushes.
type Source interface {
	supervisor.Mailbox
	Fetch(ctx context.Context, after string) (supervisor.Page, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Source        Source
	Cursors       cursor.Store
	PollCursorKey string
	PushCursorKey string

	RSVP        intake.RSVPSender
	Launcher    scheduler.Launcher
	IssueToken  scheduler.TokenIssuer
	CallbackURL string
	JoinHorizon time.Duration
	LateGrace   time.Duration

	ReconnectDelay time.Duration
	IdleTimeout    time.Duration
	PollJitter     float64
	SyncTimeout    time.Duration
	MaxPages       int
	// MaxInviteAttempts <= 0 means DefaultMaxInviteAttempts.
	MaxInviteAttempts int

	Logger Logger
	Now    func() time.Time
}

type Engine struct {
	store     meeting.Store
	source    Source
	cursors   cursor.Store
	pollKey   string
	pushKey   string
	pipeline  *intake.Pipeline
	scheduler *scheduler.Scheduler
	opts      Options
	maxPages  int
	attempts  int
	jitter    float64
	logger    Logger
	now       func() time.Time

	// syncMu keeps the poll loop and on-demand syncs from reading the same
	// cursor concurrently. Meeting state is never guarded here.
	syncMu sync.Mutex

	failMu   sync.Mutex
	failures map[string]int
}

// SyncReport summarizes one Sync call.
type SyncReport struct {
	Pages     int                    `json:"pages"`
	Invites   int                    `json:"invites"`
	Outcomes  map[intake.Outcome]int `json:"outcomes"`
	Errors    []string               `json:"errors,omitempty"`
	Cursor    string                 `json:"cursor"`
	Triggered int                    `json:"triggered"`
	Next      *meeting.Meeting       `json:"next,omitempty"`
}

func New(store meeting.Store, opts Options) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("meeting store is required")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = scheduler.LogLauncher{Logger: opts.Logger}
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	sched, err := scheduler.New(store, scheduler.Options{
		Launcher:    launcher,
		IssueToken:  opts.IssueToken,
		CallbackURL: opts.CallbackURL,
		JoinHorizon: opts.JoinHorizon,
		LateGrace:   opts.LateGrace,
		Logger:      opts.Logger,
		Now:         now,
	})
	if err != nil {
		return nil, err
	}
	pipeline, err := intake.NewPipeline(store, intake.PipelineOptions{
		RSVP:        opts.RSVP,
		Trigger:     sched,
		Logger:      opts.Logger,
		JoinHorizon: opts.JoinHorizon,
		Now:         now,
	})
	if err != nil {
		return nil, err
	}
	cursors := opts.Cursors
	if cursors == nil {
		cursors = cursor.NewMemoryStore()
	}
	pollKey := opts.PollCursorKey
	if pollKey == "" {
		pollKey = DefaultPollCursorKey
	}
	pushKey := opts.PushCursorKey
	if pushKey == "" {
		pushKey = DefaultPushCursorKey
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	attempts := opts.MaxInviteAttempts
	if attempts <= 0 {
		attempts = DefaultMaxInviteAttempts
	}
	jitter := opts.PollJitter
	if jitter < 0 {
		jitter = 0
	} else if jitter > 1 {
		jitter = 1
	}
	return &Engine{
		store:     store,
		source:    opts.Source,
		cursors:   cursors,
		pollKey:   pollKey,
		pushKey:   pushKey,
		pipeline:  pipeline,
		scheduler: sched,
		opts:      opts,
		maxPages:  maxPages,
		attempts:  attempts,
		jitter:    jitter,
		logger:    opts.Logger,
		now:       now,
		failures:  map[string]int{},
	}, nil
}

func (e *Engine) Store() meeting.Store {
	return e.store
}

// Sync pulls every new message after the saved poll cursor, ingests it and
// runs one join scan. A page holding an invite that failed is not committed;
// the next Sync fetches it again and the store absorbs the duplicates. An
// invite that keeps failing is dropped after MaxInviteAttempts so the pages
// behind it still get through.
func (e *Engine) Sync(ctx context.Context) (SyncReport, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	report := SyncReport{Outcomes: map[intake.Outcome]int{}}
	position, err := e.cursors.Load(ctx, e.pollKey)
	if err != nil {
		return report, fmt.Errorf("load poll cursor: %w", err)
	}
	report.Cursor = position

	var syncErr error
	for report.Pages < e.maxPages {
		before := position
		page, err := e.source.Fetch(ctx, position)
		if err != nil {
			syncErr = fmt.Errorf("fetch after %q: %w", position, err)
			break
		}
		report.Pages++
		invites := make([]intake.Invite, 0, len(page.Deliveries))
		next := position
		for _, delivery := range page.Deliveries {
			invites = append(invites, delivery.Invite)
			if delivery.Cursor != "" {
				next = delivery.Cursor
			}
		}
		if page.NextCursor != "" {
			next = page.NextCursor
		}

		batch := e.pipeline.IngestBatch(ctx, invites)
		report.Invites += batch.Handled
		for outcome, n := range batch.Counts {
			report.Outcomes[outcome] += n
		}
		for _, batchErr := range batch.Errors {
			report.Errors = append(report.Errors, batchErr.Error())
		}
		if ctx.Err() != nil {
			syncErr = ctx.Err()
			break
		}
		if e.settleFailures(invites, batch) {
			syncErr = fmt.Errorf("page after %q: %w", position, errors.Join(batch.Errors...))
			break
		}

		if next != position {
			if err := e.cursors.Save(ctx, e.pollKey, next); err != nil {
				syncErr = fmt.Errorf("save poll cursor: %w", err)
				break
			}
			position = next
			report.Cursor = next
		}
		if !page.More || position == before {
			break
		}
	}

	triggered, err := e.scheduler.ScanAndTrigger(ctx)
	report.Triggered = triggered
	if err != nil {
		e.logf("join scan after sync failed: %v", err)
		report.Errors = append(report.Errors, err.Error())
	}
	if next, ok, err := e.NextMeeting(ctx); err == nil && ok {
		report.Next = &next
	}
	return report, syncErr
}

// NextMeeting is the earliest pending meeting that has not ended yet.
func (e *Engine) NextMeeting(ctx context.Context) (meeting.Meeting, bool, error) {
	pending, err := e.store.List(ctx, meeting.ListFilter{
		Status:    meeting.StatusPending,
		Ascending: true,
		Limit:     meeting.MaxListLimit,
	})
	if err != nil {
		return meeting.Meeting{}, false, err
	}
	now := e.now()
	for _, m := range pending {
		if m.EffectiveEnd().After(now) {
			return m, true, nil
		}
	}
	return meeting.Meeting{}, false, nil
}

// RunPoll syncs immediately and then every interval, spread by the
// configured jitter, until ctx is done. Failed cycles are logged and retried
// on the next tick.
func (e *Engine) RunPoll(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		e.pollOnce(ctx)
		timer := time.NewTimer(JitteredInterval(interval, e.jitter, rng.Float64()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context) {
	syncCtx := ctx
	if e.opts.SyncTimeout > 0 {
		var cancel context.CancelFunc
		syncCtx, cancel = context.WithTimeout(ctx, e.opts.SyncTimeout)
		defer cancel()
	}
	report, err := e.Sync(syncCtx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logf("poll cycle failed: %v", err)
	}
	if report.Invites > 0 || report.Triggered > 0 {
		e.logf("poll cycle handled %d invite(s), triggered %d join(s)", report.Invites, report.Triggered)
	}
	if report.Next != nil {
		e.logf("next meeting: %d %q at %s (%s)", report.Next.ID, report.Next.Title, report.Next.StartTime.Format(time.RFC3339), report.Next.Project)
	} else if err == nil {
		e.logf("no upcoming meetings")
	}
}

// RunPush keeps a push session open and ingests each invite as the mailbox
// announces it. It returns when ctx is done.
func (e *Engine) RunPush(ctx context.Context) error {
	sup, err := supervisor.New(e.source, e.handle, supervisor.Options{
		Cursors:        e.cursors,
		CursorKey:      e.pushKey,
		ReconnectDelay: e.opts.ReconnectDelay,
		IdleTimeout:    e.opts.IdleTimeout,
		Logger:         e.logger,
	})
	if err != nil {
		return err
	}
	return sup.Run(ctx)
}

// RunScheduler runs the periodic join scan until ctx is done.
func (e *Engine) RunScheduler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return e.scheduler.Run(ctx, interval)
}

// handle ingests one pushed invite. Store failures go back to the
// supervisor, which redelivers the invite after reconnecting, until the
// invite runs out of attempts.
func (e *Engine) handle(ctx context.Context, inv intake.Invite) error {
	invites := []intake.Invite{inv}
	batch := e.pipeline.IngestBatch(ctx, invites)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if e.settleFailures(invites, batch) {
		return errors.Join(batch.Errors...)
	}
	return nil
}

// settleFailures counts one more attempt for every invite in batch that
// failed and forgets the ones that went through. It reports whether any
// failed invite still has attempts left; invites out of attempts are logged
// and dropped.
func (e *Engine) settleFailures(invites []intake.Invite, batch intake.BatchResult) bool {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	failed := make(map[string]bool, len(batch.FailedKeys))
	for _, key := range batch.FailedKeys {
		failed[key] = true
	}
	for _, inv := range invites {
		if !failed[inv.IdentityKey] {
			delete(e.failures, inv.IdentityKey)
		}
	}
	retry := false
	for key := range failed {
		e.failures[key]++
		if n := e.failures[key]; n < e.attempts {
			retry = true
			continue
		}
		e.logf("dropping invite %q after %d failed attempts", key, e.failures[key])
		delete(e.failures, key)
	}
	return retry
}

// JitteredInterval spreads base by up to ±ratio, with sample in [0, 1]
// choosing where in that band the result lands.
func JitteredInterval(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if ratio < 0 {
		ratio = 0
	} else if ratio > 1 {
		ratio = 1
	}
	if ratio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*ratio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
