package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/relaycal/internal/meeting"
)

const (
	DefaultJoinHorizon = 2 * time.Minute
	// DefaultLateGrace lets a meeting that started a few minutes ago still be
	// joined.
	DefaultLateGrace = 10 * time.Minute
)

// LaunchRequest is what the bot launcher receives for one meeting.
type LaunchRequest struct {
	MeetingID     int64            `json:"meetingId"`
	JoinURL       string           `json:"joinUrl"`
	Platform      meeting.Platform `json:"platform"`
	Project       string           `json:"project"`
	Title         string           `json:"title"`
	StartTime     time.Time        `json:"startTime"`
	CallbackURL   string           `json:"callbackUrl,omitempty"`
	CallbackToken string           `json:"callbackToken,omitempty"`
}

type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) error
}

// TokenIssuer signs the token the bot presents when it reports back.
type TokenIssuer func(meetingID int64) (string, error)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Launcher    Launcher
	IssueToken  TokenIssuer
	CallbackURL string
	JoinHorizon time.Duration
	LateGrace   time.Duration
	Logger      Logger
	Now         func() time.Time
}

type Scheduler struct {
	store       meeting.Store
	launcher    Launcher
	issueToken  TokenIssuer
	callbackURL string
	horizon     time.Duration
	grace       time.Duration
	logger      Logger
	now         func() time.Time
}

func New(store meeting.Store, opts Options) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("meeting store is required")
	}
	if opts.Launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	horizon := opts.JoinHorizon
	if horizon <= 0 {
		horizon = DefaultJoinHorizon
	}
	grace := opts.LateGrace
	if grace <= 0 {
		grace = DefaultLateGrace
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		store:       store,
		launcher:    opts.Launcher,
		issueToken:  opts.IssueToken,
		callbackURL: strings.TrimRight(strings.TrimSpace(opts.CallbackURL), "/"),
		horizon:     horizon,
		grace:       grace,
		logger:      opts.Logger,
		now:         now,
	}, nil
}

// ScanAndTrigger launches every due meeting whose pending -> joining
// transition this call wins. It returns the number of launches attempted.
// Any number of callers may run it concurrently; the store's compare-and-set
// guarantees each meeting is launched at most once.
func (s *Scheduler) ScanAndTrigger(ctx context.Context) (int, error) {
	due, err := s.store.DueForJoin(ctx, s.now(), s.horizon, s.grace)
	if err != nil {
		return 0, fmt.Errorf("load due meetings: %w", err)
	}
	triggered := 0
	var errs []error
	for _, m := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		won, err := s.store.CompareAndSetStatus(ctx, m.ID, meeting.StatusPending, meeting.StatusJoining)
		if err != nil {
			errs = append(errs, fmt.Errorf("claim meeting %d: %w", m.ID, err))
			continue
		}
		if !won {
			continue
		}
		triggered++
		s.launch(ctx, m)
	}
	return triggered, errors.Join(errs...)
}

func (s *Scheduler) launch(ctx context.Context, m meeting.Meeting) {
	s.logf("joining meeting %d %q (%s) on %s", m.ID, m.Title, m.Project, m.Platform)
	launchErr := s.launchOnce(ctx, m)

	next := meeting.StatusJoined
	if launchErr != nil {
		next = meeting.StatusSpawnFailed
		s.logf("launch for meeting %d failed: %v", m.ID, launchErr)
	}
	// The outcome must be recorded even if the caller is shutting down.
	recordCtx := context.WithoutCancel(ctx)
	swapped, err := s.store.CompareAndSetStatus(recordCtx, m.ID, meeting.StatusJoining, next)
	switch {
	case err != nil:
		s.logf("record %s for meeting %d failed: %v", next, m.ID, err)
	case !swapped:
		s.logf("meeting %d left joining before launch finished; %s not recorded", m.ID, next)
	}
}

func (s *Scheduler) launchOnce(ctx context.Context, m meeting.Meeting) error {
	req := LaunchRequest{
		MeetingID: m.ID,
		JoinURL:   m.JoinURL,
		Platform:  m.Platform,
		Project:   m.Project,
		Title:     m.Title,
		StartTime: m.StartTime,
	}
	if s.callbackURL != "" {
		req.CallbackURL = fmt.Sprintf("%s/v1/meetings/%d/status", s.callbackURL, m.ID)
	}
	if s.issueToken != nil {
		token, err := s.issueToken(m.ID)
		if err != nil {
			return fmt.Errorf("issue callback token: %w", err)
		}
		req.CallbackToken = token
	}
	return s.launcher.Launch(ctx, req)
}

// Run scans immediately and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := s.ScanAndTrigger(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logf("join scan failed: %v", err)
		} else if n > 0 {
			s.logf("join scan triggered %d meeting(s)", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
