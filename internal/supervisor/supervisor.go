// Package supervisor keeps a push connection to the mailbox alive and
// hands every new invite to the intake pipeline exactly in mailbox order.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/relaycal/internal/cursor"
	"github.com/agentworkforce/relaycal/internal/intake"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	// DefaultIdleTimeout stays under the 30 minute limit mail servers put
	// on an idle push connection.
	DefaultIdleTimeout = 29 * time.Minute
)

var ErrStopped = errors.New("supervisor stopped")

// Delivery is one invite together with the mailbox position just after it.
type Delivery struct {
	Invite intake.Invite
	Cursor string
}

type Page struct {
	Deliveries []Delivery
	// NextCursor is the position after the whole page; it may move past
	// messages that produced no delivery.
	NextCursor string
	More       bool
}

// Session is one live connection to the mailbox.
type Session interface {
	// LatestCursor is the position after the newest message currently held.
	LatestCursor(ctx context.Context) (string, error)
	Fetch(ctx context.Context, after string) (Page, error)
	// Wait parks until new mail is announced or timeout elapses (both nil),
	// or the connection fails. Close must make a parked Wait return.
	Wait(ctx context.Context, timeout time.Duration) error
	Close() error
}

type Mailbox interface {
	Connect(ctx context.Context) (Session, error)
}

// Handler receives invites in order. A non-nil error is treated as a
// transient failure: the session is dropped and the invite is redelivered
// after reconnecting.
type Handler func(ctx context.Context, inv intake.Invite) error

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Cursors        cursor.Store
	CursorKey      string
	ReconnectDelay time.Duration
	IdleTimeout    time.Duration
	Logger         Logger
}

type Supervisor struct {
	mailbox   Mailbox
	handler   Handler
	cursors   cursor.Store
	cursorKey string
	delay     time.Duration
	idle      time.Duration
	logger    Logger

	stopOnce sync.Once
	stop     chan struct{}

	mu        sync.Mutex
	session   Session
	baselined bool
	connects  int
}

func New(mailbox Mailbox, handler Handler, opts Options) (*Supervisor, error) {
	if mailbox == nil {
		return nil, fmt.Errorf("mailbox is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	cursors := opts.Cursors
	if cursors == nil {
		cursors = cursor.NewMemoryStore()
	}
	key := opts.CursorKey
	if key == "" {
		key = "push"
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Supervisor{
		mailbox:   mailbox,
		handler:   handler,
		cursors:   cursors,
		cursorKey: key,
		delay:     delay,
		idle:      idle,
		logger:    opts.Logger,
		stop:      make(chan struct{}),
	}, nil
}

// Run blocks until ctx is done or Stop is called. Connection failures never
// end it: it waits ReconnectDelay and resumes from the last saved cursor.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-s.stop:
			return nil
		default:
		}
		if ctx.Err() != nil {
			return nil
		}
		err := s.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.logf("mailbox session ended: %v; reconnecting in %s", err, s.delay)
		if waitWithContext(ctx, s.delay) != nil {
			return nil
		}
	}
}

// Stop ends Run and closes the live session so a parked Wait returns at once.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session != nil {
		_ = session.Close()
	}
}

// Connects reports how many sessions Run has opened.
func (s *Supervisor) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *Supervisor) runSession(ctx context.Context) error {
	session, err := s.mailbox.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.mu.Lock()
	s.session = session
	s.connects++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.session = nil
		s.mu.Unlock()
		_ = session.Close()
	}()
	// Stop may have run between Connect and publishing the session.
	select {
	case <-s.stop:
		return ErrStopped
	default:
	}

	position, err := s.startPosition(ctx, session)
	if err != nil {
		return err
	}
	if position, err = s.catchUp(ctx, session, position); err != nil {
		return err
	}
	for {
		if err := session.Wait(ctx, s.idle); err != nil {
			return fmt.Errorf("wait: %w", err)
		}
		if position, err = s.catchUp(ctx, session, position); err != nil {
			return err
		}
	}
}

// startPosition loads the saved cursor. On the very first connect with
// nothing saved it baselines to the newest message, so mail that predates
// the process is not replayed.
func (s *Supervisor) startPosition(ctx context.Context, session Session) (string, error) {
	position, err := s.cursors.Load(ctx, s.cursorKey)
	if err != nil {
		return "", fmt.Errorf("load cursor: %w", err)
	}
	s.mu.Lock()
	first := !s.baselined
	s.mu.Unlock()
	if position != "" || !first {
		return position, nil
	}
	latest, err := session.LatestCursor(ctx)
	if err != nil {
		return "", fmt.Errorf("baseline cursor: %w", err)
	}
	if latest != "" {
		if err := s.cursors.Save(ctx, s.cursorKey, latest); err != nil {
			return "", fmt.Errorf("save baseline cursor: %w", err)
		}
		s.logf("baselined mailbox cursor at %s", latest)
	}
	s.mu.Lock()
	s.baselined = true
	s.mu.Unlock()
	return latest, nil
}

func (s *Supervisor) catchUp(ctx context.Context, session Session, position string) (string, error) {
	for {
		page, err := session.Fetch(ctx, position)
		if err != nil {
			return position, fmt.Errorf("fetch after %q: %w", position, err)
		}
		before := position
		for _, delivery := range page.Deliveries {
			if err := s.handler(ctx, delivery.Invite); err != nil {
				s.save(ctx, position)
				return position, fmt.Errorf("handle %q: %w", delivery.Invite.IdentityKey, err)
			}
			if delivery.Cursor != "" {
				position = delivery.Cursor
			}
		}
		if page.NextCursor != "" {
			position = page.NextCursor
		}
		if err := s.cursors.Save(ctx, s.cursorKey, position); err != nil {
			return position, fmt.Errorf("save cursor: %w", err)
		}
		if !page.More || position == before {
			return position, nil
		}
	}
}

func (s *Supervisor) save(ctx context.Context, position string) {
	if position == "" {
		return
	}
	if err := s.cursors.Save(context.WithoutCancel(ctx), s.cursorKey, position); err != nil {
		s.logf("save cursor %s failed: %v", position, err)
	}
}

func (s *Supervisor) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
