package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaycal/internal/gateway"
	"github.com/agentworkforce/relaycal/internal/supervisor"
)

const DefaultPageSize = 50

var errSessionClosed = errors.New("mailbox session closed")

type Logger interface {
	Printf(format string, args ...any)
}

type GatewayOptions struct {
	PageSize    int
	PingTimeout time.Duration
	Logger      Logger
}

// GatewayMailbox reads invites from the mail gateway. Fetch and
// LatestCursor are plain HTTP calls, usable for polling; Connect adds the
// websocket that announces new mail for the push supervisor.
type GatewayMailbox struct {
	client      *gateway.Client
	mailbox     string
	pageSize    int
	pingTimeout time.Duration
	logger      Logger
}

func NewGatewayMailbox(client *gateway.Client, mailbox string, opts GatewayOptions) *GatewayMailbox {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 10 * time.Second
	}
	return &GatewayMailbox{
		client:      client,
		mailbox:     mailbox,
		pageSize:    pageSize,
		pingTimeout: pingTimeout,
		logger:      opts.Logger,
	}
}

func (m *GatewayMailbox) LatestCursor(ctx context.Context) (string, error) {
	return m.client.LatestCursor(ctx, m.mailbox)
}

func (m *GatewayMailbox) Fetch(ctx context.Context, after string) (supervisor.Page, error) {
	page, err := m.client.ListMessages(ctx, m.mailbox, after, m.pageSize)
	if err != nil {
		return supervisor.Page{}, err
	}
	out := supervisor.Page{More: page.HasMore}
	var last string
	out.Deliveries, last = decodeMessages(page.Messages, m.logger)
	out.NextCursor = last
	if page.NextCursor != nil {
		out.NextCursor = *page.NextCursor
	}
	return out, nil
}

func (m *GatewayMailbox) Connect(ctx context.Context) (supervisor.Session, error) {
	conn, _, err := websocket.Dial(ctx, m.client.WatchURL(m.mailbox), &websocket.DialOptions{
		HTTPHeader: m.client.AuthHeader(),
	})
	if err != nil {
		return nil, fmt.Errorf("dial watch socket: %w", err)
	}
	readCtx, cancel := context.WithCancel(context.Background())
	session := &gatewaySession{
		mailbox: m,
		conn:    conn,
		cancel:  cancel,
		notify:  make(chan struct{}, 1),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
	go session.readLoop(readCtx)
	return session, nil
}

type gatewaySession struct {
	mailbox *GatewayMailbox
	conn    *websocket.Conn
	cancel  context.CancelFunc

	notify chan struct{}
	errs   chan error

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *gatewaySession) LatestCursor(ctx context.Context) (string, error) {
	return s.mailbox.LatestCursor(ctx)
}

func (s *gatewaySession) Fetch(ctx context.Context, after string) (supervisor.Page, error) {
	return s.mailbox.Fetch(ctx, after)
}

// readLoop is the connection's only reader. Ping needs one running to see
// the pong, and every frame the gateway sends is an announcement.
func (s *gatewaySession) readLoop(ctx context.Context) {
	for {
		_, _, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case s.errs <- err:
			default:
			}
			return
		}
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

func (s *gatewaySession) Wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.closed:
		return errSessionClosed
	case err := <-s.errs:
		return fmt.Errorf("watch socket: %w", err)
	case <-s.notify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	// Idle refresh: a failed ping ends the session so the supervisor
	// reconnects and catches up.
	pingCtx, cancel := context.WithTimeout(ctx, s.mailbox.pingTimeout)
	defer cancel()
	if err := s.conn.Ping(pingCtx); err != nil {
		return fmt.Errorf("ping watch socket: %w", err)
	}
	return nil
}

func (s *gatewaySession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		err = s.conn.CloseNow()
	})
	return err
}

// decodeMessages also reports the cursor of the last readable message, so a
// page that ends in ordinary mail still advances.
func decodeMessages(raws []json.RawMessage, logger Logger) ([]supervisor.Delivery, string) {
	deliveries := make([]supervisor.Delivery, 0, len(raws))
	var last string
	for _, raw := range raws {
		if err := ValidateMessage(raw); err != nil {
			logf(logger, "skipping message: %v", err)
			continue
		}
		var msg gateway.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			logf(logger, "skipping message: %v", err)
			continue
		}
		last = msg.Cursor
		delivery, ok := deliveryFor(msg, logger)
		if ok {
			deliveries = append(deliveries, delivery)
		}
	}
	return deliveries, last
}

func deliveryFor(msg gateway.Message, logger Logger) (supervisor.Delivery, bool) {
	inv, err := InviteFromMessage(msg)
	if errors.Is(err, ErrNotInvite) {
		return supervisor.Delivery{}, false
	}
	if err != nil {
		logf(logger, "skipping message %s: %v", msg.MessageID, err)
		return supervisor.Delivery{}, false
	}
	return supervisor.Delivery{Invite: inv, Cursor: msg.Cursor}, true
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
