package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/relaycal/internal/gateway"
	"github.com/agentworkforce/relaycal/internal/supervisor"
)

type SpoolOptions struct {
	PageSize int
	// Recipient stands in for the To header of bare .ics files.
	Recipient string
	Logger    Logger
}

// SpoolMailbox treats a directory as a mailbox: every .eml, .ics or .json
// file is one message, ordered by file name, and the cursor is the name of
// the last file read. A mail delivery agent (or a test) drops files in;
// fsnotify announces them. Names starting with "." are in-flight writes.
type SpoolMailbox struct {
	dir       string
	pageSize  int
	recipient string
	logger    Logger
}

func NewSpoolMailbox(dir string, opts SpoolOptions) *SpoolMailbox {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &SpoolMailbox{
		dir:       dir,
		pageSize:  pageSize,
		recipient: strings.TrimSpace(opts.Recipient),
		logger:    opts.Logger,
	}
}

func (m *SpoolMailbox) Dir() string {
	return m.dir
}

func (m *SpoolMailbox) LatestCursor(ctx context.Context) (string, error) {
	names, err := m.names()
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", nil
	}
	return names[len(names)-1], nil
}

func (m *SpoolMailbox) Fetch(ctx context.Context, after string) (supervisor.Page, error) {
	names, err := m.names()
	if err != nil {
		return supervisor.Page{}, err
	}
	start := sort.SearchStrings(names, after)
	if start < len(names) && names[start] == after {
		start++
	}
	names = names[start:]
	var page supervisor.Page
	if len(names) > m.pageSize {
		names = names[:m.pageSize]
		page.More = true
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return supervisor.Page{}, err
		}
		page.NextCursor = name
		msg, err := m.read(name)
		if err != nil {
			logf(m.logger, "skipping spool file %s: %v", name, err)
			continue
		}
		if delivery, ok := deliveryFor(msg, m.logger); ok {
			page.Deliveries = append(page.Deliveries, delivery)
		}
	}
	return page, nil
}

func (m *SpoolMailbox) names() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !spoolExtension(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func spoolExtension(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".eml", ".ics", ".json":
		return true
	}
	return false
}

func (m *SpoolMailbox) read(name string) (gateway.Message, error) {
	raw, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		return gateway.Message{}, err
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".eml":
		return MessageFromEML(name, raw)
	case ".json":
		if err := ValidateMessage(raw); err != nil {
			return gateway.Message{}, err
		}
		var msg gateway.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return gateway.Message{}, err
		}
		msg.Cursor = name
		return msg, nil
	}
	return gateway.Message{
		MessageID: name,
		Cursor:    name,
		To:        m.recipient,
		ICS:       string(raw),
	}, nil
}

func (m *SpoolMailbox) Connect(ctx context.Context) (supervisor.Session, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch spool: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch spool: %w", err)
	}
	return &spoolSession{mailbox: m, watcher: watcher, closed: make(chan struct{})}, nil
}

type spoolSession struct {
	mailbox   *SpoolMailbox
	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *spoolSession) LatestCursor(ctx context.Context) (string, error) {
	return s.mailbox.LatestCursor(ctx)
}

func (s *spoolSession) Fetch(ctx context.Context, after string) (supervisor.Page, error) {
	return s.mailbox.Fetch(ctx, after)
}

func (s *spoolSession) Wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-s.closed:
			return errSessionClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return errSessionClosed
			}
			return fmt.Errorf("watch spool: %w", err)
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return errSessionClosed
			}
			name := filepath.Base(ev.Name)
			if strings.HasPrefix(name, ".") || !spoolExtension(name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				return nil
			}
		}
	}
}

func (s *spoolSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.watcher.Close()
	})
	return err
}
