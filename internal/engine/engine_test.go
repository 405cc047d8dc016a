package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaycal/internal/cursor"
	"github.com/agentworkforce/relaycal/internal/intake"
	"github.com/agentworkforce/relaycal/internal/meeting"
	"github.com/agentworkforce/relaycal/internal/scheduler"
	"github.com/agentworkforce/relaycal/internal/supervisor"
)

var testNow = time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

func clock(hour, minute int) time.Time {
	return time.Date(2026, 3, 9, hour, minute, 0, 0, time.UTC)
}

func request(key string, start time.Time, minutes int) intake.Invite {
	end := start.Add(time.Duration(minutes) * time.Minute)
	return intake.Invite{
		IdentityKey: key,
		ProtocolID:  "uid-" + key,
		Method:      intake.MethodRequest,
		Title:       "Meeting " + key,
		Start:       start,
		End:         &end,
		JoinURL:     "https://meet.google.com/abc-defg-hij",
		Organizer:   "dana@example.com",
		Recipient:   "cattle-erp@meet.example.com",
	}
}

type fakeSource struct {
	mu       sync.Mutex
	invites  []intake.Invite
	pageSize int
	fetches  []string
	notify   chan struct{}
}

func newFakeSource(invites ...intake.Invite) *fakeSource {
	return &fakeSource{invites: invites, pageSize: 2, notify: make(chan struct{}, 1)}
}

func (f *fakeSource) add(inv intake.Invite) {
	f.mu.Lock()
	f.invites = append(f.invites, inv)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *fakeSource) fetchLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetches...)
}

func (f *fakeSource) Fetch(ctx context.Context, after string) (supervisor.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, after)
	start := 0
	if after != "" {
		n, err := strconv.Atoi(after)
		if err != nil {
			return supervisor.Page{}, err
		}
		start = n
	}
	var page supervisor.Page
	for i := start; i < len(f.invites) && len(page.Deliveries) < f.pageSize; i++ {
		page.Deliveries = append(page.Deliveries, supervisor.Delivery{Invite: f.invites[i], Cursor: strconv.Itoa(i + 1)})
	}
	page.More = start+len(page.Deliveries) < len(f.invites)
	return page, nil
}

func (f *fakeSource) Connect(ctx context.Context) (supervisor.Session, error) {
	return &fakeSession{source: f, closed: make(chan struct{})}, nil
}

type fakeSession struct {
	source    *fakeSource
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *fakeSession) LatestCursor(ctx context.Context) (string, error) {
	s.source.mu.Lock()
	defer s.source.mu.Unlock()
	if len(s.source.invites) == 0 {
		return "", nil
	}
	return strconv.Itoa(len(s.source.invites)), nil
}

func (s *fakeSession) Fetch(ctx context.Context, after string) (supervisor.Page, error) {
	return s.source.Fetch(ctx, after)
}

func (s *fakeSession) Wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.closed:
		return errors.New("use of closed connection")
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	case <-s.source.notify:
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type recordingLauncher struct {
	mu   sync.Mutex
	reqs []scheduler.LaunchRequest
}

func (l *recordingLauncher) Launch(_ context.Context, req scheduler.LaunchRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, req)
	return nil
}

// flakyStore fails the failOn-th insert.
type flakyStore struct {
	meeting.Store
	mu      sync.Mutex
	inserts int
	failOn  int
}

func (s *flakyStore) InsertIfAbsent(ctx context.Context, m meeting.Meeting) (int64, bool, error) {
	s.mu.Lock()
	s.inserts++
	fail := s.inserts == s.failOn
	s.mu.Unlock()
	if fail {
		return 0, false, errors.New("connection reset by peer")
	}
	return s.Store.InsertIfAbsent(ctx, m)
}

// rejectingStore refuses one identity key on every insert, the way a
// database rejects a row it can never accept.
type rejectingStore struct {
	meeting.Store
	key string
}

func (s *rejectingStore) InsertIfAbsent(ctx context.Context, m meeting.Meeting) (int64, bool, error) {
	if m.IdentityKey == s.key {
		return 0, false, errors.New("pq: invalid byte sequence for encoding \"UTF8\"")
	}
	return s.Store.InsertIfAbsent(ctx, m)
}

func storedKeys(t *testing.T, store meeting.Store) []string {
	t.Helper()
	items, err := store.List(context.Background(), meeting.ListFilter{Ascending: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	keys := make([]string, 0, len(items))
	for _, m := range items {
		keys = append(keys, m.IdentityKey)
	}
	return keys
}

type logRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (l *logRecorder) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *logRecorder) contains(fragment string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, fragment) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newEngine(t *testing.T, store meeting.Store, source Source, opts Options) *Engine {
	t.Helper()
	opts.Source = source
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	eng, err := New(store, opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng
}

func TestSyncIngestsEveryPageAndSavesCursor(t *testing.T) {
	store := meeting.NewMemoryStore()
	cursors := cursor.NewMemoryStore()
	source := newFakeSource(
		request("m1", clock(10, 0), 30),
		request("m2", clock(10, 15), 30),
		request("m3", clock(10, 30), 30),
		intake.Invite{IdentityKey: "m4", ProtocolID: "uid-m3", Method: intake.MethodCancel},
		request("m5", clock(8, 0), 30),
	)
	eng := newEngine(t, store, source, Options{Cursors: cursors, PollCursorKey: "meetings/poll"})

	report, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Pages != 3 || report.Invites != 5 || report.Cursor != "5" {
		t.Fatalf("unexpected report %+v", report)
	}
	want := map[intake.Outcome]int{
		intake.OutcomeAccepted:  2,
		intake.OutcomeDeclined:  1,
		intake.OutcomeCancelled: 1,
		intake.OutcomeMissed:    1,
	}
	for outcome, n := range want {
		if report.Outcomes[outcome] != n {
			t.Fatalf("expected %d %s, got %+v", n, outcome, report.Outcomes)
		}
	}
	if report.Next == nil || report.Next.IdentityKey != "m1" {
		t.Fatalf("expected m1 as next meeting, got %+v", report.Next)
	}
	saved, _ := cursors.Load(context.Background(), "meetings/poll")
	if saved != "5" {
		t.Fatalf("expected saved cursor 5, got %q", saved)
	}

	again, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if again.Invites != 0 || again.Pages != 1 {
		t.Fatalf("expected an empty second sync, got %+v", again)
	}
	fetches := source.fetchLog()
	if fetches[len(fetches)-1] != "5" {
		t.Fatalf("expected second sync to resume after 5, fetched %v", fetches)
	}
}

func TestSyncHoldsCursorWhenAnInviteFails(t *testing.T) {
	store := &flakyStore{Store: meeting.NewMemoryStore(), failOn: 2}
	cursors := cursor.NewMemoryStore()
	source := newFakeSource(
		request("m1", clock(10, 0), 30),
		request("m2", clock(12, 0), 30),
		request("m3", clock(14, 0), 30),
	)
	eng := newEngine(t, store, source, Options{Cursors: cursors})

	report, err := eng.Sync(context.Background())
	if err == nil {
		t.Fatalf("expected sync to report the failed insert")
	}
	if report.Outcomes[intake.OutcomeFailed] != 1 || report.Cursor != "" {
		t.Fatalf("expected failed page to stay uncommitted, got %+v", report)
	}

	report, err = eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("retry sync: %v", err)
	}
	if report.Outcomes[intake.OutcomeDuplicate] != 1 || report.Outcomes[intake.OutcomeAccepted] != 2 {
		t.Fatalf("expected redelivery to absorb the duplicate, got %+v", report.Outcomes)
	}
	if report.Cursor != "3" {
		t.Fatalf("expected cursor 3, got %q", report.Cursor)
	}
	items, _ := store.List(context.Background(), meeting.ListFilter{})
	if len(items) != 3 {
		t.Fatalf("expected 3 meetings, got %d", len(items))
	}
}

func TestSyncDropsInviteThatKeepsFailing(t *testing.T) {
	store := &rejectingStore{Store: meeting.NewMemoryStore(), key: "bad"}
	cursors := cursor.NewMemoryStore()
	logs := &logRecorder{}
	source := newFakeSource(
		request("a", clock(10, 0), 30),
		request("bad", clock(11, 0), 30),
		request("c", clock(12, 0), 30),
		request("d", clock(13, 0), 30),
	)
	eng := newEngine(t, store, source, Options{Cursors: cursors, MaxInviteAttempts: 2, Logger: logs})

	report, err := eng.Sync(context.Background())
	if err == nil || report.Cursor != "" {
		t.Fatalf("expected the first failure to hold the page, got cursor %q err %v", report.Cursor, err)
	}
	report, err = eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("expected the failing invite to be dropped, got %v", err)
	}
	if report.Cursor != "4" {
		t.Fatalf("expected cursor past every page, got %q", report.Cursor)
	}
	if got := strings.Join(storedKeys(t, store), ","); got != "a,c,d" {
		t.Fatalf("expected a,c,d stored, got %s", got)
	}
	if !logs.contains(`dropping invite "bad" after 2 failed attempts`) {
		t.Fatalf("expected the dropped invite to be logged, got %v", logs.lines)
	}
}

func TestRunPushDropsInviteThatKeepsFailing(t *testing.T) {
	store := &rejectingStore{Store: meeting.NewMemoryStore(), key: "bad"}
	cursors := cursor.NewMemoryStore()
	source := newFakeSource(request("old", clock(9, 30), 30))
	eng := newEngine(t, store, source, Options{
		Cursors:           cursors,
		PushCursorKey:     "meetings/push",
		ReconnectDelay:    5 * time.Millisecond,
		IdleTimeout:       time.Second,
		MaxInviteAttempts: 3,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.RunPush(ctx) }()

	waitFor(t, "baseline cursor", func() bool {
		saved, _ := cursors.Load(context.Background(), "meetings/push")
		return saved == "1"
	})
	source.add(request("bad", clock(11, 0), 30))
	source.add(request("q", clock(12, 0), 30))
	waitFor(t, "invite behind the failing one", func() bool {
		keys := storedKeys(t, store)
		return len(keys) == 1 && keys[0] == "q"
	})
	waitFor(t, "cursor past both invites", func() bool {
		saved, _ := cursors.Load(context.Background(), "meetings/push")
		return saved == "3"
	})

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("RunPush did not stop")
	}
}

func TestSyncLaunchesImminentMeeting(t *testing.T) {
	store := meeting.NewMemoryStore()
	launcher := &recordingLauncher{}
	source := newFakeSource(request("m1", clock(9, 1), 30))
	eng := newEngine(t, store, source, Options{
		Launcher:    launcher,
		CallbackURL: "https://relaycal.example.com/",
		IssueToken:  func(id int64) (string, error) { return fmt.Sprintf("tok-%d", id), nil },
	})

	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	launcher.mu.Lock()
	reqs := append([]scheduler.LaunchRequest(nil), launcher.reqs...)
	launcher.mu.Unlock()
	if len(reqs) != 1 {
		t.Fatalf("expected exactly one launch, got %d", len(reqs))
	}
	if reqs[0].CallbackURL != "https://relaycal.example.com/v1/meetings/1/status" || reqs[0].CallbackToken != "tok-1" {
		t.Fatalf("unexpected launch request %+v", reqs[0])
	}
	got, _ := store.Get(context.Background(), 1)
	if got.Status != meeting.StatusJoined {
		t.Fatalf("expected joined, got %s", got.Status)
	}
}

func TestRunPushBaselinesThenIngestsNewInvites(t *testing.T) {
	store := meeting.NewMemoryStore()
	cursors := cursor.NewMemoryStore()
	source := newFakeSource(request("old", clock(10, 0), 30))
	eng := newEngine(t, store, source, Options{
		Cursors:        cursors,
		PushCursorKey:  "meetings/push",
		ReconnectDelay: 10 * time.Millisecond,
		IdleTimeout:    time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.RunPush(ctx) }()

	waitFor(t, "baseline cursor", func() bool {
		saved, _ := cursors.Load(context.Background(), "meetings/push")
		return saved == "1"
	})
	source.add(request("new", clock(12, 0), 30))
	waitFor(t, "pushed invite", func() bool {
		items, _ := store.List(context.Background(), meeting.ListFilter{})
		return len(items) == 1 && items[0].IdentityKey == "new"
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("RunPush did not stop")
	}
}

func TestRunPollLogsNextMeetingAndStops(t *testing.T) {
	store := meeting.NewMemoryStore()
	logs := &logRecorder{}
	source := newFakeSource(request("m1", clock(10, 0), 30))
	eng := newEngine(t, store, source, Options{Logger: logs})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.RunPoll(ctx, time.Hour) }()

	waitFor(t, "next meeting log", func() bool { return logs.contains(`next meeting: 1 "Meeting m1"`) })
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("RunPoll did not stop")
	}
}

func TestNextMeetingSkipsEndedAndNonPending(t *testing.T) {
	store := meeting.NewMemoryStore()
	eng := newEngine(t, store, newFakeSource(), Options{})
	ctx := context.Background()
	if _, ok, err := eng.NextMeeting(ctx); err != nil || ok {
		t.Fatalf("expected no next meeting, got ok=%v err=%v", ok, err)
	}
	for _, inv := range []intake.Invite{request("late", clock(8, 30), 60), request("soon", clock(11, 0), 30)} {
		end := *inv.End
		if _, _, err := store.InsertIfAbsent(ctx, meeting.Meeting{
			IdentityKey: inv.IdentityKey,
			StartTime:   inv.Start,
			EndTime:     &end,
			JoinURL:     inv.JoinURL,
			Status:      meeting.StatusPending,
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	next, ok, err := eng.NextMeeting(ctx)
	if err != nil || !ok || next.IdentityKey != "late" {
		t.Fatalf("expected the ongoing meeting first, got %+v ok=%v err=%v", next, ok, err)
	}
}

func TestJitteredInterval(t *testing.T) {
	base := 10 * time.Second
	if got := JitteredInterval(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := JitteredInterval(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := JitteredInterval(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := JitteredInterval(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
	if got := JitteredInterval(base, 5, 0); got != time.Millisecond {
		t.Fatalf("expected ratio clamp to floor at 1ms, got %s", got)
	}
}
