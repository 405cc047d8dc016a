package meeting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationInsertIfAbsentAndLookups(t *testing.T) {
	store := newPostgresIntegrationStore(t)
	ctx := context.Background()

	first := seedMeeting("<pg-1@example.com>", at(10, 0), ptr(at(11, 0)), StatusPending)
	first.ProtocolID = "uid-pg"
	first.CreatedAt = at(7, 0)
	id, inserted, err := store.InsertIfAbsent(ctx, first)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	again, inserted, err := store.InsertIfAbsent(ctx, first)
	if err != nil || inserted || again != id {
		t.Fatalf("expected duplicate to be absorbed with id %d, got id=%d inserted=%v err=%v", id, again, inserted, err)
	}

	update := seedMeeting("<pg-2@example.com>", at(12, 0), nil, StatusPending)
	update.ProtocolID = "uid-pg"
	update.CreatedAt = at(8, 0)
	if _, _, err := store.InsertIfAbsent(ctx, update); err != nil {
		t.Fatalf("insert update failed: %v", err)
	}

	latest, err := store.FindByProtocolID(ctx, "uid-pg")
	if err != nil {
		t.Fatalf("find by protocol id failed: %v", err)
	}
	if latest.IdentityKey != "<pg-2@example.com>" || latest.EndTime != nil {
		t.Fatalf("expected latest correlated record with null end, got %+v", latest)
	}

	overlapping, err := store.FindOverlapping(ctx, at(12, 30), at(12, 45), TerminalNegative, 0)
	if err != nil {
		t.Fatalf("find overlapping failed: %v", err)
	}
	if len(overlapping) != 1 || overlapping[0].IdentityKey != "<pg-2@example.com>" {
		t.Fatalf("expected open-ended meeting to overlap, got %+v", overlapping)
	}
	overlapping, err = store.FindOverlapping(ctx, at(11, 0), at(12, 0), TerminalNegative, 0)
	if err != nil {
		t.Fatalf("boundary overlap failed: %v", err)
	}
	if len(overlapping) != 0 {
		t.Fatalf("expected no overlap at boundaries, got %+v", overlapping)
	}

	due, err := store.DueForJoin(ctx, at(10, 30), 2*time.Minute, 10*time.Minute)
	if err != nil {
		t.Fatalf("due for join failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("expected ongoing meeting to be due, got %+v", due)
	}
}

func TestPostgresIntegrationCompareAndSetStatusIsExclusive(t *testing.T) {
	store := newPostgresIntegrationStore(t)
	ctx := context.Background()
	id, _, err := store.InsertIfAbsent(ctx, seedMeeting("<pg-cas@example.com>", at(10, 0), nil, StatusPending))
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	var winners atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			swapped, err := store.CompareAndSetStatus(ctx, id, StatusPending, StatusJoining)
			if err != nil {
				t.Errorf("cas failed: %v", err)
				return
			}
			if swapped {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := winners.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
	if _, err := store.CompareAndSetStatus(ctx, id+1000, StatusPending, StatusJoining); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	listed, err := store.List(ctx, ListFilter{Status: StatusJoining})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != id {
		t.Fatalf("expected joining meeting in listing, got %+v", listed)
	}
}

func newPostgresIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYCAL_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYCAL_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	store.tableName = fmt.Sprintf("relaycal_meetings_it_%d_%d", time.Now().UnixNano(), n)
	t.Cleanup(func() {
		_ = store.Close()
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			t.Fatalf("open postgres for cleanup failed: %v", err)
		}
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+postgresQuoteIdentifier(store.tableName)); err != nil {
			t.Fatalf("drop cleanup table failed: %v", err)
		}
	})
	return store
}
