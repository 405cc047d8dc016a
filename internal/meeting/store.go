package meeting

import (
	"context"
	"time"
)

// Store is the durable meeting table. Every implementation must make
// InsertIfAbsent and CompareAndSetStatus atomic on their own: callers do not
// hold locks around them.
type Store interface {
	// InsertIfAbsent returns inserted=false, without error, when a record with
	// the same identity key already exists.
	InsertIfAbsent(ctx context.Context, m Meeting) (id int64, inserted bool, err error)
	// FindByProtocolID returns the most recently created record for uid.
	FindByProtocolID(ctx context.Context, uid string) (Meeting, error)
	FindOverlapping(ctx context.Context, start, end time.Time, exclude []Status, excludeID int64) ([]Meeting, error)
	DueForJoin(ctx context.Context, now time.Time, horizon, grace time.Duration) ([]Meeting, error)
	// CompareAndSetStatus moves id from expected to next only if the record
	// is still in expected. swapped=false means another writer got there first.
	CompareAndSetStatus(ctx context.Context, id int64, expected, next Status) (swapped bool, err error)
	Get(ctx context.Context, id int64) (Meeting, error)
	List(ctx context.Context, filter ListFilter) ([]Meeting, error)
	Close() error
}

type ListFilter struct {
	Project string
	Status  Status
	// Limit <= 0 means DefaultListLimit.
	Limit int
	// Ascending orders by start time ascending; the default is newest first.
	Ascending bool
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 1000
)

func (f ListFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		return MaxListLimit
	}
	return f.Limit
}
