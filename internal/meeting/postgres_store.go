package meeting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresMeetingsTableName = "relaycal_meetings"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc
	now       func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresMeetingsTableName,
		openDB:    sql.Open,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

const meetingColumns = `id, identity_key, protocol_id, project, title, start_time, end_time,
	join_url, platform, organizer, recipient, status, created_at, raw_payload`

func (s *PostgresStore) InsertIfAbsent(ctx context.Context, m Meeting) (int64, bool, error) {
	m = normalizeForInsert(m, s.now())
	if err := m.validateForInsert(); err != nil {
		return 0, false, err
	}
	if err := s.ensureReady(); err != nil {
		return 0, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (identity_key, protocol_id, project, title, start_time, end_time,
			join_url, platform, organizer, recipient, status, created_at, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (identity_key) DO NOTHING
		RETURNING id`, postgresQuoteIdentifier(s.tableName))
	var id int64
	err := s.db.QueryRowContext(ctx, query,
		m.IdentityKey,
		nullString(m.ProtocolID),
		m.Project,
		m.Title,
		m.StartTime,
		nullTime(m.EndTime),
		m.JoinURL,
		string(m.Platform),
		nullString(m.Organizer),
		nullString(m.Recipient),
		string(m.Status),
		m.CreatedAt,
		nullString(m.RawPayload),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		existingQuery := fmt.Sprintf("SELECT id FROM %s WHERE identity_key = $1", postgresQuoteIdentifier(s.tableName))
		if err := s.db.QueryRowContext(ctx, existingQuery, m.IdentityKey).Scan(&id); err != nil {
			return 0, false, err
		}
		return id, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *PostgresStore) FindByProtocolID(ctx context.Context, uid string) (Meeting, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return Meeting{}, ErrNotFound
	}
	if err := s.ensureReady(); err != nil {
		return Meeting{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE protocol_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, meetingColumns, postgresQuoteIdentifier(s.tableName))
	m, err := scanMeeting(s.db.QueryRowContext(ctx, query, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return Meeting{}, ErrNotFound
	}
	return m, err
}

func (s *PostgresStore) FindOverlapping(ctx context.Context, start, end time.Time, exclude []Status, excludeID int64) ([]Meeting, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	excluded := make([]string, 0, len(exclude))
	for _, status := range exclude {
		excluded = append(excluded, string(status))
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE NOT (status = ANY($3))
		AND start_time < $1
		AND (end_time > $2 OR (end_time IS NULL AND start_time + interval '1 hour' > $2))
		AND ($4::bigint = 0 OR id <> $4::bigint)
		ORDER BY start_time ASC, id ASC`, meetingColumns, postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, end.UTC(), start.UTC(), pq.Array(excluded), excludeID)
	if err != nil {
		return nil, err
	}
	return collectMeetings(rows)
}

func (s *PostgresStore) DueForJoin(ctx context.Context, now time.Time, horizon, grace time.Duration) ([]Meeting, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	now = now.UTC()
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = $1
		AND (
			(start_time <= $2 AND start_time >= $3)
			OR
			(start_time < $4 AND (end_time IS NULL OR end_time > $4))
		)
		ORDER BY start_time ASC, id ASC`, meetingColumns, postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, string(StatusPending), now.Add(horizon), now.Add(-grace), now)
	if err != nil {
		return nil, err
	}
	return collectMeetings(rows)
}

func (s *PostgresStore) CompareAndSetStatus(ctx context.Context, id int64, expected, next Status) (bool, error) {
	if !CanTransition(expected, next) {
		return false, &TransitionError{From: expected, To: next}
	}
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("UPDATE %s SET status = $3 WHERE id = $1 AND status = $2", postgresQuoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query, id, string(expected), string(next))
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 1 {
		return true, nil
	}
	existsQuery := fmt.Sprintf("SELECT 1 FROM %s WHERE id = $1", postgresQuoteIdentifier(s.tableName))
	var one int
	if err := s.db.QueryRowContext(ctx, existsQuery, id).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (Meeting, error) {
	if err := s.ensureReady(); err != nil {
		return Meeting{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", meetingColumns, postgresQuoteIdentifier(s.tableName))
	m, err := scanMeeting(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Meeting{}, ErrNotFound
	}
	return m, err
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]Meeting, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	conditions := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if filter.Project != "" {
		args = append(args, filter.Project)
		conditions = append(conditions, fmt.Sprintf("project = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	order := "DESC"
	if filter.Ascending {
		order = "ASC"
	}
	args = append(args, filter.limit())
	query := fmt.Sprintf("SELECT %s FROM %s %s ORDER BY start_time %s, id ASC LIMIT $%d",
		meetingColumns, postgresQuoteIdentifier(s.tableName), where, order, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectMeetings(rows)
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statuses := make([]string, 0, 8)
		for _, status := range []Status{StatusPending, StatusJoining, StatusJoined, StatusSpawnFailed,
			StatusMissed, StatusDeclined, StatusCancelled, StatusCompleted} {
			statuses = append(statuses, pq.QuoteLiteral(string(status)))
		}
		table := postgresQuoteIdentifier(s.tableName)
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					identity_key TEXT NOT NULL UNIQUE,
					protocol_id TEXT,
					project TEXT NOT NULL,
					title TEXT NOT NULL,
					start_time TIMESTAMPTZ NOT NULL,
					end_time TIMESTAMPTZ,
					join_url TEXT NOT NULL,
					platform TEXT NOT NULL,
					organizer TEXT,
					recipient TEXT,
					status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN (%s)),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					raw_payload TEXT
				)`, table, strings.Join(statuses, ", ")),
		}
		for _, column := range []string{"start_time", "status", "project", "protocol_id"} {
			indexName := s.tableName + "_" + column + "_idx"
			statements = append(statements, fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
				postgresQuoteIdentifier(indexName), table, column,
			))
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeeting(row rowScanner) (Meeting, error) {
	var (
		m          Meeting
		protocolID sql.NullString
		endTime    sql.NullTime
		platform   string
		organizer  sql.NullString
		recipient  sql.NullString
		status     string
		rawPayload sql.NullString
	)
	err := row.Scan(
		&m.ID,
		&m.IdentityKey,
		&protocolID,
		&m.Project,
		&m.Title,
		&m.StartTime,
		&endTime,
		&m.JoinURL,
		&platform,
		&organizer,
		&recipient,
		&status,
		&m.CreatedAt,
		&rawPayload,
	)
	if err != nil {
		return Meeting{}, err
	}
	m.ProtocolID = protocolID.String
	m.StartTime = m.StartTime.UTC()
	if endTime.Valid {
		end := endTime.Time.UTC()
		m.EndTime = &end
	}
	m.Platform = Platform(platform)
	m.Organizer = organizer.String
	m.Recipient = recipient.String
	m.Status = Status(status)
	m.CreatedAt = m.CreatedAt.UTC()
	m.RawPayload = rawPayload.String
	return m, nil
}

func collectMeetings(rows *sql.Rows) ([]Meeting, error) {
	defer rows.Close()
	out := make([]Meeting, 0)
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
