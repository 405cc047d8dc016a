package meeting

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotImplemented    = errors.New("not implemented")
)

// DefaultDuration is assumed for overlap checks when a meeting has no end time.
const DefaultDuration = time.Hour

type Status string

const (
	StatusPending     Status = "pending"
	StatusJoining     Status = "joining"
	StatusJoined      Status = "joined"
	StatusSpawnFailed Status = "spawn_failed"
	StatusMissed      Status = "missed"
	StatusDeclined    Status = "declined"
	StatusCancelled   Status = "cancelled"
	StatusCompleted   Status = "completed"
)

// TerminalNegative lists the statuses excluded from conflict checks.
var TerminalNegative = []Status{StatusCompleted, StatusCancelled, StatusMissed, StatusDeclined}

var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusJoining, StatusMissed, StatusDeclined, StatusCancelled},
	StatusJoining: {StatusJoined, StatusSpawnFailed, StatusCancelled},
	StatusJoined:  {StatusCompleted},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusJoining, StatusJoined, StatusSpawnFailed,
		StatusMissed, StatusDeclined, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// Terminal reports whether the engine will never move a meeting out of s.
// joined is terminal for the engine; only the recorder callback advances it.
func (s Status) Terminal() bool {
	switch s {
	case StatusJoined, StatusSpawnFailed, StatusMissed, StatusDeclined, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
	}
	return status, nil
}

func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

type Platform string

const (
	PlatformGoogleMeet Platform = "google_meet"
	PlatformTeams      Platform = "teams"
	PlatformZoom       Platform = "zoom"
	PlatformWebex      Platform = "webex"
	PlatformUnknown    Platform = "unknown"
)

func DetectPlatform(joinURL string) Platform {
	lower := strings.ToLower(joinURL)
	switch {
	case strings.Contains(lower, "meet.google.com"):
		return PlatformGoogleMeet
	case strings.Contains(lower, "teams.microsoft.com"), strings.Contains(lower, "teams.live.com"):
		return PlatformTeams
	case strings.Contains(lower, "zoom.us"):
		return PlatformZoom
	case strings.Contains(lower, "webex.com"):
		return PlatformWebex
	}
	return PlatformUnknown
}

type Meeting struct {
	ID          int64      `json:"id"`
	IdentityKey string     `json:"identityKey"`
	ProtocolID  string     `json:"protocolId,omitempty"`
	Project     string     `json:"project"`
	Title       string     `json:"title"`
	StartTime   time.Time  `json:"startTime"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	JoinURL     string     `json:"joinUrl"`
	Platform    Platform   `json:"platform"`
	Organizer   string     `json:"organizer,omitempty"`
	Recipient   string     `json:"recipient,omitempty"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	RawPayload  string     `json:"-"`
}

// EffectiveEnd is the end used for overlap checks. The stored EndTime is
// left untouched.
func (m Meeting) EffectiveEnd() time.Time {
	return EffectiveEnd(m.StartTime, m.EndTime)
}

func EffectiveEnd(start time.Time, end *time.Time) time.Time {
	if end == nil {
		return start.Add(DefaultDuration)
	}
	return *end
}

// Overlaps reports whether m intersects the half-open window [start, end).
func (m Meeting) Overlaps(start, end time.Time) bool {
	return m.StartTime.Before(end) && m.EffectiveEnd().After(start)
}

// DueAt mirrors the due-for-join predicate used by the stores.
func (m Meeting) DueAt(now time.Time, horizon, grace time.Duration) bool {
	if m.Status != StatusPending {
		return false
	}
	startsSoon := !m.StartTime.After(now.Add(horizon)) && !m.StartTime.Before(now.Add(-grace))
	ongoing := m.StartTime.Before(now) && (m.EndTime == nil || m.EndTime.After(now))
	return startsSoon || ongoing
}

func (m Meeting) validateForInsert() error {
	if strings.TrimSpace(m.IdentityKey) == "" {
		return fmt.Errorf("%w: identity key is required", ErrInvalidInput)
	}
	if m.StartTime.IsZero() {
		return fmt.Errorf("%w: start time is required", ErrInvalidInput)
	}
	if strings.TrimSpace(m.JoinURL) == "" {
		return fmt.Errorf("%w: join url is required", ErrInvalidInput)
	}
	if !m.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, m.Status)
	}
	return nil
}

func normalizeForInsert(m Meeting, now time.Time) Meeting {
	m.IdentityKey = strings.TrimSpace(m.IdentityKey)
	m.ProtocolID = strings.TrimSpace(m.ProtocolID)
	m.StartTime = m.StartTime.UTC()
	if m.EndTime != nil {
		end := m.EndTime.UTC()
		m.EndTime = &end
	}
	if m.Platform == "" {
		m.Platform = DetectPlatform(m.JoinURL)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m
}

func containsStatus(statuses []Status, status Status) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}
