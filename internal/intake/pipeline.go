package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/relaycal/internal/meeting"
)

const (
	DefaultJoinHorizon = 2 * time.Minute
	cancelAttempts     = 3
)

// RSVPSender answers the organizer. Failures are logged by the pipeline and
// never fail ingestion.
type RSVPSender interface {
	Accept(ctx context.Context, inv Invite) error
	Decline(ctx context.Context, inv Invite, reason string) error
}

// DueTrigger runs the join scheduler's due check.
type DueTrigger interface {
	ScanAndTrigger(ctx context.Context) (int, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Outcome string

const (
	OutcomeAccepted     Outcome = "accepted"
	OutcomeDeclined     Outcome = "declined"
	OutcomeMissed       Outcome = "missed"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeCancelIgnore Outcome = "cancel_ignored"
	OutcomeOrphanCancel Outcome = "orphan_cancel"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeMalformed    Outcome = "malformed"
	OutcomeFailed       Outcome = "failed"
)

type Result struct {
	Outcome   Outcome
	MeetingID int64
	Status    meeting.Status
	Reason    string
}

type BatchResult struct {
	Counts map[Outcome]int
	Errors []error
	// Handled counts invites the pipeline finished with, including failures.
	Handled int
	// FailedKeys holds the identity key of every invite that failed, in
	// batch order.
	FailedKeys []string
}

type PipelineOptions struct {
	RSVP        RSVPSender
	Trigger     DueTrigger
	Logger      Logger
	JoinHorizon time.Duration
	Now         func() time.Time
}

type Pipeline struct {
	store   meeting.Store
	rsvp    RSVPSender
	trigger DueTrigger
	logger  Logger
	horizon time.Duration
	now     func() time.Time
}

func NewPipeline(store meeting.Store, opts PipelineOptions) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("meeting store is required")
	}
	horizon := opts.JoinHorizon
	if horizon <= 0 {
		horizon = DefaultJoinHorizon
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Pipeline{
		store:   store,
		rsvp:    opts.RSVP,
		trigger: opts.Trigger,
		logger:  opts.Logger,
		horizon: horizon,
		now:     now,
	}, nil
}

// SetTrigger wires the scheduler after construction; the scheduler and the
// pipeline share a store and are usually built side by side.
func (p *Pipeline) SetTrigger(trigger DueTrigger) {
	p.trigger = trigger
}

// Ingest applies one invite to the calendar. A returned error means the store
// failed; malformed or irrelevant invites are reported through Result.
func (p *Pipeline) Ingest(ctx context.Context, raw Invite) (Result, error) {
	inv := normalizeInvite(raw)
	switch inv.Method {
	case MethodCancel:
		return p.cancel(ctx, inv)
	case MethodReply:
		p.logf("ignoring reply %s from %s", inv.IdentityKey, inv.Organizer)
		return Result{Outcome: OutcomeIgnored}, nil
	case MethodRequest:
		return p.request(ctx, inv)
	default:
		p.logf("ignoring invite %s with method %s", inv.IdentityKey, inv.Method)
		return Result{Outcome: OutcomeIgnored}, nil
	}
}

func (p *Pipeline) request(ctx context.Context, inv Invite) (Result, error) {
	if inv.IdentityKey == "" || inv.Start.IsZero() || inv.JoinURL == "" {
		p.logf("skipping malformed invite %q (%s): start or join url missing", inv.IdentityKey, inv.Title)
		return Result{Outcome: OutcomeMalformed}, nil
	}
	if inv.End != nil && inv.End.Before(inv.Start) {
		p.logf("skipping malformed invite %q (%s): ends before it starts", inv.IdentityKey, inv.Title)
		return Result{Outcome: OutcomeMalformed}, nil
	}

	now := p.now()
	if inv.End != nil && inv.End.Before(now) {
		id, inserted, err := p.store.InsertIfAbsent(ctx, inv.toMeeting(meeting.StatusMissed, now))
		if err != nil {
			return Result{}, fmt.Errorf("insert missed meeting: %w", err)
		}
		if !inserted {
			return Result{Outcome: OutcomeDuplicate, MeetingID: id}, nil
		}
		p.logf("recorded missed meeting %d %q", id, inv.Title)
		return Result{Outcome: OutcomeMissed, MeetingID: id, Status: meeting.StatusMissed}, nil
	}

	overlapping, err := p.store.FindOverlapping(ctx, inv.Start, meeting.EffectiveEnd(inv.Start, inv.End), meeting.TerminalNegative, 0)
	if err != nil {
		return Result{}, fmt.Errorf("find overlapping meetings: %w", err)
	}
	decision := ResolveConflicts(overlapping)

	id, inserted, err := p.store.InsertIfAbsent(ctx, inv.toMeeting(decision.Status, now))
	if err != nil {
		return Result{}, fmt.Errorf("insert meeting: %w", err)
	}
	if !inserted {
		return Result{Outcome: OutcomeDuplicate, MeetingID: id}, nil
	}

	result := Result{MeetingID: id, Status: decision.Status, Reason: decision.Reason}
	if decision.Status == meeting.StatusDeclined {
		result.Outcome = OutcomeDeclined
		p.logf("declined meeting %d %q: %s", id, inv.Title, decision.Reason)
		p.sendRSVP(ctx, inv, false, decision.Reason)
		return result, nil
	}

	result.Outcome = OutcomeAccepted
	p.logf("accepted meeting %d %q at %s", id, inv.Title, inv.Start.Format(time.RFC3339))
	p.sendRSVP(ctx, inv, true, "")
	if p.trigger != nil && !inv.Start.After(now.Add(p.horizon)) {
		if _, err := p.trigger.ScanAndTrigger(ctx); err != nil {
			p.logf("immediate join check after meeting %d failed: %v", id, err)
		}
	}
	return result, nil
}

func (p *Pipeline) cancel(ctx context.Context, inv Invite) (Result, error) {
	if inv.ProtocolID == "" {
		p.logf("skipping cancellation %q without uid", inv.IdentityKey)
		return Result{Outcome: OutcomeMalformed}, nil
	}
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		current, err := p.store.FindByProtocolID(ctx, inv.ProtocolID)
		if errors.Is(err, meeting.ErrNotFound) {
			p.logf("orphan cancellation for uid %s (%s)", inv.ProtocolID, inv.Title)
			return Result{Outcome: OutcomeOrphanCancel}, nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("find meeting for cancellation: %w", err)
		}
		if current.Status != meeting.StatusPending && current.Status != meeting.StatusJoining {
			p.logf("cancellation for meeting %d ignored in status %s", current.ID, current.Status)
			return Result{Outcome: OutcomeCancelIgnore, MeetingID: current.ID, Status: current.Status}, nil
		}
		swapped, err := p.store.CompareAndSetStatus(ctx, current.ID, current.Status, meeting.StatusCancelled)
		if err != nil {
			return Result{}, fmt.Errorf("cancel meeting %d: %w", current.ID, err)
		}
		if swapped {
			p.logf("cancelled meeting %d %q", current.ID, current.Title)
			return Result{Outcome: OutcomeCancelled, MeetingID: current.ID, Status: meeting.StatusCancelled}, nil
		}
		// The scheduler moved it between our read and write; look again.
	}
	return Result{}, fmt.Errorf("cancel uid %s: status kept changing", inv.ProtocolID)
}

func (p *Pipeline) sendRSVP(ctx context.Context, inv Invite, accept bool, reason string) {
	if p.rsvp == nil {
		return
	}
	var err error
	if accept {
		err = p.rsvp.Accept(ctx, inv)
	} else {
		err = p.rsvp.Decline(ctx, inv, reason)
	}
	if err != nil {
		p.logf("rsvp for %q failed: %v", inv.IdentityKey, err)
	}
}

// IngestBatch ingests every invite independently. A failure or panic while
// handling one invite is recorded and the batch moves on.
func (p *Pipeline) IngestBatch(ctx context.Context, invites []Invite) BatchResult {
	result := BatchResult{Counts: map[Outcome]int{}}
	for _, inv := range invites {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err())
			break
		}
		res, err := p.ingestIsolated(ctx, inv)
		result.Handled++
		if err != nil {
			result.Counts[OutcomeFailed]++
			result.Errors = append(result.Errors, err)
			result.FailedKeys = append(result.FailedKeys, inv.IdentityKey)
			p.logf("invite %q failed: %v", inv.IdentityKey, err)
			continue
		}
		result.Counts[res.Outcome]++
	}
	return result
}

func (p *Pipeline) ingestIsolated(ctx context.Context, inv Invite) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic ingesting %q: %v", inv.IdentityKey, r)
		}
	}()
	return p.Ingest(ctx, inv)
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
