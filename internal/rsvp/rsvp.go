// Package rsvp answers meeting organizers with an iCalendar METHOD:REPLY.
package rsvp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/agentworkforce/relaycal/internal/gateway"
	"github.com/agentworkforce/relaycal/internal/intake"
)

const (
	DefaultProductID   = "-//relaycal//Meeting Bot//EN"
	DefaultDisplayName = "Meeting Bot"
)

// ErrUnaddressable means the invite lacks the UID or organizer a reply needs.
var ErrUnaddressable = errors.New("invite cannot be answered")

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	DisplayName string
	Now         func() time.Time
}

// BuildReply renders the reply mail for inv. The attendee is the invite's
// recipient, the address the bot was invited as.
func BuildReply(inv intake.Invite, accept bool, reason string, opts Options) (gateway.Reply, error) {
	if strings.TrimSpace(inv.ProtocolID) == "" || strings.TrimSpace(inv.Organizer) == "" {
		return gateway.Reply{}, ErrUnaddressable
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	name := opts.DisplayName
	if name == "" {
		name = DefaultDisplayName
	}
	partstat, verb := "DECLINED", "Declined"
	if accept {
		partstat, verb = "ACCEPTED", "Accepted"
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, DefaultProductID)
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropMethod, "REPLY")

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, inv.ProtocolID)
	event.Props.SetDateTime(ical.PropDateTimeStamp, now().UTC())
	if !inv.Start.IsZero() {
		event.Props.SetDateTime(ical.PropDateTimeStart, inv.Start.UTC())
	}
	if inv.End != nil {
		event.Props.SetDateTime(ical.PropDateTimeEnd, inv.End.UTC())
	}
	if inv.Title != "" {
		event.Props.SetText(ical.PropSummary, inv.Title)
	}
	organizer := ical.NewProp(ical.PropOrganizer)
	organizer.Value = "mailto:" + inv.Organizer
	event.Props.Set(organizer)

	attendee := ical.NewProp(ical.PropAttendee)
	attendee.Value = "mailto:" + inv.Recipient
	attendee.Params.Set("PARTSTAT", partstat)
	attendee.Params.Set("CN", name)
	event.Props.Set(attendee)
	cal.Children = append(cal.Children, event.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return gateway.Reply{}, fmt.Errorf("encode reply: %w", err)
	}

	var body strings.Builder
	fmt.Fprintf(&body, "%s has %s this meeting invitation.\n", name, strings.ToLower(verb))
	fmt.Fprintf(&body, "\nMeeting: %s\n", inv.Title)
	if !inv.Start.IsZero() {
		fmt.Fprintf(&body, "Time: %s\n", inv.Start.UTC().Format("2006-01-02 15:04 MST"))
	}
	if reason != "" {
		fmt.Fprintf(&body, "\nReason: %s\n", reason)
	}
	body.WriteString("\n---\nThis is an automated response.")

	return gateway.Reply{
		To:        inv.Organizer,
		Subject:   fmt.Sprintf("%s: %s", verb, inv.Title),
		Body:      body.String(),
		ICS:       buf.String(),
		InReplyTo: inv.IdentityKey,
	}, nil
}

type replyPoster interface {
	SendReply(ctx context.Context, mailbox string, reply gateway.Reply) error
}

// GatewaySender posts replies through the mail gateway's outbox.
type GatewaySender struct {
	client  replyPoster
	mailbox string
	opts    Options
	logger  Logger
}

func NewGatewaySender(client *gateway.Client, mailbox string, opts Options, logger Logger) *GatewaySender {
	return &GatewaySender{client: client, mailbox: mailbox, opts: opts, logger: logger}
}

func (s *GatewaySender) Accept(ctx context.Context, inv intake.Invite) error {
	return s.send(ctx, inv, true, "")
}

func (s *GatewaySender) Decline(ctx context.Context, inv intake.Invite, reason string) error {
	return s.send(ctx, inv, false, reason)
}

func (s *GatewaySender) send(ctx context.Context, inv intake.Invite, accept bool, reason string) error {
	reply, err := BuildReply(inv, accept, reason, s.opts)
	if errors.Is(err, ErrUnaddressable) {
		logf(s.logger, "skipping rsvp for %q: no UID or organizer", inv.Title)
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.client.SendReply(ctx, s.mailbox, reply); err != nil {
		return fmt.Errorf("send reply to %s: %w", reply.To, err)
	}
	logf(s.logger, "rsvp sent: %s", reply.Subject)
	return nil
}

// LogSender only logs what it would have sent; used when RSVPs are off.
type LogSender struct {
	Logger Logger
}

func (s LogSender) Accept(ctx context.Context, inv intake.Invite) error {
	logf(s.Logger, "rsvp disabled: would accept %q from %s", inv.Title, inv.Organizer)
	return nil
}

func (s LogSender) Decline(ctx context.Context, inv intake.Invite, reason string) error {
	logf(s.Logger, "rsvp disabled: would decline %q from %s (%s)", inv.Title, inv.Organizer, reason)
	return nil
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
