package rsvp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaycal/internal/gateway"
	"github.com/agentworkforce/relaycal/internal/intake"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC) }

func sampleInvite() intake.Invite {
	end := time.Date(2026, 3, 9, 10, 30, 0, 0, time.UTC)
	return intake.Invite{
		IdentityKey: "<m1@example.com>",
		ProtocolID:  "evt-standup@example.com",
		Method:      intake.MethodRequest,
		Title:       "Daily standup",
		Start:       time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC),
		End:         &end,
		Organizer:   "dana@example.com",
		Recipient:   "cattle-erp@meet.example.com",
	}
}

func decodeReply(t *testing.T, raw string) (*ical.Calendar, *ical.Event) {
	t.Helper()
	cal, err := ical.NewDecoder(strings.NewReader(raw)).Decode()
	require.NoError(t, err)
	events := cal.Events()
	require.Len(t, events, 1)
	return cal, &events[0]
}

func TestBuildReplyAccept(t *testing.T) {
	reply, err := BuildReply(sampleInvite(), true, "", Options{Now: fixedNow})
	require.NoError(t, err)

	assert.Equal(t, "dana@example.com", reply.To)
	assert.Equal(t, "Accepted: Daily standup", reply.Subject)
	assert.Equal(t, "<m1@example.com>", reply.InReplyTo)
	assert.Contains(t, reply.Body, "Meeting Bot has accepted this meeting invitation.")
	assert.Contains(t, reply.Body, "Time: 2026-03-09 10:00 UTC")
	assert.NotContains(t, reply.Body, "Reason:")

	cal, event := decodeReply(t, reply.ICS)
	assert.Equal(t, "REPLY", cal.Props.Get(ical.PropMethod).Value)
	assert.Equal(t, "evt-standup@example.com", event.Props.Get(ical.PropUID).Value)
	attendee := event.Props.Get(ical.PropAttendee)
	require.NotNil(t, attendee)
	assert.Equal(t, "mailto:cattle-erp@meet.example.com", attendee.Value)
	assert.Equal(t, "ACCEPTED", attendee.Params.Get("PARTSTAT"))
	assert.Equal(t, "mailto:dana@example.com", event.Props.Get(ical.PropOrganizer).Value)
	assert.Equal(t, "20260309T080000Z", event.Props.Get(ical.PropDateTimeStamp).Value)
}

func TestBuildReplyDeclineCarriesReason(t *testing.T) {
	reply, err := BuildReply(sampleInvite(), false, "Conflicts with: Ops review", Options{Now: fixedNow, DisplayName: "Ops Bot"})
	require.NoError(t, err)
	assert.Equal(t, "Declined: Daily standup", reply.Subject)
	assert.Contains(t, reply.Body, "Ops Bot has declined")
	assert.Contains(t, reply.Body, "Reason: Conflicts with: Ops review")

	_, event := decodeReply(t, reply.ICS)
	attendee := event.Props.Get(ical.PropAttendee)
	assert.Equal(t, "DECLINED", attendee.Params.Get("PARTSTAT"))
	assert.Equal(t, "Ops Bot", attendee.Params.Get("CN"))
}

func TestBuildReplyNeedsUIDAndOrganizer(t *testing.T) {
	inv := sampleInvite()
	inv.ProtocolID = ""
	_, err := BuildReply(inv, true, "", Options{})
	assert.ErrorIs(t, err, ErrUnaddressable)

	inv = sampleInvite()
	inv.Organizer = " "
	_, err = BuildReply(inv, true, "", Options{})
	assert.ErrorIs(t, err, ErrUnaddressable)
}

type recordedLogs struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordedLogs) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, format)
}

func TestGatewaySenderPostsReply(t *testing.T) {
	var got gateway.Reply
	var path, idempotency string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		idempotency = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	logs := &recordedLogs{}
	sender := NewGatewaySender(gateway.NewClient(server.URL, "tok", nil), "meet", Options{Now: fixedNow}, logs)
	require.NoError(t, sender.Decline(context.Background(), sampleInvite(), "outside hours"))

	assert.Equal(t, "/v1/mailboxes/meet/replies", path)
	assert.Equal(t, "reply:<m1@example.com>", idempotency)
	assert.Equal(t, "Declined: Daily standup", got.Subject)
	_, event := decodeReply(t, got.ICS)
	assert.Equal(t, "DECLINED", event.Props.Get(ical.PropAttendee).Params.Get("PARTSTAT"))
}

func TestGatewaySenderSkipsUnaddressableInvite(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	logs := &recordedLogs{}
	sender := NewGatewaySender(gateway.NewClient(server.URL, "", nil), "meet", Options{}, logs)
	inv := sampleInvite()
	inv.ProtocolID = ""
	require.NoError(t, sender.Accept(context.Background(), inv))
	assert.Zero(t, calls)
	assert.Len(t, logs.lines, 1)
}

func TestGatewaySenderReturnsGatewayErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"bad_recipient","message":"unknown organizer"}`))
	}))
	defer server.Close()

	sender := NewGatewaySender(gateway.NewClient(server.URL, "", nil), "meet", Options{}, nil)
	err := sender.Accept(context.Background(), sampleInvite())
	var httpErr *gateway.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, "bad_recipient", httpErr.Code)
}

func TestLogSenderNeverFails(t *testing.T) {
	logs := &recordedLogs{}
	sender := LogSender{Logger: logs}
	require.NoError(t, sender.Accept(context.Background(), sampleInvite()))
	require.NoError(t, sender.Decline(context.Background(), sampleInvite(), "conflict"))
	assert.Len(t, logs.lines, 2)
	require.NoError(t, LogSender{}.Accept(context.Background(), sampleInvite()))
}
