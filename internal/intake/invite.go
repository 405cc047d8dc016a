package intake

import (
	"net/mail"
	"strings"
	"time"

	"github.com/agentworkforce/relaycal/internal/meeting"
)

type Method string

const (
	MethodRequest Method = "REQUEST"
	MethodCancel  Method = "CANCEL"
	MethodReply   Method = "REPLY"
)

// Invite is one already-parsed calendar message. IdentityKey is the
// transport identity (Message-ID); ProtocolID is the iCalendar UID shared by
// a REQUEST and its later CANCEL.
type Invite struct {
	IdentityKey string     `json:"identityKey"`
	ProtocolID  string     `json:"protocolId,omitempty"`
	Method      Method     `json:"method"`
	Project     string     `json:"project,omitempty"`
	Title       string     `json:"title,omitempty"`
	Start       time.Time  `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
	JoinURL     string     `json:"joinUrl,omitempty"`
	Organizer   string     `json:"organizer,omitempty"`
	Recipient   string     `json:"recipient,omitempty"`
	RawPayload  string     `json:"rawPayload,omitempty"`
}

func ParseMethod(raw string) Method {
	switch Method(strings.ToUpper(strings.TrimSpace(raw))) {
	case MethodCancel:
		return MethodCancel
	case MethodReply:
		return MethodReply
	case MethodRequest, "":
		return MethodRequest
	}
	return Method(strings.ToUpper(strings.TrimSpace(raw)))
}

// ProjectFromAddress derives the project tag from the local part of the
// recipient address: "cattle-erp@meet.example.com" -> "cattle-erp".
func ProjectFromAddress(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return ""
	}
	if len(address) > 7 && strings.EqualFold(address[:7], "mailto:") {
		address = address[7:]
	}
	if parsed, err := mail.ParseAddress(address); err == nil {
		address = parsed.Address
	}
	address = strings.ToLower(address)
	local, _, _ := strings.Cut(address, "@")
	return strings.TrimSpace(local)
}

func normalizeInvite(inv Invite) Invite {
	inv.IdentityKey = cleanText(inv.IdentityKey)
	inv.ProtocolID = cleanText(inv.ProtocolID)
	inv.Method = ParseMethod(string(inv.Method))
	inv.Title = cleanText(inv.Title)
	inv.JoinURL = cleanText(inv.JoinURL)
	inv.Organizer = cleanText(inv.Organizer)
	inv.Recipient = cleanText(inv.Recipient)
	inv.Project = cleanText(inv.Project)
	inv.RawPayload = sanitizeText(inv.RawPayload)
	if inv.Project == "" {
		inv.Project = ProjectFromAddress(inv.Recipient)
	}
	if !inv.Start.IsZero() {
		inv.Start = inv.Start.UTC()
	}
	if inv.End != nil {
		end := inv.End.UTC()
		inv.End = &end
	}
	return inv
}

// sanitizeText drops NUL bytes and replaces invalid UTF-8, neither of which
// a Postgres text column accepts.
func sanitizeText(value string) string {
	if strings.IndexByte(value, 0) >= 0 {
		value = strings.ReplaceAll(value, "\x00", "")
	}
	return strings.ToValidUTF8(value, "\uFFFD")
}

func cleanText(value string) string {
	return strings.TrimSpace(sanitizeText(value))
}

func (inv Invite) toMeeting(status meeting.Status, now time.Time) meeting.Meeting {
	return meeting.Meeting{
		IdentityKey: inv.IdentityKey,
		ProtocolID:  inv.ProtocolID,
		Project:     inv.Project,
		Title:       inv.Title,
		StartTime:   inv.Start,
		EndTime:     inv.End,
		JoinURL:     inv.JoinURL,
		Platform:    meeting.DetectPlatform(inv.JoinURL),
		Organizer:   inv.Organizer,
		Recipient:   inv.Recipient,
		Status:      status,
		CreatedAt:   now,
		RawPayload:  inv.RawPayload,
	}
}
