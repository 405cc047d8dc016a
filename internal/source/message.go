package source

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/agentworkforce/relaycal/internal/gateway"
	"github.com/agentworkforce/relaycal/internal/intake"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	// ErrNotInvite marks ordinary mail; callers skip it without logging.
	ErrNotInvite = errors.New("message carries no calendar invite")
)

// InviteFromMessage turns one gateway message into an invite record. The
// message's ICS part wins over an embedded invite record.
func InviteFromMessage(msg gateway.Message) (intake.Invite, error) {
	switch {
	case strings.TrimSpace(msg.ICS) != "":
		return inviteFromICS(msg)
	case len(msg.Invite) > 0 && string(msg.Invite) != "null":
		return inviteFromRecord(msg)
	}
	return intake.Invite{}, ErrNotInvite
}

func inviteFromICS(msg gateway.Message) (intake.Invite, error) {
	event, err := DecodeICS(msg.ICS)
	if errors.Is(err, ErrNoEvent) {
		return intake.Invite{}, ErrNotInvite
	}
	if err != nil {
		return intake.Invite{}, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, msg.MessageID, err)
	}
	method := event.Method
	if event.Cancelled && method == intake.MethodRequest {
		method = intake.MethodCancel
	}
	inv := intake.Invite{
		IdentityKey: msg.MessageID,
		ProtocolID:  event.UID,
		Method:      method,
		Title:       event.Title,
		Start:       event.Start,
		End:         event.End,
		JoinURL:     event.JoinURL,
		Organizer:   event.Organizer,
		Recipient:   plainAddress(msg.To),
		RawPayload:  msg.ICS,
	}
	if inv.Title == "" {
		inv.Title = strings.TrimSpace(msg.Subject)
	}
	if inv.Organizer == "" {
		inv.Organizer = plainAddress(msg.From)
	}
	if inv.IdentityKey == "" {
		inv.IdentityKey = event.UID
	}
	return inv, nil
}

func inviteFromRecord(msg gateway.Message) (intake.Invite, error) {
	var inv intake.Invite
	if err := json.Unmarshal(msg.Invite, &inv); err != nil {
		return intake.Invite{}, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, msg.MessageID, err)
	}
	if inv.IdentityKey == "" {
		inv.IdentityKey = msg.MessageID
	}
	if inv.Recipient == "" {
		inv.Recipient = plainAddress(msg.To)
	}
	if inv.Organizer == "" {
		inv.Organizer = plainAddress(msg.From)
	}
	if inv.Title == "" {
		inv.Title = strings.TrimSpace(msg.Subject)
	}
	return inv, nil
}

func plainAddress(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if parsed, err := mail.ParseAddress(value); err == nil {
		return strings.ToLower(parsed.Address)
	}
	return strings.ToLower(value)
}

// MessageFromEML reads a raw RFC 5322 mail and pulls out its calendar part,
// either a text/calendar (or application/ics) body part or a .ics
// attachment. Mail without one yields a message with an empty ICS field.
func MessageFromEML(cursor string, raw []byte) (gateway.Message, error) {
	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return gateway.Message{}, fmt.Errorf("%w: read mail: %v", ErrInvalidMessage, err)
	}
	decoder := new(mime.WordDecoder)
	subject, err := decoder.DecodeHeader(parsed.Header.Get("Subject"))
	if err != nil {
		subject = parsed.Header.Get("Subject")
	}
	msg := gateway.Message{
		MessageID: strings.TrimSpace(parsed.Header.Get("Message-Id")),
		Cursor:    cursor,
		From:      parsed.Header.Get("From"),
		To:        parsed.Header.Get("To"),
		Subject:   subject,
	}
	if msg.MessageID == "" {
		msg.MessageID = cursor
	}
	ics, err := findCalendarPart(parsed.Header, parsed.Body, 0)
	if err != nil {
		return gateway.Message{}, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, msg.MessageID, err)
	}
	msg.ICS = ics
	return msg, nil
}

type partHeader interface {
	Get(key string) string
}

func findCalendarPart(header partHeader, body io.Reader, depth int) (string, error) {
	if depth > 8 {
		return "", nil
	}
	mediaType, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil {
		mediaType = "text/plain"
	}
	if strings.HasPrefix(mediaType, "multipart/") {
		reader := multipart.NewReader(body, params["boundary"])
		for {
			part, err := reader.NextPart()
			if errors.Is(err, io.EOF) {
				return "", nil
			}
			if err != nil {
				return "", err
			}
			ics, err := findCalendarPart(part.Header, part, depth+1)
			if err != nil || ics != "" {
				return ics, err
			}
		}
	}
	if !isCalendarPart(header, mediaType) {
		return "", nil
	}
	data, err := io.ReadAll(transferDecoder(header.Get("Content-Transfer-Encoding"), body))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func isCalendarPart(header partHeader, mediaType string) bool {
	if mediaType == "text/calendar" || mediaType == "application/ics" {
		return true
	}
	_, params, err := mime.ParseMediaType(header.Get("Content-Disposition"))
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(params["filename"]), ".ics")
}

func transferDecoder(encoding string, body io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, body)
	case "quoted-printable":
		return quotedprintable.NewReader(body)
	}
	return body
}
