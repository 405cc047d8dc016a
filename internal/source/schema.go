package source

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	inviteSchemaURL  = "https://relaycal.local/schemas/invite.json"
	messageSchemaURL = "https://relaycal.local/schemas/message.json"
)

const inviteSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["identityKey", "method"],
  "properties": {
    "identityKey": {"type": "string", "minLength": 1},
    "protocolId": {"type": "string"},
    "method": {"type": "string", "enum": ["REQUEST", "CANCEL", "REPLY", "request", "cancel", "reply"]},
    "project": {"type": "string"},
    "title": {"type": "string"},
    "start": {"type": "string"},
    "end": {"type": ["string", "null"]},
    "joinUrl": {"type": "string"},
    "organizer": {"type": "string"},
    "recipient": {"type": "string"},
    "rawPayload": {"type": "string"}
  }
}`

const messageSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["messageId", "cursor"],
  "properties": {
    "messageId": {"type": "string", "minLength": 1},
    "cursor": {"type": "string", "minLength": 1},
    "from": {"type": "string"},
    "to": {"type": "string"},
    "subject": {"type": "string"},
    "receivedAt": {"type": "string"},
    "ics": {"type": "string"},
    "invite": {"$ref": "invite.json"}
  }
}`

var (
	schemasOnce   sync.Once
	inviteSchema  *jsonschema.Schema
	messageSchema *jsonschema.Schema
	schemasErr    error
)

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	for url, text := range map[string]string{
		inviteSchemaURL:  inviteSchemaJSON,
		messageSchemaURL: messageSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			schemasErr = fmt.Errorf("parse schema %s: %w", url, err)
			return
		}
		if err := compiler.AddResource(url, doc); err != nil {
			schemasErr = fmt.Errorf("add schema %s: %w", url, err)
			return
		}
	}
	if inviteSchema, schemasErr = compiler.Compile(inviteSchemaURL); schemasErr != nil {
		return
	}
	messageSchema, schemasErr = compiler.Compile(messageSchemaURL)
}

// InviteSchema is the compiled schema for the JSON form of intake.Invite.
func InviteSchema() (*jsonschema.Schema, error) {
	schemasOnce.Do(compileSchemas)
	return inviteSchema, schemasErr
}

// ValidateInvite checks a JSON invite record before it is decoded.
func ValidateInvite(raw []byte) error {
	sch, err := InviteSchema()
	if err != nil {
		return err
	}
	return validate(sch, raw)
}

// ValidateMessage checks one gateway message envelope, including an embedded
// invite record when present.
func ValidateMessage(raw []byte) error {
	schemasOnce.Do(compileSchemas)
	if schemasErr != nil {
		return schemasErr
	}
	return validate(messageSchema, raw)
}

func validate(sch *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}
