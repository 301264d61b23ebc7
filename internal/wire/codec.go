// Package wire translates between raw text frames and validated in-memory
// control messages. Parsing is strict: unknown top-level keys, missing
// discriminants and malformed optional items all reject the whole message so
// a partially understood frame never creates a stream.
package wire

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Client message discriminants.
const (
	TypeStartChatStream  = "start_chat_stream"
	TypeCancelChatStream = "cancel_chat_stream"
)

// Attachment is a file the user attached to the prompt.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Data        string `json:"data"`
}

// ComponentSelection identifies a UI component the user selected as context.
type ComponentSelection struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	RelativePath string `json:"relativePath,omitempty"`
}

// StartMessage asks the session to begin a new logical stream.
type StartMessage struct {
	RequestID          string
	OrgID              string
	WorkspaceID        string
	ChatID             int64
	Prompt             string
	Redo               bool
	Attachments        []Attachment
	SelectedComponents []ComponentSelection
}

// CancelMessage asks the session to cancel an in-flight stream. ChatID is an
// optional fallback lookup key when the request id is no longer known.
type CancelMessage struct {
	RequestID string
	ChatID    int64
}

// ClientMessage is the discriminated union of inbound control messages.
// Exactly one of the fields is non-nil after a successful parse.
type ClientMessage struct {
	Start  *StartMessage
	Cancel *CancelMessage
}

// ParseError describes a rejected client frame. Callers turn it into a
// transport-level error reply, never a crash.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "invalid client message: " + e.Reason
}

func parseErrf(format string, args ...any) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

var startKeys = map[string]bool{
	"type": true, "requestId": true, "orgId": true, "workspaceId": true,
	"chatId": true, "prompt": true, "redo": true, "attachments": true,
	"selectedComponents": true,
}

var cancelKeys = map[string]bool{
	"type": true, "requestId": true, "chatId": true,
}

// ParseClientMessage parses and validates one raw client frame.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return ClientMessage{}, parseErrf("malformed JSON: %v", err)
	}

	typRaw, ok := raw["type"]
	if !ok {
		return ClientMessage{}, parseErrf("missing type")
	}
	var typ string
	if err := json.Unmarshal(typRaw, &typ); err != nil {
		return ClientMessage{}, parseErrf("type must be a string")
	}

	switch typ {
	case TypeStartChatStream:
		msg, err := parseStart(raw)
		if err != nil {
			return ClientMessage{}, err
		}
		return ClientMessage{Start: msg}, nil
	case TypeCancelChatStream:
		msg, err := parseCancel(raw)
		if err != nil {
			return ClientMessage{}, err
		}
		return ClientMessage{Cancel: msg}, nil
	default:
		return ClientMessage{}, parseErrf("unsupported type %q", typ)
	}
}

func parseStart(raw map[string]json.RawMessage) (*StartMessage, error) {
	for key := range raw {
		if !startKeys[key] {
			return nil, parseErrf("unknown key %q", key)
		}
	}

	msg := &StartMessage{}
	var err error
	if msg.RequestID, err = requiredString(raw, "requestId"); err != nil {
		return nil, err
	}
	if msg.OrgID, err = requiredString(raw, "orgId"); err != nil {
		return nil, err
	}
	if msg.WorkspaceID, err = requiredString(raw, "workspaceId"); err != nil {
		return nil, err
	}
	if msg.Prompt, err = requiredString(raw, "prompt"); err != nil {
		return nil, err
	}
	if msg.ChatID, err = requiredChatID(raw); err != nil {
		return nil, err
	}

	if redoRaw, ok := raw["redo"]; ok {
		if err := json.Unmarshal(redoRaw, &msg.Redo); err != nil {
			return nil, parseErrf("redo must be a boolean")
		}
	}
	if attRaw, ok := raw["attachments"]; ok {
		if err := json.Unmarshal(attRaw, &msg.Attachments); err != nil {
			return nil, parseErrf("attachments must be a list")
		}
		for i, a := range msg.Attachments {
			if strings.TrimSpace(a.Name) == "" {
				return nil, parseErrf("attachment %d: name required", i)
			}
			if a.Data == "" {
				return nil, parseErrf("attachment %d: data required", i)
			}
		}
	}
	if selRaw, ok := raw["selectedComponents"]; ok {
		if err := json.Unmarshal(selRaw, &msg.SelectedComponents); err != nil {
			return nil, parseErrf("selectedComponents must be a list")
		}
		for i, c := range msg.SelectedComponents {
			if strings.TrimSpace(c.ID) == "" {
				return nil, parseErrf("selected component %d: id required", i)
			}
			if strings.TrimSpace(c.Name) == "" {
				return nil, parseErrf("selected component %d: name required", i)
			}
		}
	}
	return msg, nil
}

func parseCancel(raw map[string]json.RawMessage) (*CancelMessage, error) {
	for key := range raw {
		if !cancelKeys[key] {
			return nil, parseErrf("unknown key %q", key)
		}
	}
	msg := &CancelMessage{}
	var err error
	if msg.RequestID, err = requiredString(raw, "requestId"); err != nil {
		return nil, err
	}
	if _, ok := raw["chatId"]; ok {
		if msg.ChatID, err = requiredChatID(raw); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func requiredString(raw map[string]json.RawMessage, key string) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", parseErrf("missing %s", key)
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", parseErrf("%s must be a string", key)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", parseErrf("%s must not be empty", key)
	}
	return s, nil
}

func requiredChatID(raw map[string]json.RawMessage) (int64, error) {
	v, ok := raw["chatId"]
	if !ok {
		return 0, parseErrf("missing chatId")
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return 0, parseErrf("chatId must be a number")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, parseErrf("chatId must be a finite integer")
	}
	return int64(f), nil
}

// ServerFrame is the outbound envelope shared by the websocket and bridge
// transports. The chunked transport writes the same event names as SSE
// blocks instead; see httpserver.
type ServerFrame struct {
	Event     string `json:"event"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload"`
}

// Encode serializes the frame. Pure structural projection, no validation.
func (f ServerFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// DecodeServerFrame parses a frame produced by Encode. Used by test harnesses
// and bridge consumers; payload decodes to generic JSON values.
func DecodeServerFrame(data []byte) (ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ServerFrame{}, fmt.Errorf("decode server frame: %w", err)
	}
	return f, nil
}
