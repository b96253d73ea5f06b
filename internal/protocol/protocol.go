// Package protocol defines the three wire dialects the gateway speaks:
// native BROP request/response, CDP JSON-RPC, and the upstream extension
// envelope. Each inbound frame decodes into exactly one variant of a closed
// set, selected by a Kind discriminant.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrUpstreamUnavailable is returned when no extension link is connected.
	ErrUpstreamUnavailable = errors.New("chrome extension not connected")

	// ErrUnknownClient marks a reply or lookup for a client that is gone.
	ErrUnknownClient = errors.New("unknown client")

	// ErrUnresolvedSession marks an event whose target has no mapped session.
	ErrUnresolvedSession = errors.New("unresolved session")

	// ErrMalformedMessage wraps JSON decode failures of inbound frames.
	ErrMalformedMessage = errors.New("malformed message")
)

// Kind discriminates decoded frames.
type Kind int

const (
	KindUnknown Kind = iota
	KindNativeCommand
	KindCDPCommand
	KindUpstreamResponse
	KindUpstreamEvent
	KindUpstreamPong
)

func (k Kind) String() string {
	switch k {
	case KindNativeCommand:
		return "native_command"
	case KindCDPCommand:
		return "cdp_command"
	case KindUpstreamResponse:
		return "upstream_response"
	case KindUpstreamEvent:
		return "upstream_event"
	case KindUpstreamPong:
		return "upstream_pong"
	default:
		return "unknown"
	}
}

// Envelope types written to the extension.
const (
	EnvelopeNative = "brop_command"
	EnvelopeCDP    = "cdp_command"
	EnvelopePing   = "ping"
)

// Envelope types read from the extension.
const (
	typeResponse = "response"
	typeEvent    = "event"
	typePong     = "pong"
)

// Message is the tagged union of every decoded inbound frame. Exactly one of
// the variant pointers is set, matching Kind.
type Message struct {
	Kind     Kind
	Native   *NativeCommand
	CDP      *CDPCommand
	Response *UpstreamResponse
	Event    *UpstreamEvent
}

// NativeCommand is a BROP request from a native client. ID is nil when the
// client did not supply one.
type NativeCommand struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NativeReply is written back to native clients.
type NativeReply struct {
	ID      json.RawMessage `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// CDPCommand is a JSON-RPC request from a CDP client.
type CDPCommand struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// CDPError is the CDP error object.
type CDPError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// CDPReply is a JSON-RPC response to a CDP client.
type CDPReply struct {
	ID        int64           `json:"id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *CDPError       `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// CDPEvent is an unsolicited CDP notification.
type CDPEvent struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// UpstreamCommand is the envelope written to the extension.
type UpstreamCommand struct {
	Type         string          `json:"type"`
	ID           int64           `json:"id"`
	Method       string          `json:"method"`
	Params       json.RawMessage `json:"params,omitempty"`
	SessionID    string          `json:"sessionId,omitempty"`
	TargetID     string          `json:"targetId,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
}

// UpstreamResponse answers an UpstreamCommand. Success is derived when the
// extension omits it: a response without an error is a success.
type UpstreamResponse struct {
	ID      int64
	Success bool
	Result  json.RawMessage
	Error   string
	Code    int64
}

// UpstreamEvent is an asynchronous notification from the extension. Raw keeps
// the params bytes untouched for relaying.
type UpstreamEvent struct {
	Method       string
	Params       json.RawMessage
	TargetID     string
	SessionID    string
	ConnectionID string
}

// Domain returns the CDP domain of a method name ("Page" for
// "Page.loadEventFired"), or "" for names without a domain.
func Domain(method string) string {
	domain, _, ok := strings.Cut(method, ".")
	if !ok {
		return ""
	}
	return domain
}

// IsBrowserScoped reports whether events of this method go to the main
// browser client only.
func IsBrowserScoped(method string) bool {
	switch Domain(method) {
	case "Target", "Browser":
		return true
	}
	return false
}

// DecodeNative decodes a frame read from a native client.
func DecodeNative(data []byte) (*Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedMessage)
	}
	var cmd NativeCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if cmd.Method == "" {
		return nil, fmt.Errorf("%w: missing method", ErrMalformedMessage)
	}
	if string(cmd.ID) == "null" {
		cmd.ID = nil
	}
	return &Message{Kind: KindNativeCommand, Native: &cmd}, nil
}

// DecodeCDP decodes a frame read from a CDP client.
func DecodeCDP(data []byte) (*Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedMessage)
	}
	var cmd CDPCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if cmd.Method == "" {
		return nil, fmt.Errorf("%w: missing method", ErrMalformedMessage)
	}
	return &Message{Kind: KindCDPCommand, CDP: &cmd}, nil
}

// DecodeUpstream decodes a frame read from the extension.
func DecodeUpstream(data []byte) (*Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedMessage)
	}
	frame := gjson.ParseBytes(data)

	switch frame.Get("type").String() {
	case typeResponse:
		id := frame.Get("id")
		if !id.Exists() {
			return nil, fmt.Errorf("%w: response without id", ErrMalformedMessage)
		}
		resp := &UpstreamResponse{ID: id.Int()}
		if r := frame.Get("result"); r.Exists() {
			resp.Result = json.RawMessage(r.Raw)
		}
		resp.Error, resp.Code = upstreamError(frame.Get("error"))
		if s := frame.Get("success"); s.Exists() {
			resp.Success = s.Bool()
		} else {
			resp.Success = resp.Error == ""
		}
		if !resp.Success && resp.Error == "" {
			resp.Error = "upstream command failed"
		}
		return &Message{Kind: KindUpstreamResponse, Response: resp}, nil

	case typeEvent:
		evt := &UpstreamEvent{
			Method:       frame.Get("method").String(),
			TargetID:     frame.Get("targetId").String(),
			SessionID:    frame.Get("sessionId").String(),
			ConnectionID: frame.Get("connectionId").String(),
		}
		if evt.Method == "" {
			// BROP notifications name themselves with event_type.
			evt.Method = frame.Get("event_type").String()
		}
		if evt.Method == "" {
			return nil, fmt.Errorf("%w: event without method", ErrMalformedMessage)
		}
		if p := frame.Get("params"); p.Exists() {
			evt.Params = json.RawMessage(p.Raw)
		}
		return &Message{Kind: KindUpstreamEvent, Event: evt}, nil

	case typePong:
		return &Message{Kind: KindUpstreamPong}, nil
	}

	return nil, fmt.Errorf("%w: unknown frame type %q", ErrMalformedMessage, frame.Get("type").String())
}

// upstreamError accepts both a bare string and a CDP-style {code,message}.
func upstreamError(v gjson.Result) (string, int64) {
	if !v.Exists() || v.Type == gjson.Null {
		return "", 0
	}
	if v.IsObject() {
		return v.Get("message").String(), v.Get("code").Int()
	}
	return v.String(), 0
}
