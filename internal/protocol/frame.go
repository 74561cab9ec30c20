package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType names a frame on the device transport. The string values are
// part of the wire contract with deployed devices.
type EventType string

const (
	// device -> relay
	EventResponseHeader        EventType = "responseHeader"
	EventResponseContentBinary EventType = "responseContentBinary"
	EventResponseFinished      EventType = "responseFinished"
	EventResponseError         EventType = "responseError"
	EventWebSocket             EventType = "websocket"
	EventWebSocketClose        EventType = "websocketClose"
	EventNotification          EventType = "notification"
	EventBroadcastNotification EventType = "broadcastnotification"
	EventLogNotification       EventType = "lognotification"

	// relay -> device
	EventRequest EventType = "request"
	EventCancel  EventType = "cancel"

	// both directions
	EventHeartbeat EventType = "heartbeat"
)

// Frame is the JSON envelope exchanged over the device WebSocket. Only the
// fields relevant to Type are populated.
type Frame struct {
	Type EventType `json:"type"`
	ID   int64     `json:"id,omitempty"`

	// request
	Method     string  `json:"method,omitempty"`
	Path       string  `json:"path,omitempty"`
	Query      string  `json:"query,omitempty"`
	RemoteAddr string  `json:"remoteAddr,omitempty"`
	UserID     string  `json:"userId,omitempty"`
	Headers    Headers `json:"headers,omitempty"`
	Body       []byte  `json:"body,omitempty"`

	// responses
	ResponseStatusCode int    `json:"responseStatusCode,omitempty"`
	ResponseStatusText string `json:"responseStatusText,omitempty"`

	// websocket tunnel payload
	Data []byte `json:"data,omitempty"`

	*Notification
	Heartbeat *HeartbeatPayload `json:"heartbeat,omitempty"`
}

// Notification is the payload of the three notification events. UserID on
// the enclosing frame addresses single-user notifications.
type Notification struct {
	Message            string          `json:"message,omitempty"`
	Icon               string          `json:"icon,omitempty"`
	Severity           string          `json:"severity,omitempty"`
	Tag                string          `json:"tag,omitempty"`
	Title              string          `json:"title,omitempty"`
	ReferenceID        string          `json:"reference-id,omitempty"`
	OnClickAction      string          `json:"on-click,omitempty"`
	MediaAttachmentURL string          `json:"media-attachment-url,omitempty"`
	Actions            json.RawMessage `json:"actions,omitempty"`
}

// Headers holds header values by name. On the wire a single value is a JSON
// string and multiple values are an array; both forms are accepted.
type Headers map[string][]string

func (h Headers) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(h))
	for name, values := range h {
		switch len(values) {
		case 0:
		case 1:
			out[name] = values[0]
		default:
			out[name] = values
		}
	}
	return json.Marshal(out)
}

func (h *Headers) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Headers, len(raw))
	for name, value := range raw {
		trimmed := strings.TrimSpace(string(value))
		switch {
		case trimmed == "null":
			continue
		case strings.HasPrefix(trimmed, "["):
			var values []string
			if err := json.Unmarshal(value, &values); err != nil {
				return fmt.Errorf("header %q: %w", name, err)
			}
			out[name] = values
		case strings.HasPrefix(trimmed, `"`):
			var single string
			if err := json.Unmarshal(value, &single); err != nil {
				return fmt.Errorf("header %q: %w", name, err)
			}
			out[name] = []string{single}
		default:
			// numbers and booleans show up from some device firmwares
			out[name] = []string{trimmed}
		}
	}
	*h = out
	return nil
}

// Get returns the first value for name using a case-insensitive match.
func (h Headers) Get(name string) string {
	if values, ok := h[name]; ok && len(values) > 0 {
		return values[0]
	}
	for key, values := range h {
		if strings.EqualFold(key, name) && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

// Validate reports frames that cannot be dispatched.
func (f *Frame) Validate() error {
	switch f.Type {
	case EventResponseHeader, EventResponseContentBinary, EventResponseFinished,
		EventResponseError, EventWebSocket, EventWebSocketClose, EventCancel, EventRequest:
		if f.ID <= 0 {
			return fmt.Errorf("%s frame missing id", f.Type)
		}
	case EventNotification:
		if f.UserID == "" {
			return fmt.Errorf("%s frame missing userId", f.Type)
		}
		if f.Notification == nil || f.Notification.Message == "" {
			return fmt.Errorf("%s frame missing message", f.Type)
		}
	case EventBroadcastNotification, EventLogNotification:
		if f.Notification == nil || f.Notification.Message == "" {
			return fmt.Errorf("%s frame missing message", f.Type)
		}
	case EventHeartbeat:
		if f.Heartbeat == nil {
			return fmt.Errorf("heartbeat frame missing payload")
		}
	case "":
		return fmt.Errorf("frame missing type")
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}

// Cancel builds the relay -> device instruction to abandon a request or tunnel.
func Cancel(id int64) *Frame {
	return &Frame{Type: EventCancel, ID: id}
}

type HeartbeatMode string

const (
	HeartbeatModePing HeartbeatMode = "ping"
	HeartbeatModePong HeartbeatMode = "pong"
)

type HeartbeatPayload struct {
	Sequence uint64        `json:"seq"`
	SentAt   int64         `json:"sentAt"`
	Mode     HeartbeatMode `json:"mode,omitempty"`
}
