package sechat

import "encoding/json"

// Lifecycle event names published alongside server event types.
const (
	EventReady       = "ready"
	EventJoined      = "joined"
	EventSend        = "send"
	EventMainLogin   = "main-login"
	EventSocketOpen  = "socket-open"
	EventSocketClose = "socket-close"
	EventSocketError = "socket-error"
	EventDecodeError = "decode-error"
)

// ChatMessage is the decoded payload of one server event record.
type ChatMessage struct {
	EventType eventType `json:"event_type"`
	TimeStamp int64     `json:"time_stamp"`
	Content   string    `json:"content"`
	ID        int64     `json:"id"`
	UserID    int       `json:"user_id"`
	UserName  string    `json:"user_name"`
	RoomID    int       `json:"room_id"`
	RoomName  string    `json:"room_name"`
	MessageID int64     `json:"message_id"`
}

// eventType tolerates both numeric and string event_type encodings;
// either way it is passed through verbatim as the event name.
type eventType string

func (t *eventType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = eventType(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*t = eventType(n.String())
	return nil
}

// Event is one item delivered to subscribers: either a server event
// (Msg and Raw set) or a lifecycle/diagnostic notification.
type Event struct {
	// Type is a lifecycle name or the server event_type verbatim.
	Type   string
	RoomID int

	// Msg and Raw carry the payload of server events.
	Msg *ChatMessage
	Raw json.RawMessage

	// Code is the socket close code on socket-close events.
	Code int
	// Err is set on socket-error and decode-error diagnostics.
	Err error
	// Text is the message text on send acknowledgments.
	Text string
}
