package domain

// TransportEventKind tags a TransportEvent.
type TransportEventKind string

const (
	EventOpened  TransportEventKind = "opened"
	EventMessage TransportEventKind = "message"
	EventError   TransportEventKind = "error"
	EventClosed  TransportEventKind = "closed"
)

// Message is a decoded inbound payload. Text frames are decoded from JSON,
// binary frames are carried in Binary.
type Message struct {
	Type     string          `json:"type,omitempty"`
	Text     string          `json:"text,omitempty"`
	Final    bool            `json:"final,omitempty"`
	Message  string          `json:"message,omitempty"`
	Code     int             `json:"code,omitempty"`
	Cmd      string          `json:"cmd,omitempty"`
	Ms       int             `json:"ms,omitempty"`
	Speaking bool            `json:"speaking,omitempty"`
	Content  string          `json:"content,omitempty"`
	Data     *ControlPayload `json:"data,omitempty"`

	Binary []byte `json:"-"`
}

// ControlPayload is the body of a control envelope sent on the audio channel.
type ControlPayload struct {
	Cmd string `json:"cmd"`
	Ms  int    `json:"ms,omitempty"`
}

// TransportEvent is the single inbound stream a transport exposes.
type TransportEvent struct {
	Kind    TransportEventKind
	Channel Channel
	Payload Message
	Cause   error
	Code    int
}

func Opened(channel Channel) TransportEvent {
	return TransportEvent{Kind: EventOpened, Channel: channel}
}

func MessageEvent(channel Channel, payload Message) TransportEvent {
	return TransportEvent{Kind: EventMessage, Channel: channel, Payload: payload}
}

func ErrorEvent(channel Channel, cause error) TransportEvent {
	return TransportEvent{Kind: EventError, Channel: channel, Cause: cause}
}

func Closed(channel Channel, code int) TransportEvent {
	return TransportEvent{Kind: EventClosed, Channel: channel, Code: code}
}
