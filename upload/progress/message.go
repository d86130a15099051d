package progress

// MessageType is the type of a downstream message.
type MessageType string

// Message types.
const (
	MessageProgress MessageType = "UPLOAD_PROGRESS"
	MessageError    MessageType = "UPLOAD_ERROR"
	MessageComplete MessageType = "UPLOAD_COMPLETE"
	MessagePaused   MessageType = "UPLOAD_PAUSED"
	MessageResumed  MessageType = "UPLOAD_RESUMED"
)

// Message is what push transports send downstream.
type Message struct {
	Type MessageType `json:"type"`
	Data Event       `json:"data"`
}

// NewMessage maps a published event to its downstream message.
// A progress event of a completed upload becomes an UPLOAD_COMPLETE message.
func NewMessage(name Name, e Event) Message {
	var t MessageType
	switch name {
	case EventError:
		t = MessageError
	case EventPaused:
		t = MessagePaused
	case EventResumed:
		t = MessageResumed
	default:
		t = MessageProgress
		if e.Status == StatusCompleted {
			t = MessageComplete
		}
	}
	return Message{Type: t, Data: e}
}
