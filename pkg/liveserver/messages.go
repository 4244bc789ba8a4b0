package liveserver

// Message represents a WebSocket message
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// MessageType constants for server-initiated pushes
const (
	TypePriceAlert = "price-alert"
	TypeLossAlert  = "loss_alert"
	TypeStatus     = "status"
)

// NewMessage - Helper function to create a Message
func NewMessage(msgType string, data interface{}) Message {
	return Message{
		Type: msgType,
		Data: data,
	}
}
