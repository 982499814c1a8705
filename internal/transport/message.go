package transport

import (
	"encoding/json"

	"github.com/chromedp/cdproto"
)

// Message is one frame on the control channel, following the DevTools wire
// contract: requests carry {id, method, params}, responses carry
// {id, result | error}, notifications carry {method, params} with no id.
type Message struct {
	ID     int64              `json:"id,omitempty"`
	Method cdproto.MethodType `json:"method,omitempty"`
	Params json.RawMessage    `json:"params,omitempty"`
	Result json.RawMessage    `json:"result,omitempty"`
	Error  *cdproto.Error     `json:"error,omitempty"`
}

// IsNotification reports whether the frame is an unsolicited event
// (no correlation id).
func (m *Message) IsNotification() bool {
	return m.ID == 0 && m.Method != ""
}
