package cdp

import "encoding/json"

// wireMessage is the envelope exchanged over the single CDP WebSocket.
// Outgoing commands set ID/SessionID/Method/Params; incoming command
// responses set ID/Result/Error; incoming events set SessionID/Method/
// Params without an ID.
type wireMessage struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *wireError) Error() string { return e.Message }
