package exchange

import "encoding/json"

// ProtocolVersion is sent in every streaming request envelope.
const ProtocolVersion = "v1"

// Streaming request methods.
const (
	methodAuth        = "auth"
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"
	methodPing        = "ping"
)

// Notification channel discriminators.
const (
	ChannelTicker    = "ticker"
	ChannelTrades    = "trades"
	ChannelOrderbook = "orderbook"
	ChannelOrders    = "orders"
	ChannelFills     = "fills"
	ChannelPositions = "positions"
	ChannelAccount   = "account"
)

// StreamRequest is the request envelope. Requests carry an id; the server
// echoes it in the matching response.
type StreamRequest struct {
	Version string `json:"version"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      string `json:"id,omitempty"`
}

// StreamError is the error payload of a rejected streaming request.
type StreamError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// streamFrame is the single incoming wire shape. A frame with an id is a
// response to an earlier request; a frame without an id is a notification
// whose method names the channel.
type streamFrame struct {
	Version string          `json:"version"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *StreamError    `json:"error,omitempty"`
}

func (f *streamFrame) isResponse() bool { return f.ID != "" }

// subscribeParams is the params payload of subscribe/unsubscribe requests.
type subscribeParams struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol,omitempty"`
}

// authParams proves account identity over the stream. The signature covers
// accountId + timestamp, same scheme as the REST bootstrap call.
type authParams struct {
	AccountID string `json:"accountId"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
}
