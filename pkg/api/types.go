package api

// JSON shapes of the read-only market-data API. Decimal values are
// rendered as strings to keep exactness on the wire.

type BookLevel struct {
	Price  string `json:"price"`
	Shares string `json:"shares"`
}

type BookSnapshot struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp int64       `json:"timestamp"`
}

type FillInfo struct {
	Shares string `json:"shares"`
	Price  string `json:"price"`
	Time   int64  `json:"time"`
}

type OrderInfo struct {
	ID        int64      `json:"id"`
	Symbol    string     `json:"symbol"`
	Amount    string     `json:"amount"`
	Limit     string     `json:"limit"`
	Remaining string     `json:"remaining"`
	Status    string     `json:"status"`
	Fills     []FillInfo `json:"fills"`
}

type PositionInfo struct {
	Symbol string `json:"symbol"`
	Amount string `json:"amount"`
}

type AccountInfo struct {
	ID        string         `json:"id"`
	Balance   string         `json:"balance"`
	Positions []PositionInfo `json:"positions"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WSSubscribeRequest is the client->server control message on the
// WebSocket feed.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" | "unsubscribe"
	Channels []string `json:"channels"`
}
