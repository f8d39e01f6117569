package wire

import "encoding/xml"

// Response nodes. Amount-like attributes are strings: echoed attributes
// come straight from the request, computed values are rendered by the
// exchange with exact decimal formatting.

// Results is the <results> envelope wrapping per-child outcomes in input
// order.
type Results struct {
	XMLName  xml.Name `xml:"results"`
	Children []any
}

func (r *Results) Append(node any) {
	r.Children = append(r.Children, node)
}

// Marshal renders the response payload.
func (r *Results) Marshal() ([]byte, error) {
	return xml.Marshal(r)
}

// Created acknowledges an <account> or <symbol> seed row under <create>.
type Created struct {
	XMLName xml.Name `xml:"created"`
	Sym     string   `xml:"sym,attr,omitempty"`
	ID      string   `xml:"id,attr,omitempty"`
}

// Opened acknowledges an accepted <order>.
type Opened struct {
	XMLName xml.Name `xml:"opened"`
	Sym     string   `xml:"sym,attr"`
	Amount  string   `xml:"amount,attr"`
	Limit   string   `xml:"limit,attr"`
	ID      int64    `xml:"id,attr"`
}

// Error reports a failed child. Its attributes mirror the identifying
// attributes of the input child.
type Error struct {
	XMLName xml.Name `xml:"error"`
	Sym     string   `xml:"sym,attr,omitempty"`
	Amount  string   `xml:"amount,attr,omitempty"`
	Limit   string   `xml:"limit,attr,omitempty"`
	ID      string   `xml:"id,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

// Status answers a <query>.
type Status struct {
	XMLName  xml.Name `xml:"status"`
	ID       int64    `xml:"id,attr"`
	Children []any
}

// Open is the open-remainder child of <status>.
type Open struct {
	XMLName xml.Name `xml:"open"`
	Shares  string   `xml:"shares,attr"`
}

// CanceledAt marks the cancellation event inside <status> or <canceled>.
type CanceledAt struct {
	XMLName xml.Name `xml:"canceled"`
	Shares  string   `xml:"shares,attr"`
	Time    int64    `xml:"time,attr"`
}

// Executed is one fill row.
type Executed struct {
	XMLName xml.Name `xml:"executed"`
	Shares  string   `xml:"shares,attr"`
	Price   string   `xml:"price,attr"`
	Time    int64    `xml:"time,attr"`
}

// Canceled answers a successful <cancel>: the refund marker followed by
// the order's prior fills.
type Canceled struct {
	XMLName  xml.Name `xml:"canceled"`
	ID       int64    `xml:"id,attr"`
	Children []any
}

// Canned whole-frame responses for failures before dispatch.

func InvalidXMLResults() *Results {
	return &Results{Children: []any{Error{Text: "Invalid XML format"}}}
}

func UnknownRequestResults() *Results {
	return &Results{Children: []any{Error{Text: "Unknown request type"}}}
}
