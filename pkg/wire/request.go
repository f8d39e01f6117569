package wire

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

// Parsed requests keep attribute values as the raw strings from the wire.
// Validation and numeric parsing are business decisions that belong to the
// exchange, not the codec; error responses echo these strings verbatim.

var (
	ErrInvalidXML  = errors.New("invalid XML")
	ErrUnknownRoot = errors.New("unknown request type")
)

// Request is the decoded form of one frame: exactly one of the fields is
// non-nil.
type Request struct {
	Create       *Create
	Transactions *Transactions
}

// Create is a <create> envelope. Children preserve wire order.
type Create struct {
	Children []CreateChild
}

// CreateChild is one <account> or <symbol> child of <create>.
type CreateChild struct {
	Account *CreateAccount
	Symbol  *CreateSymbol
}

type CreateAccount struct {
	ID      string `xml:"id,attr"`
	Balance string `xml:"balance,attr"`
}

type CreateSymbol struct {
	Sym   string       `xml:"sym,attr"`
	Seeds []SymbolSeed `xml:"account"`
}

// SymbolSeed is an <account id="...">AMOUNT</account> row under <symbol>.
type SymbolSeed struct {
	AccountID string `xml:"id,attr"`
	Amount    string `xml:",chardata"`
}

// Transactions is a <transactions id="ACCT"> envelope.
type Transactions struct {
	AccountID string
	Children  []TxnChild
}

// TxnChild is one <order>, <query> or <cancel>. Unknown holds the tag name
// of an unrecognized child, which the handler drops with a warning.
type TxnChild struct {
	Order   *Order
	Query   *Query
	Cancel  *Cancel
	Unknown string
}

type Order struct {
	Sym    string `xml:"sym,attr"`
	Amount string `xml:"amount,attr"`
	Limit  string `xml:"limit,attr"`
}

type Query struct {
	ID string `xml:"id,attr"`
}

type Cancel struct {
	ID string `xml:"id,attr"`
}

// ParseRequest decodes a framed payload into a Request.
func ParseRequest(payload []byte) (*Request, error) {
	dec := xml.NewDecoder(bytes.NewReader(payload))

	root, err := nextStart(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidXML, err)
	}

	switch root.Name.Local {
	case "create":
		c, err := parseCreate(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidXML, err)
		}
		return &Request{Create: c}, nil
	case "transactions":
		t, err := parseTransactions(dec, root)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidXML, err)
		}
		return &Request{Transactions: t}, nil
	default:
		return nil, fmt.Errorf("%w: <%s>", ErrUnknownRoot, root.Name.Local)
	}
}

func parseCreate(dec *xml.Decoder) (*Create, error) {
	c := &Create{}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return c, nil
		}
		if err != nil {
			return nil, err
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "account":
			var a CreateAccount
			if err := dec.DecodeElement(&a, &se); err != nil {
				return nil, err
			}
			c.Children = append(c.Children, CreateChild{Account: &a})
		case "symbol":
			var s CreateSymbol
			if err := dec.DecodeElement(&s, &se); err != nil {
				return nil, err
			}
			c.Children = append(c.Children, CreateChild{Symbol: &s})
		default:
			if err := dec.Skip(); err != nil {
				return nil, err
			}
		}
	}
}

func parseTransactions(dec *xml.Decoder, root xml.StartElement) (*Transactions, error) {
	t := &Transactions{}
	for _, a := range root.Attr {
		if a.Name.Local == "id" {
			t.AccountID = a.Value
		}
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return t, nil
		}
		if err != nil {
			return nil, err
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "order":
			var o Order
			if err := dec.DecodeElement(&o, &se); err != nil {
				return nil, err
			}
			t.Children = append(t.Children, TxnChild{Order: &o})
		case "query":
			var q Query
			if err := dec.DecodeElement(&q, &se); err != nil {
				return nil, err
			}
			t.Children = append(t.Children, TxnChild{Query: &q})
		case "cancel":
			var c Cancel
			if err := dec.DecodeElement(&c, &se); err != nil {
				return nil, err
			}
			t.Children = append(t.Children, TxnChild{Cancel: &c})
		default:
			t.Children = append(t.Children, TxnChild{Unknown: se.Name.Local})
			if err := dec.Skip(); err != nil {
				return nil, err
			}
		}
	}
}

func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}
