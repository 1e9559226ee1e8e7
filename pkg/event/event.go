// Package event decodes the queue-event wire format into a normalized,
// tagged representation and builds the SQL fragments handlers apply to the
// subscriber. Three historical type encodings exist on the wire (bare
// letter, letter+pkey list, JSON object); they are normalized here so that
// no handler ever branches on the raw string form.
package event

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/block/londiste/pkg/urlenc"
)

// Op is the normalized row operation, decoded once at the wire boundary.
type Op int

const (
	OpUnknown Op = iota
	OpInsert
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "I"
	case OpUpdate:
		return "U"
	case OpDelete:
		return "D"
	default:
		return "?"
	}
}

// Symbolic, non-data event types that flow through the same queue as row
// events but are handled by the replay worker itself rather than by a
// table handler.
const (
	TypeTruncate    = "R"
	TypeExecute     = "EXECUTE"
	TypeAddTable    = "londiste.add-table"
	TypeRemoveTable = "londiste.remove-table"
	TypeRemoveSeq   = "londiste.remove-seq"
	TypeUpdateSeq   = "londiste.update-seq"
)

// Event is the decoded representation of one queue row. Id is monotonic
// within the upstream queue; Type carries either a symbolic event name or
// one of the three row-event encodings described in package docs.
type Event struct {
	ID     int64
	Type   string
	Data   string
	Extra1 string
	Extra2 string
	Extra3 string
	Extra4 string
	Time   string
	TxID   int64
}

// jsonType is the shape of the JSON-object form of Type: {"op":"I","pkey":[...]}.
type jsonType struct {
	Op   string   `json:"op"`
	Pkey []string `json:"pkey"`
}

// IsRowEvent reports whether this event carries a row change (as opposed to
// a symbolic cascade/admin event such as EXECUTE or londiste.add-table).
func (e *Event) IsRowEvent() bool {
	switch e.Type {
	case TypeTruncate, TypeExecute, TypeAddTable, TypeRemoveTable, TypeRemoveSeq, TypeUpdateSeq:
		return false
	}
	return e.Type != ""
}

// DecodedType is the normalized op + pkey-column-list pair extracted from
// Type. It does not know the row values; combine with Row() for that.
type DecodedType struct {
	Op    Op
	Pkey  []string
	// IsSQLEvent is true for the legacy bare-letter form, where Data is a
	// raw SQL fragment rather than a structured row.
	IsSQLEvent bool
}

// ParseType normalizes the three historical type encodings:
//   - "I", "U", "D"            -- legacy SQL-fragment event, no pkey list
//   - "I:pk1,pk2"              -- urlencoded-row event with an explicit pkey list
//   - `{"op":"I","pkey":[...]}` -- JSON-row event
func ParseType(t string) (DecodedType, error) {
	if t == "" {
		return DecodedType{}, fmt.Errorf("event: empty type")
	}
	if t[0] == '{' {
		var jt jsonType
		if err := json.Unmarshal([]byte(t), &jt); err != nil {
			return DecodedType{}, fmt.Errorf("event: invalid json type: %w", err)
		}
		op, err := parseOpLetter(jt.Op)
		if err != nil {
			return DecodedType{}, err
		}
		return DecodedType{Op: op, Pkey: jt.Pkey}, nil
	}
	if len(t) == 1 {
		op, err := parseOpLetter(t)
		if err != nil {
			return DecodedType{}, err
		}
		return DecodedType{Op: op, IsSQLEvent: true}, nil
	}
	// "I:pk1,pk2" form. The letter is followed by ':' and a comma list.
	letter := t[:1]
	rest := t[1:]
	rest = strings.TrimPrefix(rest, ":")
	op, err := parseOpLetter(letter)
	if err != nil {
		return DecodedType{}, err
	}
	var pkey []string
	if rest != "" {
		pkey = strings.Split(rest, ",")
	}
	return DecodedType{Op: op, Pkey: pkey}, nil
}

func parseOpLetter(s string) (Op, error) {
	switch s {
	case "I":
		return OpInsert, nil
	case "U":
		return OpUpdate, nil
	case "D":
		return OpDelete, nil
	default:
		return OpUnknown, fmt.Errorf("event: unknown op letter %q", s)
	}
}

// Row is a decoded key->value row image plus the pkey columns from Type.
// Values are nil for SQL NULL.
type Row struct {
	Columns []string // preserves field order as seen on the wire
	Values  map[string]*string
	Pkey    []string
}

// DecodeRow parses Data as either a urlencoded row (key=value&...) or a
// flat JSON object, auto-detecting by the leading byte the way the
// provider trigger emits it.
func DecodeRow(data string, pkey []string) (*Row, error) {
	if data == "" {
		return &Row{Values: map[string]*string{}, Pkey: pkey}, nil
	}
	if data[0] == '{' {
		return decodeJSONRow(data, pkey)
	}
	return decodeURLEncRow(data, pkey)
}

func decodeURLEncRow(data string, pkey []string) (*Row, error) {
	m, err := urlenc.DecodeNullable(data)
	if err != nil {
		return nil, fmt.Errorf("event: bad urlencoded row: %w", err)
	}
	return &Row{Columns: orderedKeysFromURLEnc(data), Values: m, Pkey: pkey}, nil
}

// orderedKeysFromURLEnc recovers column order from the raw wire string
// since map iteration order is not stable; this keeps generated INSERT
// statements deterministic for tests and logs.
func orderedKeysFromURLEnc(data string) []string {
	var cols []string
	for _, pair := range strings.Split(data, "&") {
		if pair == "" {
			continue
		}
		k, _, _ := strings.Cut(pair, "=")
		if uk, err := unescapeKey(k); err == nil {
			cols = append(cols, uk)
		}
	}
	return cols
}

func unescapeKey(k string) (string, error) {
	m, err := urlenc.Decode(k + "=")
	if err != nil {
		return "", err
	}
	for key := range m {
		return key, nil
	}
	return "", nil
}

func decodeJSONRow(data string, pkey []string) (*Row, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, fmt.Errorf("event: bad json row: %w", err)
	}
	// json.Unmarshal into map[string]any does not preserve source order;
	// fall back to decoding the object's top-level keys in encounter order
	// via json.Decoder/Token for deterministic column lists.
	cols, err := jsonObjectKeyOrder(data)
	if err != nil {
		cols = nil
	}
	values := make(map[string]*string, len(raw))
	for k, v := range raw {
		if v == nil {
			values[k] = nil
			continue
		}
		s := fmt.Sprintf("%v", v)
		values[k] = &s
	}
	return &Row{Columns: cols, Values: values, Pkey: pkey}, nil
}

func jsonObjectKeyOrder(data string) ([]string, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("not an object")
	}
	var cols []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("bad key token")
		}
		cols = append(cols, key)
		// skip the value
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
	}
	return cols, nil
}
