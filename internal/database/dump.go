package database

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// A dump is a sequence of JSON lines. Each table starts with a header line
// naming the table, its columns and, when known, the source dialect's DDL
// for it, followed by one line per row:
//
//	{"table":"SMV_PREFIX_options","columns":[{"name":"option_id","type":"integer","pk":1}, ...],"dialect":"sqlite","ddl":["CREATE TABLE ..."]}
//	{"row":[1,"siteurl","https://example.com"]}
//
// Values that JSON cannot carry natively are wrapped: byte slices as
// {"$b":"<base64>"} and timestamps as {"$t":"<RFC 3339>"}.

type dumpLine struct {
	Table   string   `json:"table,omitempty"`
	Columns []Column `json:"columns,omitempty"`
	// Dialect and DDL let a same-dialect target rebuild the table exactly.
	// Other targets fall back to Columns.
	Dialect Dialect  `json:"dialect,omitempty"`
	DDL     []string `json:"ddl,omitempty"`
	Row     []any    `json:"row,omitempty"`
}

type wrappedBytes struct {
	B string `json:"$b"`
}

type wrappedTime struct {
	T string `json:"$t"`
}

func encodeHeader(h dumpLine) ([]byte, error) {
	h.Row = nil
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func encodeRow(cols []Column, values []any) ([]byte, error) {
	row := make([]any, len(values))
	for i, v := range values {
		enc, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", cols[i].Name, err)
		}
		row[i] = enc
	}
	// An empty row still needs the key so it parses as a row line.
	b, err := json.Marshal(struct {
		Row []any `json:"row"`
	}{row})
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func encodeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case string:
		if !utf8.ValidString(x) {
			return nil, fmt.Errorf("text value is not valid UTF-8")
		}
		return x, nil
	case []byte:
		return wrappedBytes{B: base64.StdEncoding.EncodeToString(x)}, nil
	case time.Time:
		return wrappedTime{T: x.UTC().Format(time.RFC3339Nano)}, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// decodeLine parses one dump line. Exactly one of the returned header or row
// is set.
func decodeLine(line []byte) (header *dumpLine, row []any, err error) {
	var raw struct {
		Table   string            `json:"table"`
		Columns []Column          `json:"columns"`
		Dialect Dialect           `json:"dialect"`
		DDL     []string          `json:"ddl"`
		Row     []json.RawMessage `json:"row"`
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, nil, fmt.Errorf("malformed dump line: %w", err)
	}
	if raw.Table != "" {
		return &dumpLine{Table: raw.Table, Columns: raw.Columns, Dialect: raw.Dialect, DDL: raw.DDL}, nil, nil
	}
	if raw.Row == nil {
		return nil, nil, fmt.Errorf("dump line is neither a header nor a row")
	}

	row = make([]any, len(raw.Row))
	for i, r := range raw.Row {
		v, err := decodeValue(r)
		if err != nil {
			return nil, nil, err
		}
		row[i] = v
	}
	return nil, row, nil
}

func decodeValue(r json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(r))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("malformed value: %w", err)
	}

	switch x := v.(type) {
	case json.Number:
		s := x.String()
		if !strings.ContainsAny(s, ".eE") {
			if n, err := x.Int64(); err == nil {
				return n, nil
			}
		}
		f, err := x.Float64()
		if err != nil {
			return s, nil
		}
		return f, nil
	case map[string]any:
		if b, ok := x["$b"].(string); ok {
			data, err := base64.StdEncoding.DecodeString(b)
			if err != nil {
				return nil, fmt.Errorf("malformed bytes value: %w", err)
			}
			return data, nil
		}
		if t, ok := x["$t"].(string); ok {
			ts, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return nil, fmt.Errorf("malformed time value: %w", err)
			}
			return ts, nil
		}
		return nil, fmt.Errorf("unknown wrapped value")
	default:
		return x, nil
	}
}
