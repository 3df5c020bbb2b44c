package sqlite

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// encodeRow serializes a row for the data column. A nil row is stored as an
// empty object.
func encodeRow(row types.Row) (string, error) {
	if row == nil {
		return "{}", nil
	}
	b, err := json.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("encoding row: %w", err)
	}
	return string(b), nil
}

// decodeRow parses a data column. Numbers decode as float64 unless they
// are integral, in which case they decode as int64, so that ids and counters
// survive a round trip.
func decodeRow(data string) (types.Row, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding row: %w", err)
	}
	row := make(types.Row, len(raw))
	for k, v := range raw {
		row[k] = normalize(v)
	}
	return row, nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = normalize(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalize(e)
		}
		return x
	}
	return v
}
