package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Ident is the canonical identifier representation for threads, messages
// and users. Backend payloads deliver ids inconsistently as JSON numbers
// or strings; Ident normalizes both to a decimal/opaque string at decode
// time so the rest of the engine never coerces inline.
type Ident string

// ParseIdent normalizes an arbitrary decoded JSON value into an Ident.
// Supported shapes: string, float64 (JSON number), json.Number, nil.
func ParseIdent(v any) (Ident, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return Ident(strings.TrimSpace(t)), nil
	case json.Number:
		return Ident(t.String()), nil
	case float64:
		// backend counters are integral; render without exponent
		return Ident(strconv.FormatInt(int64(t), 10)), nil
	case int64:
		return Ident(strconv.FormatInt(t, 10)), nil
	case int:
		return Ident(strconv.Itoa(t)), nil
	default:
		return "", fmt.Errorf("unsupported ident type %T", v)
	}
}

// UnmarshalJSON accepts both string and numeric ids.
func (id *Ident) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*id = ""
		return nil
	}
	if len(s) > 0 && s[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*id = Ident(strings.TrimSpace(v))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("ident must be string or number: %w", err)
	}
	*id = Ident(n.String())
	return nil
}

// MarshalJSON always emits the canonical string form.
func (id Ident) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

func (id Ident) String() string { return string(id) }

// IsZero reports whether the ident is empty.
func (id Ident) IsZero() bool { return id == "" }
