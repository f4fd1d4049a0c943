package domain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
)

// Value is a contract return value as reported by simulation or finality.
type Value struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

type MapEntry struct {
	Key Value `json:"key"`
	Val Value `json:"val"`
}

// DecodeValue converts a wire value into native Go values:
//
//	void            -> nil
//	bool            -> bool
//	u32/i32/u64/i64 -> int64
//	u128/i128       -> *big.Int
//	string/symbol   -> string
//	address         -> string
//	bytes           -> []byte
//	vec             -> []any
//	map             -> map[string]any
func DecodeValue(v Value) (any, error) {
	switch v.Type {
	case "void", "":
		return nil, nil
	case "bool":
		var b bool
		if err := json.Unmarshal(v.Value, &b); err != nil {
			return nil, fmt.Errorf("decode bool: %w", err)
		}
		return b, nil
	case "u32", "i32", "u64", "i64":
		s, err := scalarString(v.Value)
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", v.Type, err)
		}
		return n, nil
	case "u128", "i128":
		s, err := scalarString(v.Value)
		if err != nil {
			return nil, err
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("decode %s: bad integer %q", v.Type, s)
		}
		return n, nil
	case "string", "symbol", "address":
		var s string
		if err := json.Unmarshal(v.Value, &s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", v.Type, err)
		}
		return s, nil
	case "bytes":
		var s string
		if err := json.Unmarshal(v.Value, &s); err != nil {
			return nil, fmt.Errorf("decode bytes: %w", err)
		}
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode bytes: %w", err)
		}
		return b, nil
	case "vec":
		var items []Value
		if err := json.Unmarshal(v.Value, &items); err != nil {
			return nil, fmt.Errorf("decode vec: %w", err)
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			decoded, err := DecodeValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, decoded)
		}
		return out, nil
	case "map":
		var entries []MapEntry
		if err := json.Unmarshal(v.Value, &entries); err != nil {
			return nil, fmt.Errorf("decode map: %w", err)
		}
		out := make(map[string]any, len(entries))
		for _, e := range entries {
			key, err := DecodeValue(e.Key)
			if err != nil {
				return nil, err
			}
			val, err := DecodeValue(e.Val)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(key)] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %q", v.Type)
	}
}

// NewValue builds a wire value; used by fakes and tests.
func NewValue(typ string, v any) Value {
	raw, _ := json.Marshal(v)
	return Value{Type: typ, Value: raw}
}

// integers may arrive as JSON strings or numbers
func scalarString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("decode integer: %w", err)
	}
	return n.String(), nil
}
