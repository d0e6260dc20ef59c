package value

import (
	json "github.com/goccy/go-json"
)

// MarshalJSON renders a Value to its wire representation. Object keys
// that are not strings are rendered via their String() form — the
// language permits non-string object keys internally, but JSON requires
// string keys, so serialization is the boundary where that gets
// flattened.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.Bool)
	case KindInteger:
		return json.Marshal(v.Int)
	case KindDecimal:
		// Marshal as a raw number token with as many fractional digits as
		// the decimal's exponent carries, so trailing zeros survive on the
		// wire (Decimal.String would normalize "0.10" to "0.1").
		if exp := v.Dec.Exponent(); exp < 0 {
			return []byte(v.Dec.StringFixed(-exp)), nil
		}
		return []byte(v.Dec.String()), nil
	case KindString:
		return json.Marshal(v.Str)
	case KindArray:
		out := make([]json.RawMessage, len(v.Arr))
		for i, e := range v.Arr {
			b, err := e.MarshalJSON()
			if err != nil {
				return nil, err
			}
			out[i] = b
		}
		return json.Marshal(out)
	case KindObject:
		buf := []byte{'{'}
		for i, e := range v.Obj {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyBytes, err := json.Marshal(e.Key.keyString())
			if err != nil {
				return nil, err
			}
			valBytes, err := e.Val.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf = append(buf, keyBytes...)
			buf = append(buf, ':')
			buf = append(buf, valBytes...)
		}
		buf = append(buf, '}')
		return buf, nil
	case KindException:
		return json.Marshal(map[string]string{
			"type":    v.Exc.TypeTag,
			"message": v.Exc.Message,
		})
	default:
		return json.Marshal(v.String())
	}
}

// keyString renders any Value usable as a JSON object key.
func (v Value) keyString() string {
	if v.Kind == KindString {
		return v.Str
	}
	return v.String()
}

// ErrorObject builds the `{"error": {"type": ..., "message": ...}}` body
// for a failed request or binding.
func ErrorObject(exc *Exception) Value {
	return NewObject(ObjectEntry{
		Key: Str("error"),
		Val: NewObject(
			ObjectEntry{Key: Str("type"), Val: Str(exc.TypeTag)},
			ObjectEntry{Key: Str("message"), Val: Str(exc.Message)},
		),
	})
}
