package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Encode produces a deterministic byte encoding of v: object keys sorted
// lexicographically, no insignificant whitespace, timestamps as RFC 3339 UTC,
// numbers in their shortest exact form. The output is stable across calls and
// across processes, which makes it safe as hashing and signing input.
func Encode(v any) ([]byte, error) {
	var b bytes.Buffer
	if err := encodeValue(&b, v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func encodeValue(b *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if x {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		return writeJSONScalar(b, x)
	case int:
		b.WriteString(strconv.FormatInt(int64(x), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case uint64:
		b.WriteString(strconv.FormatUint(x, 10))
	case float64:
		if x == float64(int64(x)) {
			b.WriteString(strconv.FormatInt(int64(x), 10))
		} else {
			b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
		}
	case json.Number:
		b.WriteString(x.String())
	case time.Time:
		return writeJSONScalar(b, x.UTC().Format(time.RFC3339Nano))
	case *time.Time:
		if x == nil {
			b.WriteString("null")
			return nil
		}
		return writeJSONScalar(b, x.UTC().Format(time.RFC3339Nano))
	case map[string]any:
		return encodeMap(b, x)
	case []any:
		b.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := encodeValue(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case []string:
		b.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeJSONScalar(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		// Stringer-style enums and anything else scalar: fall back to the
		// JSON form, which is deterministic for scalars.
		return writeJSONScalar(b, v)
	}
	return nil
}

func encodeMap(b *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := writeJSONScalar(b, k); err != nil {
			return err
		}
		b.WriteByte(':')
		if err := encodeValue(b, m[k]); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

func writeJSONScalar(b *bytes.Buffer, v any) error {
	enc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("canonical: %w", err)
	}
	b.Write(enc)
	return nil
}

// SigningMessage builds the canonical detached-signature input for a
// negotiation action ("ACCEPT" or "FINALIZE"). Both sides of a signature
// exchange must agree on these bytes exactly.
func SigningMessage(action, negotiationID string, terms map[string]any, termsVersion int) ([]byte, error) {
	return Encode(map[string]any{
		"action":         action,
		"negotiation_id": negotiationID,
		"terms":          terms,
		"terms_version":  termsVersion,
	})
}
