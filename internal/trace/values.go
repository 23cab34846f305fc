package trace

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/provflow/internal/dataflow"
)

// encodeValue renders v as the text stored in Data.Value. Text is NFC
// normalized so equal strings compare equal in SQL. Scalars use their Go
// formatting; composite values are stored as JSON. A nil value is NULL.
func encodeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return norm.NFC.String(x), nil
	case dataflow.FilePath:
		return norm.NFC.String(string(x)), nil
	case []byte:
		return norm.NFC.String(string(x)), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return norm.NFC.String(x.String()), nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return norm.NFC.String(string(b)), nil
}

// looseValue is encodeValue for payloads that must be stored regardless:
// values that cannot be encoded fall back to their %v rendering.
func looseValue(v any) any {
	enc, err := encodeValue(v)
	if err != nil {
		return norm.NFC.String(fmt.Sprintf("%v", v))
	}
	return enc
}

// normText NFC-normalizes s and maps the empty string to NULL.
func normText(s string) any {
	if s == "" {
		return nil
	}
	return norm.NFC.String(s)
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullTime(p *time.Time) any {
	if p == nil {
		return nil
	}
	return *p
}

func int64Ptr(v int64) *int64 { return &v }
