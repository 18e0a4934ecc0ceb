package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Wire layouts for temporal columns
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	DateLayout,
	TimeLayout,
}

// ConversionError reports a value that does not fit its column type
type ConversionError struct {
	Field   string
	Message string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// now is replaced in tests
var now = time.Now

// ConvertValue converts a decoded wire value into the native value for
// the field. Temporal strings become time.Time, including the
// CURRENT_TIMESTAMP, CURRENT_DATE and CURRENT_TIME keywords.
func ConvertValue(f *Field, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}

	switch {
	case f.Type.IsTemporal():
		return convertTemporal(f, v)
	case f.Type.IsInteger():
		n, ok := toInt64(v)
		if !ok {
			return nil, &ConversionError{Field: f.Name, Message: "must be an integer"}
		}
		return n, nil
	case f.Type.IsNumeric():
		n, ok := toFloat(v)
		if !ok {
			return nil, &ConversionError{Field: f.Name, Message: "must be a number"}
		}
		return n, nil
	case f.Type == TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, &ConversionError{Field: f.Name, Message: "must be a boolean"}
		}
		return b, nil
	case f.Type.IsText():
		s, ok := v.(string)
		if !ok {
			return nil, &ConversionError{Field: f.Name, Message: "must be a string"}
		}
		return s, nil
	default:
		return v, nil
	}
}

func convertTemporal(f *Field, v interface{}) (interface{}, error) {
	var t time.Time
	switch val := v.(type) {
	case time.Time:
		t = val
	case string:
		switch strings.ToUpper(strings.TrimSpace(val)) {
		case "CURRENT_TIMESTAMP", "CURRENT_DATE", "CURRENT_TIME":
			t = now().UTC()
		default:
			parsed, ok := parseTime(val)
			if !ok {
				return nil, &ConversionError{Field: f.Name, Message: fmt.Sprintf("invalid %s value %q", f.Type, val)}
			}
			t = parsed
		}
	default:
		return nil, &ConversionError{Field: f.Name, Message: fmt.Sprintf("must be a %s string", f.Type)}
	}

	switch f.Type {
	case TypeDate:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case TypeTime:
		return time.Date(0, 1, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC), nil
	}
	return t, nil
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// toInt64 parses integers exactly. Floats are accepted only when they hold
// a whole value inside the int64 range.
func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		return wholeFloat(n.String())
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		return wholeFloat(s)
	case float32:
		return floatToInt64(float64(n))
	case float64:
		return floatToInt64(n)
	}
	return 0, false
}

func wholeFloat(s string) (int64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return floatToInt64(f)
}

// floatToInt64 rejects fractions and values outside [-2^63, 2^63)
func floatToInt64(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// FormatValue converts a value read from storage into its wire form.
// It is the inverse of ConvertValue for well-typed values.
func FormatValue(f *Field, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}

	switch {
	case f.Type.IsTemporal():
		t, ok := v.(time.Time)
		if !ok {
			s, isString := v.(string)
			if !isString {
				return v
			}
			if t, ok = parseTime(s); !ok {
				return s
			}
		}
		switch f.Type {
		case TypeDate:
			return t.Format(DateLayout)
		case TypeTime:
			return t.Format(TimeLayout)
		}
		return t.Format(time.RFC3339Nano)
	case f.Type == TypeBool:
		switch b := v.(type) {
		case int64:
			return b != 0
		case int:
			return b != 0
		}
	case f.Type.IsInteger():
		if n, ok := v.(float64); ok && n == math.Trunc(n) {
			return int64(n)
		}
		if n, ok := v.(int32); ok {
			return int64(n)
		}
	case f.Type == TypeJSON:
		if s, ok := v.(string); ok {
			var doc interface{}
			if err := json.Unmarshal([]byte(s), &doc); err == nil {
				return doc
			}
		}
	}
	return v
}
