package sqlexec

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// isScalar reports whether v can be bound as a single parameter.
func isScalar(v any) bool {
	if v == nil {
		return true
	}
	switch v.(type) {
	case time.Time, json.Number, []byte:
		return true
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Pointer, reflect.Func, reflect.Chan:
		return false
	}
	return true
}

// coerce converts a decoded value to the Go type the column family expects.
// Values for columns outside the grammar pass through unchanged.
func coerce(col ColumnSchema, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if n, ok := v.(json.Number); ok {
		v = n.String()
		if i, err := n.Int64(); err == nil {
			v = i
		} else if f, err := n.Float64(); err == nil {
			v = f
		}
	}
	if col.Unparsed {
		return v, nil
	}

	switch col.Type.Family {
	case FamilyInteger:
		return toInt(v)
	case FamilyNumeric:
		return toFloat(v)
	case FamilyBoolean:
		return toBool(v)
	case FamilyString:
		switch val := v.(type) {
		case string:
			return val, nil
		case bool:
			return strconv.FormatBool(val), nil
		case time.Time:
			return val.UTC().Format(time.RFC3339), nil
		}
		return fmt.Sprint(v), nil
	case FamilyTimestamp, FamilyDate:
		return toTime(col.Type.Family, v)
	}
	return v, nil
}

func toInt(v any) (any, error) {
	switch val := v.(type) {
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("%v is not an integer", val)
		}
		return int64(val), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", val)
		}
		return i, nil
	}
	return nil, fmt.Errorf("%T is not an integer", v)
}

func toFloat(v any) (any, error) {
	switch val := v.(type) {
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case float32:
		return float64(val), nil
	case float64:
		return val, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", val)
		}
		return f, nil
	}
	return nil, fmt.Errorf("%T is not a number", v)
}

func toBool(v any) (any, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", val)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%T is not a boolean", v)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func toTime(family Family, v any) (any, error) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), nil
	case string:
		s := strings.TrimSpace(val)
		switch strings.ToLower(s) {
		case "now", "now()", "current_timestamp":
			return time.Now().UTC(), nil
		case "today", "current_date":
			return time.Now().UTC().Truncate(24 * time.Hour), nil
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, fmt.Errorf("%q is not a valid %s", val, family)
	}
	return nil, fmt.Errorf("%T is not a valid %s", v, family)
}
