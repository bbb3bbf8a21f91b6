// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"bytes"
	"database/sql/driver"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Coerce converts v into the canonical Go type for the affinity:
// integer → int64, real → float64, text → string, blob → []byte, bool → bool,
// time → time.Time (UTC), uuid → canonical lowercase string.
// Empty strings become nil for every affinity except text and blob.
func Coerce(a Affinity, v any) (any, error) {
	v = unwrapValuer(v)
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" && a != AffinityText && a != AffinityBlob && a != AffinityNone {
		return nil, nil
	}

	switch a {
	case AffinityInteger:
		return toInt64(v)
	case AffinityReal:
		return toFloat64(v)
	case AffinityNumeric:
		if i, err := toInt64(v); err == nil {
			return i, nil
		}
		if f, err := toFloat64(v); err == nil {
			return f, nil
		}
		return v, nil
	case AffinityText:
		return toText(v), nil
	case AffinityBlob:
		switch x := v.(type) {
		case []byte:
			return x, nil
		case string:
			return []byte(x), nil
		}
		return nil, fmt.Errorf("cannot convert %T to blob", v)
	case AffinityBool:
		return toBool(v)
	case AffinityTime:
		return toTime(v)
	case AffinityUUID:
		return toUUID(v)
	default:
		return normalize(v), nil
	}
}

func unwrapValuer(v any) any {
	switch v.(type) {
	case nil, time.Time, uuid.UUID, []byte, string:
		return v
	}
	if dv, ok := v.(driver.Valuer); ok {
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return nil
		}
		out, err := dv.Value()
		if err != nil {
			return v
		}
		return out
	}
	return v
}

func toInt64(v any) (any, error) {
	switch x := normalize(v).(type) {
	case int64:
		return x, nil
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return int64(x), nil
		}
		return nil, fmt.Errorf("%v is not an integer", x)
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", x)
		}
		return i, nil
	case []byte:
		return toInt64(string(x))
	}
	return nil, fmt.Errorf("cannot convert %T to integer", v)
}

func toFloat64(v any) (any, error) {
	switch x := normalize(v).(type) {
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", x)
		}
		return f, nil
	case []byte:
		return toFloat64(string(x))
	}
	return nil, fmt.Errorf("cannot convert %T to real", v)
}

func toText(v any) string {
	switch x := normalize(v).(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "1"
		}
		return "0"
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

func toBool(v any) (any, error) {
	switch x := normalize(v).(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "on", "yes", "y":
			return true, nil
		case "off", "no", "n":
			return false, nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", x)
		}
		return b, nil
	}
	return nil, fmt.Errorf("cannot convert %T to bool", v)
}

func toTime(v any) (any, error) {
	switch x := normalize(v).(type) {
	case time.Time:
		return x, nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, fmt.Errorf("%q is not a valid time", x)
	case []byte:
		return toTime(string(x))
	case int64:
		return time.Unix(x, 0).UTC(), nil
	}
	return nil, fmt.Errorf("cannot convert %T to time", v)
}

func toUUID(v any) (any, error) {
	switch x := v.(type) {
	case uuid.UUID:
		return x.String(), nil
	case [16]byte:
		return uuid.UUID(x).String(), nil
	case []byte:
		if len(x) == 16 {
			id, err := uuid.FromBytes(x)
			if err != nil {
				return nil, err
			}
			return id.String(), nil
		}
		return toUUID(string(x))
	case string:
		id, err := uuid.Parse(strings.TrimSpace(x))
		if err != nil {
			return nil, fmt.Errorf("%q is not a valid UUID", x)
		}
		return id.String(), nil
	}
	return nil, fmt.Errorf("cannot convert %T to uuid", v)
}

// normalize folds Go numeric kinds to int64/float64 and times to UTC so values coming
// from different drivers and from form input compare equal.
func normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC()
	case uuid.UUID:
		return x.String()
	case [16]byte:
		return uuid.UUID(x).String()
	}
	return v
}

// ValuesEqual reports whether two attribute values are equal after normalization.
// Comparison is typed: "5" and 5 differ. Values are expected to have been coerced
// through Coerce when they entered a Record with a schema attached.
func ValuesEqual(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// truthy mirrors the form-input notion of "a value was supplied".
func truthy(v any) bool {
	switch x := normalize(v).(type) {
	case nil:
		return false
	case string:
		return x != "" && x != "0"
	case int64:
		return x != 0
	case float64:
		return x != 0
	case bool:
		return x
	}
	return true
}
