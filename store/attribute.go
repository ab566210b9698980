package store

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AttributeType is the storage type of an attribute
type AttributeType string

const (
	TypeString  AttributeType = "string"
	TypeInteger AttributeType = "integer"
	TypeDouble  AttributeType = "double"
	TypeBoolean AttributeType = "boolean"
	TypeDate    AttributeType = "date"
	TypeDecimal AttributeType = "decimal"
	TypeUUID    AttributeType = "uuid"
	TypeBinary  AttributeType = "binary"
	TypeJSON    AttributeType = "json"
)

// Valid reports whether t is a known attribute type
func (t AttributeType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeDouble, TypeBoolean, TypeDate,
		TypeDecimal, TypeUUID, TypeBinary, TypeJSON:
		return true
	}
	return false
}

// coerce converts v to the canonical Go representation of the type:
// string, int64, float64, bool, time.Time (UTC), decimal.Decimal,
// uuid.UUID, []byte or any JSON-marshalable value. nil is always accepted.
func (t AttributeType) coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch t {
	case TypeString:
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.String {
			return rv.String(), nil
		}
		if s, ok := v.(fmt.Stringer); ok {
			return s.String(), nil
		}

	case TypeInteger:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return rv.Int(), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			u := rv.Uint()
			if u > math.MaxInt64 {
				return nil, fmt.Errorf("value %d overflows integer", u)
			}
			return int64(u), nil
		case reflect.Float32, reflect.Float64:
			f := rv.Float()
			if f != math.Trunc(f) {
				return nil, fmt.Errorf("value %v is not integral", f)
			}
			// MaxInt64 rounds up to 2^63 as a float64
			if f < math.MinInt64 || f >= 1<<63 {
				return nil, fmt.Errorf("value %v overflows integer", f)
			}
			return int64(f), nil
		}

	case TypeDouble:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Float32, reflect.Float64:
			return rv.Float(), nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return float64(rv.Int()), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return float64(rv.Uint()), nil
		}

	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}

	case TypeDate:
		switch d := v.(type) {
		case time.Time:
			return d.UTC(), nil
		case *time.Time:
			if d == nil {
				return nil, nil
			}
			return d.UTC(), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, d)
			if err != nil {
				return nil, err
			}
			return parsed.UTC(), nil
		}

	case TypeDecimal:
		switch d := v.(type) {
		case decimal.Decimal:
			return d, nil
		case string:
			return decimal.NewFromString(d)
		case float64:
			return decimal.NewFromFloat(d), nil
		case int:
			return decimal.NewFromInt(int64(d)), nil
		case int64:
			return decimal.NewFromInt(d), nil
		}

	case TypeUUID:
		switch u := v.(type) {
		case uuid.UUID:
			return u, nil
		case string:
			return uuid.Parse(u)
		}

	case TypeBinary:
		switch b := v.(type) {
		case []byte:
			return bytes.Clone(b), nil
		case string:
			return []byte(b), nil
		}

	case TypeJSON:
		if _, err := json.Marshal(v); err != nil {
			return nil, err
		}
		return v, nil
	}

	return nil, fmt.Errorf("cannot store %T as %s", v, t)
}

// encode returns the JSON payload form of a canonical value
func (t AttributeType) encode(v any) any {
	if v == nil {
		return nil
	}
	switch t {
	case TypeDate:
		return v.(time.Time).Format(time.RFC3339Nano)
	case TypeDecimal:
		return v.(decimal.Decimal).String()
	case TypeUUID:
		return v.(uuid.UUID).String()
	}
	return v
}

// decode parses a JSON payload value back to the canonical representation
func (t AttributeType) decode(raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	switch t {
	case TypeString:
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case TypeInteger:
		var i int64
		err := json.Unmarshal(raw, &i)
		return i, err
	case TypeDouble:
		var f float64
		err := json.Unmarshal(raw, &f)
		return f, err
	case TypeBoolean:
		var b bool
		err := json.Unmarshal(raw, &b)
		return b, err
	case TypeDate, TypeDecimal, TypeUUID:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return t.coerce(s)
	case TypeBinary:
		var b []byte
		err := json.Unmarshal(raw, &b)
		return b, err
	case TypeJSON:
		var v any
		err := json.Unmarshal(raw, &v)
		return v, err
	}
	return nil, fmt.Errorf("unknown attribute type %q", t)
}

// predicateValue returns the form a value takes inside predicate expressions
func (t AttributeType) predicateValue(v any) any {
	if v == nil {
		return nil
	}
	switch t {
	case TypeInteger:
		return float64(v.(int64))
	case TypeDate:
		d := v.(time.Time)
		return float64(d.UnixNano()) / float64(time.Second)
	case TypeDecimal:
		f, _ := v.(decimal.Decimal).Float64()
		return f
	case TypeUUID:
		return v.(uuid.UUID).String()
	case TypeBinary:
		return string(v.([]byte))
	}
	return v
}

// valuesEqual compares two canonical values of the same type
func (t AttributeType) valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch t {
	case TypeDate:
		return a.(time.Time).Equal(b.(time.Time))
	case TypeDecimal:
		return a.(decimal.Decimal).Equal(b.(decimal.Decimal))
	case TypeBinary:
		return bytes.Equal(a.([]byte), b.([]byte))
	case TypeJSON:
		return reflect.DeepEqual(a, b)
	}
	return a == b
}
