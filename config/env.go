package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Loader overlays environment variables on configuration sections.
//
// Variable names follow the pattern {PREFIX}_{SECTION}_{FIELD}. Named nested
// structs add their field name as a segment, embedded structs are flattened:
//
//	CONNECTIVITY_CONNECTION_CLIENT_ASK_TIMEOUT=5s
//	CONNECTIVITY_MONITORING_LOGGER_LOG_DURATION=30m
//	CONNECTIVITY_REDIS_ADDR=redis:6379
//
// Field names are converted from CamelCase to UPPER_SNAKE_CASE. Supported
// field types are string, bool, integers, floats and time.Duration; other
// fields are skipped.
type Loader struct {
	// Prefix for variable names (default: "CONNECTIVITY").
	Prefix string

	// lookup overrides os.LookupEnv for testing.
	lookup func(string) (string, bool)
}

func (l Loader) prefix() string {
	if l.Prefix == "" {
		return "CONNECTIVITY"
	}
	return l.Prefix
}

func (l Loader) lookupEnv(key string) (string, bool) {
	if l.lookup != nil {
		return l.lookup(key)
	}
	return os.LookupEnv(key)
}

// Load sets the fields of the struct pointed to by dst that have a variable
// set. All other fields keep their values.
func (l Loader) Load(section string, dst any) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: dst must be a pointer to a struct, got %T", dst)
	}
	return walk(l.sectionPrefix(section), v.Elem(), func(key string, fv reflect.Value) error {
		raw, ok := l.lookupEnv(key)
		if !ok {
			return nil
		}
		if err := setField(fv, raw); err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		return nil
	})
}

// Keys returns the variable names Load checks for a section. dst may be a
// struct or a pointer to one.
func (l Loader) Keys(section string, dst any) []string {
	t := reflect.TypeOf(dst)
	if t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	var keys []string
	_ = walk(l.sectionPrefix(section), reflect.New(t).Elem(), func(key string, _ reflect.Value) error {
		keys = append(keys, key)
		return nil
	})
	return keys
}

func (l Loader) sectionPrefix(section string) string {
	return l.prefix() + "_" + envSegment(section)
}

// walk calls visit for every settable leaf field of v.
func walk(prefix string, v reflect.Value, visit func(key string, fv reflect.Value) error) error {
	t := v.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		fv := v.Field(i)

		key := prefix
		if !field.Anonymous {
			key += "_" + toUpperSnake(field.Name)
		}

		switch {
		case !field.IsExported() && !(field.Anonymous && field.Type.Kind() == reflect.Struct):
			continue
		case field.Type == durationType:
			if err := visit(key, fv); err != nil {
				return err
			}
		case field.Type.Kind() == reflect.Struct:
			if err := walk(key, fv, visit); err != nil {
				return err
			}
		case isScalar(field.Type.Kind()):
			if err := visit(key, fv); err != nil {
				return err
			}
		}
	}
	return nil
}

func isScalar(k reflect.Kind) bool {
	switch k {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func setField(v reflect.Value, raw string) error {
	if v.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		v.SetInt(int64(d))
		return nil
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
	}
	return nil
}

// envSegment upper-cases a section name and maps '-', '.' and ' ' to '_'.
// Other characters are dropped.
func envSegment(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(unicode.ToUpper(r))
		case r == '-' || r == '.' || r == ' ' || r == '_':
			b.WriteRune('_')
		}
	}
	return b.String()
}

// toUpperSnake converts a CamelCase field name to UPPER_SNAKE_CASE.
//
//	ClientAskTimeout → CLIENT_ASK_TIMEOUT
//	HTTPAddr         → HTTP_ADDR
//	DB               → DB
func toUpperSnake(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteRune('_')
			}
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
