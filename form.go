package bifrost

import (
	"encoding"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	timeType          = reflect.TypeOf(time.Time{})
)

// EncodeForm serializes a struct or string-keyed map as
// application/x-www-form-urlencoded. Nested values use bracket notation
// (parent[child]=v), slices and arrays use index notation (parent[0]=v), and
// nil pointers, interfaces, maps and slices are omitted.
//
// Struct fields are named by their `form:"name,omitempty"` tag, or by the
// field name when untagged. A tag of "-" skips the field. Untagged embedded
// structs are flattened into the parent.
func EncodeForm(v any) (string, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return "", nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return "", nil
	}
	if rv.Kind() != reflect.Struct && rv.Kind() != reflect.Map {
		return "", fmt.Errorf("bifrost: cannot form-encode %s, want struct or map", rv.Type())
	}

	var pairs []string
	if err := encodeValue(&pairs, "", rv); err != nil {
		return "", err
	}
	return strings.Join(pairs, "&"), nil
}

func encodeValue(pairs *[]string, key string, v reflect.Value) error {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return encodeValue(pairs, key, v.Elem())
	}

	if v.Type() == timeType {
		return emit(pairs, key, v.Interface().(time.Time).UTC().Format(time.RFC3339))
	}
	if v.Type().Implements(textMarshalerType) {
		text, err := v.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return fmt.Errorf("bifrost: form field %q: %w", key, err)
		}
		return emit(pairs, key, string(text))
	}

	switch v.Kind() {
	case reflect.Struct:
		return encodeStruct(pairs, key, v)

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("bifrost: form field %q: map key must be a string, got %s", key, v.Type().Key())
		}
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		for _, k := range keys {
			if err := encodeValue(pairs, nestKey(key, k.String()), v.MapIndex(k)); err != nil {
				return err
			}
		}
		return nil

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice {
			if v.IsNil() {
				return nil
			}
			if v.Type().Elem().Kind() == reflect.Uint8 {
				return emit(pairs, key, string(v.Bytes()))
			}
		}
		for i := 0; i < v.Len(); i++ {
			if err := encodeValue(pairs, key+"["+strconv.Itoa(i)+"]", v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	}

	s, err := scalarString(v)
	if err != nil {
		return fmt.Errorf("bifrost: form field %q: %w", key, err)
	}
	return emit(pairs, key, s)
}

func encodeStruct(pairs *[]string, key string, v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}

		name, omitempty, tagged := parseFormTag(f)
		if name == "-" {
			continue
		}

		fv := v.Field(i)
		if omitempty && fv.IsZero() {
			continue
		}

		if f.Anonymous && !tagged && indirectKind(f.Type) == reflect.Struct {
			if err := encodeValue(pairs, key, fv); err != nil {
				return err
			}
			continue
		}

		if err := encodeValue(pairs, nestKey(key, name), fv); err != nil {
			return err
		}
	}
	return nil
}

func parseFormTag(f reflect.StructField) (name string, omitempty, tagged bool) {
	tag, ok := f.Tag.Lookup("form")
	if !ok {
		return f.Name, false, false
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	return name, opts == "omitempty", true
}

func indirectKind(t reflect.Type) reflect.Kind {
	if t.Kind() == reflect.Pointer {
		return t.Elem().Kind()
	}
	return t.Kind()
}

func nestKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "[" + name + "]"
}

func scalarString(v reflect.Value) (string, error) {
	switch v.Kind() {
	case reflect.String:
		return v.String(), nil
	case reflect.Bool:
		return strconv.FormatBool(v.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(v.Uint(), 10), nil
	case reflect.Float32:
		return strconv.FormatFloat(v.Float(), 'f', -1, 32), nil
	case reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'f', -1, 64), nil
	}
	return "", fmt.Errorf("unsupported kind %s", v.Kind())
}

func emit(pairs *[]string, key, value string) error {
	*pairs = append(*pairs, url.QueryEscape(key)+"="+url.QueryEscape(value))
	return nil
}
