package envconf

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

const (
	unsetValue  = "<unset>"
	secretValue = "*****"
)

var byteSizeType = reflect.TypeOf(ByteSize(0))

// Secret is a string that is redacted when printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secretValue
}

// ByteSize is a size in bytes, configured in human readable form such as "8MiB" or "512k".
type ByteSize int64

// ParseByteSize ...
func ParseByteSize(value string) (ByteSize, error) {
	size, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("parse byte size: %w", err)
	}
	return ByteSize(size), nil
}

// String ...
func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// Set parses value into b, so a ByteSize can back a command line flag.
func (b *ByteSize) Set(value string) error {
	size, err := ParseByteSize(value)
	if err != nil {
		return err
	}
	*b = size
	return nil
}

// Type ...
func (b *ByteSize) Type() string {
	return "bytes"
}

// Print logs the tagged fields of config, one per line, with secrets redacted and zero values marked unset.
func Print(logger log.Logger, config interface{}) {
	logger.Infof("%s:", title(config))
	for _, line := range lines(config) {
		logger.Printf("%s", line)
	}
}

func title(config interface{}) string {
	name := reflect.Indirect(reflect.ValueOf(config)).Type().Name()
	if name == "" {
		return "Config"
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func lines(config interface{}) []string {
	v := reflect.Indirect(reflect.ValueOf(config))
	t := v.Type()

	var out []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		key := field.Name
		if tag, ok := field.Tag.Lookup(tagName); ok {
			key, _, _ = strings.Cut(tag, ",")
		}

		value := valueString(v.Field(i))
		if v.Field(i).IsZero() {
			value = unsetValue
		}
		out = append(out, fmt.Sprintf("- %s: %s", key, value))
	}
	return out
}

// valueString formats v, dereferencing pointers. A nil pointer formats as the zero value of its element.
func valueString(v reflect.Value) string {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return valueString(reflect.Zero(v.Type().Elem()))
		}
		return valueString(v.Elem())
	}

	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	if v.Kind() == reflect.Slice {
		items := make([]string, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			items = append(items, valueString(v.Index(i)))
		}
		return strings.Join(items, listSeparator)
	}
	return fmt.Sprintf("%v", v.Interface())
}
