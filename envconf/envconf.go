// Package envconf fills configuration structs from environment variables.
//
// Fields are bound with the `env` struct tag:
//
//	ChunkSize   ByteSize `env:"CHUNK_SIZE"`
//	Bucket      string   `env:"S3_BUCKET,required"`
//	Status      string   `env:"STATUS_BACKEND,opt[http,journal,none]"`
//	Source      string   `env:"SOURCE_PATH,file"`
//
// Supported field types are string, bool, the integer and float kinds,
// time.Duration, []string (values separated by "|"), Secret, ByteSize and
// pointers to these. Empty values leave the field untouched, so defaults set
// before parsing survive.
package envconf

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
)

const (
	tagName = "env"

	constraintRequired = "required"
	constraintFile     = "file"
	constraintDir      = "dir"

	listSeparator = "|"
)

var (
	// ErrNotStructPtr is returned when the parsed value is not a pointer to a struct.
	ErrNotStructPtr = errors.New("must be called with a struct pointer")
	// ErrRequired ...
	ErrRequired = errors.New("required variable is not present")
	// ErrInvalidOption is returned when a value is not one of the allowed options.
	ErrInvalidOption = errors.New("value is not in value options")

	durationType = reflect.TypeOf(time.Duration(0))
)

// Parser ...
type Parser interface {
	Parse(config interface{}) error
}

type defaultParser struct {
	envRepo env.Repository
}

// NewParser ...
func NewParser(envRepo env.Repository) Parser {
	return defaultParser{envRepo: envRepo}
}

// Parse ...
func (p defaultParser) Parse(config interface{}) error {
	return Parse(config, p.envRepo)
}

// Parse populates the tagged fields of the struct pointed to by config.
// Every field is processed; the returned error joins all field errors.
func Parse(config interface{}, envRepo env.Repository) error {
	v := reflect.ValueOf(config)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return ErrNotStructPtr
	}

	v = v.Elem()
	t := v.Type()

	var errs []error
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag, ok := field.Tag.Lookup(tagName)
		if !ok || !field.IsExported() {
			continue
		}

		key, constraint, err := parseTag(tag)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field.Name, err))
			continue
		}

		value := envRepo.Get(key)
		if err := validate(value, constraint); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if value == "" {
			continue
		}

		if err := setField(v.Field(i), value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

func parseTag(tag string) (string, string, error) {
	key, constraint, _ := strings.Cut(tag, ",")
	if key == "" {
		return "", "", fmt.Errorf("empty env name in tag %q", tag)
	}

	switch {
	case constraint == "", constraint == constraintRequired, constraint == constraintFile, constraint == constraintDir:
	case strings.HasPrefix(constraint, "opt[") && strings.HasSuffix(constraint, "]"):
	default:
		return "", "", fmt.Errorf("unknown constraint %q", constraint)
	}
	return key, constraint, nil
}

// validate checks value against the constraint of its tag. Only required rejects an unset
// value; other constraints keep the field's default then.
func validate(value, constraint string) error {
	if value == "" {
		if constraint == constraintRequired {
			return ErrRequired
		}
		return nil
	}

	switch {
	case constraint == constraintFile, constraint == constraintDir:
		return checkPath(value, constraint == constraintDir)
	case strings.HasPrefix(constraint, "opt["):
		options := valueOptions(strings.TrimSuffix(strings.TrimPrefix(constraint, "opt["), "]"))
		for _, opt := range options {
			if opt == value {
				return nil
			}
		}
		return fmt.Errorf("%w %v: %q", ErrInvalidOption, options, value)
	}
	return nil
}

func checkPath(path string, dir bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("check path: %w", err)
	}
	if info.IsDir() != dir {
		if dir {
			return fmt.Errorf("%s is not a directory", path)
		}
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

// valueOptions splits an option list on commas, honouring single quoted options that contain commas.
func valueOptions(list string) []string {
	var (
		options []string
		current strings.Builder
		quoted  bool
	)
	for _, r := range list {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ',' && !quoted:
			options = append(options, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(options, current.String())
}

func setField(field reflect.Value, value string) error {
	if field.Kind() == reflect.Ptr {
		ptr := reflect.New(field.Type().Elem())
		if err := setField(ptr.Elem(), value); err != nil {
			return err
		}
		field.Set(ptr)
		return nil
	}

	switch field.Type() {
	case durationType:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse duration: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	case byteSizeType:
		size, err := ParseByteSize(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(size))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 0, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("parse int: %w", err)
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 0, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("parse uint: %w", err)
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("parse float: %w", err)
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		items := strings.Split(value, listSeparator)
		slice := reflect.MakeSlice(field.Type(), len(items), len(items))
		for i, item := range items {
			slice.Index(i).SetString(strings.TrimSpace(item))
		}
		field.Set(slice)
	default:
		return fmt.Errorf("unsupported type %s", field.Type())
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse bool: %w", err)
	}
	return b, nil
}
