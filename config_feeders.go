package lightning

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the environment variable prefix for runtime configuration,
// e.g. LIGHTNING_MODE, LIGHTNING_STORAGE_PROVIDER.
const EnvPrefix = "LIGHTNING"

// Feeder populates a configuration structure from one source. Feeders run in
// order; later feeders override earlier ones.
type Feeder interface {
	Feed(structure any) error
}

// LoadConfig builds a RuntimeConfig from defaults, an optional config file
// (YAML or TOML by extension) and LIGHTNING_* environment variables, then
// validates it.
func LoadConfig(path string) (*RuntimeConfig, error) {
	cfg := NewRuntimeConfig()

	feeders := []Feeder{}
	if path != "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			feeders = append(feeders, NewYAMLFeeder(path))
		case ".toml":
			feeders = append(feeders, NewTOMLFeeder(path))
		default:
			return nil, fmt.Errorf("%w: %s", ErrConfigFormatUnknown, path)
		}
	}
	feeders = append(feeders, NewEnvFeeder(EnvPrefix))

	for _, f := range feeders {
		if err := f.Feed(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// YAMLFeeder reads a YAML file into the structure.
type YAMLFeeder struct {
	Path string
}

// NewYAMLFeeder creates a YAMLFeeder for the given file.
func NewYAMLFeeder(path string) YAMLFeeder {
	return YAMLFeeder{Path: path}
}

// Feed reads the YAML file and populates the structure.
func (f YAMLFeeder) Feed(structure any) error {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConfigFileUnreadable, f.Path, err)
	}
	if err := yaml.Unmarshal(data, structure); err != nil {
		return fmt.Errorf("parse yaml config %s: %w", f.Path, err)
	}
	return nil
}

// TOMLFeeder reads a TOML file into the structure.
type TOMLFeeder struct {
	Path string
}

// NewTOMLFeeder creates a TOMLFeeder for the given file.
func NewTOMLFeeder(path string) TOMLFeeder {
	return TOMLFeeder{Path: path}
}

// Feed reads the TOML file and populates the structure.
func (f TOMLFeeder) Feed(structure any) error {
	if _, err := toml.DecodeFile(f.Path, structure); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConfigFileUnreadable, f.Path, err)
	}
	return nil
}

// EnvFeeder populates struct fields tagged with `env` from prefixed
// environment variables, recursing into nested structs. Scalar coercion
// goes through golobby/cast so numeric and boolean fields accept their
// usual string forms.
type EnvFeeder struct {
	Prefix string
}

// NewEnvFeeder creates an EnvFeeder with the given prefix.
func NewEnvFeeder(prefix string) EnvFeeder {
	return EnvFeeder{Prefix: strings.ToUpper(prefix)}
}

// Feed reads environment variables and populates the structure.
func (f EnvFeeder) Feed(structure any) error {
	rv := reflect.ValueOf(structure)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return ErrConfigNotPointer
	}
	return f.feedStruct(rv.Elem())
}

func (f EnvFeeder) feedStruct(rv reflect.Value) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)
		if !fieldType.IsExported() {
			continue
		}
		if field.Kind() == reflect.Struct {
			if err := f.feedStruct(field); err != nil {
				return err
			}
			continue
		}
		envTag, ok := fieldType.Tag.Lookup("env")
		if !ok {
			continue
		}
		name := strings.ToUpper(envTag)
		if f.Prefix != "" {
			name = f.Prefix + "_" + name
		}
		value := os.Getenv(name)
		if value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("env %s: %w", name, err)
		}
	}
	return nil
}

// ApplyDefaults fills zero-valued tagged fields from `default` struct tags,
// recursing into nested structs.
func ApplyDefaults(structure any) error {
	rv := reflect.ValueOf(structure)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return ErrConfigNotPointer
	}
	return applyStructDefaults(rv.Elem())
}

func applyStructDefaults(rv reflect.Value) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)
		if !fieldType.IsExported() {
			continue
		}
		if field.Kind() == reflect.Struct {
			if err := applyStructDefaults(field); err != nil {
				return err
			}
			continue
		}
		def, ok := fieldType.Tag.Lookup("default")
		if !ok || !field.IsZero() {
			continue
		}
		if err := setFieldValue(field, def); err != nil {
			return fmt.Errorf("default for %s: %w", fieldType.Name, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, strValue string) error {
	converted, err := cast.FromType(strValue, field.Type())
	if err != nil {
		return fmt.Errorf("cannot convert %q to %v: %w", strValue, field.Type(), err)
	}
	if !field.CanSet() {
		return fmt.Errorf("field cannot be set")
	}
	field.Set(reflect.ValueOf(converted))
	return nil
}
