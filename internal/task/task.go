package task

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/duckmesh/duckfilter/internal/adapter"
	"github.com/duckmesh/duckfilter/internal/columnar"
	"github.com/duckmesh/duckfilter/internal/getter"
)

const DefaultTimezone = "UTC"

// Task is one configured filter: the query, how inputs are exposed to it and
// how its result columns are extracted.
type Task struct {
	Name            string                         `mapstructure:"name"`
	Query           string                         `mapstructure:"query"`
	DefaultTimezone string                         `mapstructure:"default_timezone"`
	Options         map[string]string              `mapstructure:"options"`
	DoubleMode      string                         `mapstructure:"double_mode"`
	DecimalScale    *int                           `mapstructure:"decimal_scale"`
	ColumnOptions   map[string]getter.ColumnOption `mapstructure:"column_options"`
	InputSchema     []ColumnSpec                   `mapstructure:"input_schema"`
}

type ColumnSpec struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
}

// Load reads a task file. The format follows the file extension.
func Load(path string) (Task, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("default_timezone", DefaultTimezone)
	v.SetDefault("double_mode", string(adapter.DoubleDecimal))

	if err := v.ReadInConfig(); err != nil {
		return Task{}, fmt.Errorf("read task %s: %w", path, err)
	}

	var t Task
	if err := v.Unmarshal(&t); err != nil {
		return Task{}, fmt.Errorf("unmarshal task %s: %w", path, err)
	}
	if strings.TrimSpace(t.Name) == "" {
		t.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return t, nil
}

var taskExtensions = map[string]bool{".yaml": true, ".yml": true, ".json": true, ".toml": true}

// LoadDir loads and validates every task file in dir, sorted by name.
func LoadDir(dir string) ([]Task, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read task dir: %w", err)
	}
	tasks := make([]Task, 0, len(entries))
	seen := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() || !taskExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		t, err := Load(path)
		if err != nil {
			return nil, err
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("task %s: %w", path, err)
		}
		if previous, exists := seen[t.Name]; exists {
			return nil, fmt.Errorf("task name %q defined by both %s and %s", t.Name, previous, path)
		}
		seen[t.Name] = path
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	return tasks, nil
}

// Validate checks everything that can be checked without an engine.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Query) == "" {
		return fmt.Errorf("query is required")
	}
	if _, err := t.Location(); err != nil {
		return err
	}
	if _, err := t.TypeMap(); err != nil {
		return err
	}
	for name, option := range t.ColumnOptions {
		if _, err := getter.ParseValueType(option.ValueType); err != nil {
			return fmt.Errorf("column_options.%s: %w", name, err)
		}
		if strings.TrimSpace(option.Type) != "" {
			if _, err := columnar.ParseType(option.Type); err != nil {
				return fmt.Errorf("column_options.%s: %w", name, err)
			}
		}
		if zone := strings.TrimSpace(option.Timezone); zone != "" {
			if _, err := time.LoadLocation(zone); err != nil {
				return fmt.Errorf("column_options.%s: unknown time zone %q", name, zone)
			}
		}
	}
	if len(t.InputSchema) > 0 {
		if _, err := t.Schema(); err != nil {
			return err
		}
	}
	return nil
}

func (t Task) Location() (*time.Location, error) {
	zone := strings.TrimSpace(t.DefaultTimezone)
	if zone == "" {
		zone = DefaultTimezone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("unknown default_timezone %q", zone)
	}
	return loc, nil
}

func (t Task) TypeMap() (adapter.TypeMap, error) {
	scale := adapter.DefaultDecimalScale
	if t.DecimalScale != nil {
		scale = *t.DecimalScale
	}
	return adapter.NewTypeMap(adapter.DoubleMode(strings.ToLower(strings.TrimSpace(t.DoubleMode))), scale)
}

// Schema returns the configured input schema.
func (t Task) Schema() (*columnar.Schema, error) {
	if len(t.InputSchema) == 0 {
		return nil, fmt.Errorf("input_schema is not configured")
	}
	fields := make([]columnar.Field, 0, len(t.InputSchema))
	for _, spec := range t.InputSchema {
		typ, err := columnar.ParseType(spec.Type)
		if err != nil {
			return nil, fmt.Errorf("input_schema.%s: %w", spec.Name, err)
		}
		fields = append(fields, columnar.Field{Name: spec.Name, Type: typ})
	}
	schema, err := columnar.NewSchema(fields)
	if err != nil {
		return nil, fmt.Errorf("input_schema: %w", err)
	}
	return schema, nil
}

// SortedOptions returns the engine options ordered by key.
func (t Task) SortedOptions() [][2]string {
	keys := make([]string, 0, len(t.Options))
	for key := range t.Options {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, [2]string{key, t.Options[key]})
	}
	return out
}
