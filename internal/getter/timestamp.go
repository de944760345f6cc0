package getter

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/duckmesh/duckfilter/internal/columnar"
)

const (
	DefaultDateFormat      = "%Y-%m-%d"
	DefaultTimeFormat      = "%H:%M:%S"
	DefaultTimestampFormat = "%Y-%m-%d %H:%M:%S.%L %z"
)

func defaultFormat(valueType ValueType) string {
	switch valueType {
	case Date:
		return DefaultDateFormat
	case Time:
		return DefaultTimeFormat
	default:
		return DefaultTimestampFormat
	}
}

type formatter struct {
	pattern *strftime.Strftime
}

func newFormatter(pattern string) (formatter, error) {
	compiled, err := strftime.New(pattern, strftime.WithMilliseconds('L'))
	if err != nil {
		return formatter{}, fmt.Errorf("invalid timestamp_format %q: %w", pattern, err)
	}
	return formatter{pattern: compiled}, nil
}

func (f formatter) format(t time.Time) string {
	if f.pattern == nil {
		return t.Format(time.RFC3339Nano)
	}
	return f.pattern.FormatString(t)
}

// zonedTimestampGetter reads timestamps with an explicit zone so that
// zone-naive engine values are interpreted as wall clock time in that zone
// rather than in the driver's default of UTC.
type zonedTimestampGetter struct {
	converter
}

func (g *zonedTimestampGetter) Column() columnar.Column { return g.column }
func (g *zonedTimestampGetter) ValueType() ValueType { return Timestamp }

func (g *zonedTimestampGetter) Extract(row ResultRow, ordinal int, sink Sink) error {
	t, ok, err := row.Timestamp(ordinal, g.location)
	if err != nil {
		return err
	}
	if !ok {
		sink.SetNull(g.column.Index)
		return nil
	}
	return g.write(columnar.TimestampValue(t), sink)
}

// Location returns the zone timestamps are read in.
func (g *zonedTimestampGetter) Location() *time.Location { return g.location }
