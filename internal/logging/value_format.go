package logging

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// plainValue renders v for the console header, where values are never
// quoted.
func plainValue(v slog.Value) string {
	return renderValue(v.Resolve())
}

// fieldValue renders v for the key=value tail, quoting anything a reader could
// not split on whitespace.
func fieldValue(v slog.Value) string {
	s := renderValue(v.Resolve())
	if s == "" || strings.ContainsFunc(s, func(r rune) bool { return r <= ' ' || r == '=' || r == '"' }) {
		return strconv.Quote(s)
	}
	return s
}

func renderValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindTime:
		return v.Time().In(time.Local).Format(logTimestampLayout)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	default:
		// bool, ints and durations already print the way they parse.
		return v.String()
	}
}
