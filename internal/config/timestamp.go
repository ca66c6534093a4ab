package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/deeplynx/loader/internal/cursor"
)

// absoluteLayouts are parsed before falling back to natural language.
var absoluteLayouts = []string{
	cursor.Layout,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02",
}

// numericPosition matches index-valued start positions, which are sent
// to the remote unchanged.
var numericPosition = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

var parser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// NormalizeTimestamp converts s into the UTC "YYYY-MM-DD HH:MM:SS" cursor
// form. Numeric positions are returned as is. Absolute timestamps are
// reformatted; anything else is read as a natural language expression
// ("yesterday", "last week") relative to now.
func NormalizeTimestamp(s string, now time.Time) (string, error) {
	s = strings.TrimSpace(s)
	if numericPosition.MatchString(s) {
		return s, nil
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(cursor.Layout), nil
		}
	}

	r, err := parser.Parse(s, now)
	if err != nil {
		return "", fmt.Errorf("failed to parse initial_timestamp %q: %w", s, err)
	}
	if r == nil {
		return "", fmt.Errorf("unrecognized initial_timestamp %q", s)
	}
	return r.Time.UTC().Format(cursor.Layout), nil
}
