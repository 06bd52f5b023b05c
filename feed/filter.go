package feed

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/maxpert/feedmux/encoding"
	"github.com/maxpert/feedmux/event"
)

type filterClause struct {
	column  string
	pattern glob.Glob
	raw     string
}

// RowFilter evaluates col=pattern clauses against a change event's column
// values. All clauses must match (AND semantics). Patterns use glob syntax.
type RowFilter struct {
	clauses []filterClause
}

// ParseRowFilter compiles a comma-separated col=pattern expression. An empty
// expression yields a filter that matches every event.
func ParseRowFilter(expr string) (*RowFilter, error) {
	f := &RowFilter{}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return f, nil
	}

	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		column, pattern, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid filter clause %q: expected col=pattern", part)
		}
		column = strings.TrimSpace(column)
		pattern = strings.TrimSpace(pattern)
		if column == "" {
			return nil, fmt.Errorf("invalid filter clause %q: empty column name", part)
		}

		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern %q: %w", pattern, err)
		}

		f.clauses = append(f.clauses, filterClause{column: column, pattern: g, raw: part})
	}

	return f, nil
}

// Match evaluates the filter against ev. Column values come from the After
// image, falling back to Before for deletes. A clause whose column is absent
// or undecodable does not match.
func (f *RowFilter) Match(ev event.Event) bool {
	if len(f.clauses) == 0 {
		return true
	}

	for _, clause := range f.clauses {
		raw, ok := ev.After[clause.column]
		if !ok {
			raw, ok = ev.Before[clause.column]
		}
		if !ok {
			return false
		}

		var value interface{}
		if err := encoding.Unmarshal(raw, &value); err != nil {
			return false
		}

		if !clause.pattern.Match(fmt.Sprint(value)) {
			return false
		}
	}

	return true
}

// String reconstructs the filter expression.
func (f *RowFilter) String() string {
	parts := make([]string, 0, len(f.clauses))
	for _, clause := range f.clauses {
		parts = append(parts, clause.raw)
	}
	return strings.Join(parts, ",")
}
