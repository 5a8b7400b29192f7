package store

import (
	"fmt"
	"strings"
)

// Dialect names accepted by NewSQLStore.
const (
	DialectLibSQL   = "libsql"
	DialectPostgres = "postgres"
)

// dialect adapts the portable queries in this package to a driver.
// Queries are written with ? placeholders; Postgres wants $1, $2, ...
type dialect struct {
	name string
}

func newDialect(name string) (dialect, error) {
	switch name {
	case DialectLibSQL, DialectPostgres:
		return dialect{name: name}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported sql dialect %q", name)
	}
}

// driverName is the database/sql driver registered for the dialect.
func (d dialect) driverName() string {
	return d.name
}

// rebind rewrites ? placeholders for the dialect. The queries in this package
// never contain literal question marks.
func (d dialect) rebind(query string) string {
	if d.name != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
