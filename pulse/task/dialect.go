package task

import (
	"strconv"
	"strings"
	"time"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
)

// Dialect captures the SQL differences between supported databases
type Dialect struct {
	Name string
	// LockSuffix is appended to the claim query
	LockSuffix string
	// Positional placeholders ($1, $2, ...) instead of ?
	Numbered bool
	// Timestamps bound as RFC3339 text rather than time.Time
	TextTime bool
	// ClaimWait bounds how long a claim waits for the database write lock.
	// Zero leaves the connection's own lock handling in place.
	ClaimWait time.Duration
}

// SQLiteClaimWait is how long a SQLite claim waits behind another claimer
const SQLiteClaimWait = 250 * time.Millisecond

var (
	// SQLite relies on the immediate write transaction opened by the connection
	// (_txlock=immediate): one claimer at a time, others wait up to ClaimWait
	// and then come back empty.
	SQLite = Dialect{Name: am.DialectSQLite, TextTime: true, ClaimWait: SQLiteClaimWait}

	// Postgres locks selected rows and skips rows another claimer holds
	Postgres = Dialect{Name: am.DialectPostgres, LockSuffix: " FOR UPDATE SKIP LOCKED", Numbered: true}
)

// DialectFor returns the dialect named in configuration
func DialectFor(name string) (Dialect, error) {
	switch name {
	case "", am.DialectSQLite:
		return SQLite, nil
	case am.DialectPostgres:
		return Postgres, nil
	default:
		return Dialect{}, errors.Validationf("unsupported database dialect: %s", name)
	}
}

// Rebind rewrites ? placeholders for the dialect
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Time converts t into a bind value
func (d Dialect) Time(t time.Time) interface{} {
	if d.TextTime {
		return formatTime(t)
	}
	return t.UTC()
}

// timeLayout is fixed width so text comparison orders timestamps the same
// way time does, down to the nanosecond
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
