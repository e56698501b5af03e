package run

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Context is the immutable identity of one pipeline run: who this execution
// is, when it started, and the catalog time window it searches.
type Context struct {
	ExecutionID string
	ExecutionDt time.Time
	RangeStart  time.Time
	RangeEnd    time.Time
}

// New derives the run identity. The execution id is a hash of the
// second-resolution start timestamp; overrideID pins it instead, so a
// dispatch phase can be re-run against an earlier execution's durable log.
func New(now time.Time, lookbackDays int, overrideID string) Context {
	dt := now.Truncate(time.Second)
	end := time.Date(dt.Year(), dt.Month(), dt.Day(), 23, 59, 59, 0, dt.Location())
	start := time.Date(dt.Year(), dt.Month(), dt.Day(), 0, 0, 0, 0, dt.Location()).
		AddDate(0, 0, -lookbackDays)

	id := overrideID
	if id == "" {
		id = Fingerprint(dt.Format(time.RFC3339))
	}
	return Context{
		ExecutionID: id,
		ExecutionDt: dt,
		RangeStart:  start,
		RangeEnd:    end,
	}
}

// TimeRange renders the search window as the ISO 8601 interval the catalog
// expects.
func (c Context) TimeRange() string {
	return c.RangeStart.Format(time.RFC3339) + "/" + c.RangeEnd.Format(time.RFC3339)
}

// Fingerprint builds a collision-resistant identity from its parts.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
