// Package pagination provides keyset cursors for time-ordered listings
// such as an actor's signal history.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/fieldguard/internal/faults"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ErrInvalidCursor is returned for cursors that were not produced by Encode.
var ErrInvalidCursor = fmt.Errorf("%w: invalid cursor", faults.ErrValidation)

// Cursor represents a position in a paginated result set.
type Cursor struct {
	At time.Time
	ID string
}

// After reports whether an item keyed (at, id) sorts after the cursor in
// newest-first order.
func (c *Cursor) After(at time.Time, id string) bool {
	if c == nil {
		return true
	}
	if at.Equal(c.At) {
		return id < c.ID
	}
	return at.Before(c.At)
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(at time.Time, id string) string {
	raw := strconv.FormatInt(at.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, n).UTC(), ID: id}, nil
}

// ParseLimit parses a limit query value, applying the default and the cap.
func ParseLimit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// ComputePage takes items fetched with limit+1 and trims them to limit.
// It returns the page, the next cursor and whether more items exist.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	at, id := key(items[len(items)-1])
	return items, Encode(at, id), true
}
