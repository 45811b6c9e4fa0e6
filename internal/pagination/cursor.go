// Package pagination provides keyset cursors and limit clamping for list
// endpoints.
package pagination

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/p2pdesk/internal/apperr"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = apperr.New(apperr.Invalid, "invalid cursor")

const cursorVersion = "c1"

// Cursor is the (created_at, id) key of the last row on a page. Lists are
// ordered newest first, so the next page holds rows strictly before it.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns an opaque cursor string.
func Encode(createdAt time.Time, id string) string {
	raw := cursorVersion + "|" + strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor. An empty string is the first page and yields nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 3)
	if len(parts) != 3 || parts[0] != cursorVersion || parts[2] == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: parts[2]}, nil
}

// ComputePage trims items fetched with limit+1 and returns the page, the
// cursor of its last row and whether more rows follow.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}

// Limit clamps a requested page size: non-positive or oversized requests
// get def.
func Limit(requested, def, max int) int {
	if requested <= 0 || requested > max {
		return def
	}
	return requested
}
