package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// CursorDirection is the direction a PageCursor resumes scanning in: away
// from the cursor's position (next) or back toward the start (prev).
type CursorDirection string

const (
	CursorNext CursorDirection = "next"
	CursorPrev CursorDirection = "prev"
)

// PageCursor is a keyset pagination cursor: the sort value and logical ID of
// the boundary row from the page it was minted on, plus the direction to
// resume scanning in. The pair uniquely identifies a position in a
// deterministically sorted result set, so pagination does not degrade to an
// OFFSET scan as depth grows.
type PageCursor struct {
	SortValue string `json:"v"`
	ID        string `json:"id"`
	// Descending records a sort direction; no paginator in this module sets
	// or checks it.
	Descending bool `json:"desc,omitempty"`
	// Direction selects which way paginate resumes from ID: CursorNext scans
	// forward from just after it, CursorPrev scans backward from just before
	// it. Empty decodes as CursorNext for cursors minted before this field
	// existed.
	Direction CursorDirection `json:"dir,omitempty"`
}

// EncodeCursor renders a PageCursor as an opaque, URL-safe token.
func EncodeCursor(c PageCursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses an opaque token minted by EncodeCursor.
func DecodeCursor(token string) (*PageCursor, error) {
	if token == "" {
		return nil, fmt.Errorf("empty cursor token")
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor token: %w", err)
	}
	var c PageCursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid cursor payload: %w", err)
	}
	return &c, nil
}

// Page wraps one page of results with the information needed to fetch the
// next or previous page, if either exists.
type Page struct {
	ResourceIDs []string
	NextCursor  string
	PrevCursor  string
	HasMore     bool
	HasPrev     bool
	Total       *int64 // populated only when TotalMode requested one
}
