// Package pagination implements the opaque cursor tokens used by list
// endpoints. Tokens carry the sort-key values of the last item on a page so
// Firestore queries can resume with StartAfter.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidPageToken marks tokens that cannot be decoded. Handlers translate
// it into an invalid-argument response.
var ErrInvalidPageToken = errors.New("pagination: invalid pageToken")

// Cursor identifies the last item of a page. Collections are ordered by
// createdAt descending with the document ID as tie-breaker, so both values
// are needed to resume.
type Cursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// EncodeCursor serialises the cursor into a base64 URL-safe page token.
// A zero cursor encodes to the empty token.
func EncodeCursor(cursor Cursor) (string, error) {
	if cursor.ID == "" && cursor.CreatedAt.IsZero() {
		return "", nil
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCursor parses a page token produced by EncodeCursor. An empty token
// decodes to the zero cursor.
func DecodeCursor(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(decoded, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return cursor, nil
}

// ClampPageSize normalises a requested page size against the collection's
// default and ceiling.
func ClampPageSize(requested, fallback, max int) int {
	if requested <= 0 {
		return fallback
	}
	if requested > max {
		return max
	}
	return requested
}
