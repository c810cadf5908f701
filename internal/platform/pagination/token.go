// Package pagination encodes Firestore query cursors as opaque page tokens.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPageToken is returned when a page token cannot be decoded.
var ErrInvalidPageToken = errors.New("pagination: invalid pageToken")

// Cursor carries the ordered field values of the last document on the
// previous page; the next query resumes after them.
type Cursor struct {
	StartAfter []any `json:"after,omitempty"`
}

// EncodeToken renders the cursor as a URL-safe token. An empty cursor
// yields an empty token, meaning the listing is exhausted.
func EncodeToken(cursor Cursor) (string, error) {
	if len(cursor.StartAfter) == 0 {
		return "", nil
	}
	payload, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(payload), nil
}

// DecodeToken reverses EncodeToken. A blank token decodes to the zero
// cursor (start from the beginning).
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}

	payload, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(payload, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return cursor, nil
}
