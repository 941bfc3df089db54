package store

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Cursor marks a position in the (created_at, job_id) ordering for
// keyset pagination.
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// EncodeCursor serializes a cursor into an opaque base64 token.
func EncodeCursor(c *Cursor) string {
	raw := fmt.Sprintf("%d|%s", c.CreatedAt.UnixNano(), c.JobID)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses an opaque cursor token. An empty token yields a
// nil cursor (first page).
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	if _, err := fmt.Sscanf(parts[0], "%d", &createdAt); err != nil {
		return nil, fmt.Errorf("invalid cursor timestamp: %w", err)
	}

	return &Cursor{
		CreatedAt: time.Unix(0, createdAt),
		JobID:     parts[1],
	}, nil
}
