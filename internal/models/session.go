package models

import "time"

// ContentType tells how a session's text was obtained and how it is chunked.
type ContentType string

const (
	ContentPDF ContentType = "pdf"
	ContentURL ContentType = "url"
)

// Valid reports whether c is a known content type.
func (c ContentType) Valid() bool {
	return c == ContentPDF || c == ContentURL
}

// SessionRecord is the durable row for one ingested document.
type SessionRecord struct {
	ID          int64       `json:"-"`
	SessionID   string      `json:"session_id"`
	UserID      int64       `json:"user_id"`
	ContentType ContentType `json:"type"`
	Content     string      `json:"-"`
	Title       string      `json:"title"`
	Status      string      `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

// SessionSummary is the listing view of a SessionRecord.
type SessionSummary struct {
	SessionID string      `json:"session_id"`
	Type      ContentType `json:"type"`
	CreatedAt time.Time   `json:"created_at"`
	Title     string      `json:"title"`
	Status    string      `json:"status"`
}
