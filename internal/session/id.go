package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"docassist/internal/models"
)

// NewID derives the session id for a source owned by username. The same
// inputs always give the same id, so re-ingesting a source replaces it.
func NewID(contentType models.ContentType, source, username string) string {
	h := sha256.New()
	h.Write([]byte(contentType))
	h.Write([]byte{0})
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(username))
	return string(contentType) + "_" + hex.EncodeToString(h.Sum(nil)[:16])
}

// URLSource is the source identity of a URL batch.
func URLSource(urls []string) string {
	return strings.Join(urls, "\n")
}

// URLTitle names a URL batch by its first URL.
func URLTitle(urls []string) string {
	switch len(urls) {
	case 0:
		return ""
	case 1:
		return urls[0]
	default:
		return fmt.Sprintf("%s +%d more", urls[0], len(urls)-1)
	}
}

