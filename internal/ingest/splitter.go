package ingest

import (
	"fmt"
	"strings"

	"docassist/internal/config"
	"docassist/internal/models"

	"github.com/tmc/langchaingo/textsplitter"
)

// Window is a chunk size and overlap, counted in runes.
type Window struct {
	Size    int
	Overlap int
}

// Splitter chunks text with a per content type window.
type Splitter struct {
	windows map[models.ContentType]Window
}

func NewSplitter(cfg config.RAGConfig) *Splitter {
	return &Splitter{windows: map[models.ContentType]Window{
		models.ContentPDF: {Size: cfg.PDFChunkSize, Overlap: cfg.PDFChunkOverlap},
		models.ContentURL: {Size: cfg.URLChunkSize, Overlap: cfg.URLChunkOverlap},
	}}
}

// Split returns the chunks of text for contentType, in document order.
func (s *Splitter) Split(contentType models.ContentType, text string) ([]string, error) {
	w, ok := s.windows[contentType]
	if !ok {
		return nil, fmt.Errorf("unknown content type %q", contentType)
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyDocument
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(w.Size),
		textsplitter.WithChunkOverlap(w.Overlap),
	)
	parts, err := splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("split text: %w", err)
	}
	chunks := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			chunks = append(chunks, p)
		}
	}
	if len(chunks) == 0 {
		return nil, ErrEmptyDocument
	}
	return chunks, nil
}
