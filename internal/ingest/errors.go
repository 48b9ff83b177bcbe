package ingest

import "errors"

var (
	ErrUnsupportedURL = errors.New("unsupported url")
	ErrEmptyDocument  = errors.New("document has no extractable text")
	ErrNotPDF         = errors.New("only .pdf files are accepted")
	ErrFileTooLarge   = errors.New("file exceeds upload limit")
)
