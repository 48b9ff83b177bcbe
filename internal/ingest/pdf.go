package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
	"github.com/ledongthuc/pdf"
	"github.com/sirupsen/logrus"
)

// MaxPDFPages bounds the pages read from one upload.
const MaxPDFPages = 2000

// PDFParser extracts plain text from a PDF, one document per non-empty page.
type PDFParser struct {
	logger logrus.FieldLogger
}

var _ parser.Parser = (*PDFParser)(nil)

func NewPDFParser(logger logrus.FieldLogger) *PDFParser {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PDFParser{logger: logger}
}

// Parse implements parser.Parser.
func (p *PDFParser) Parse(ctx context.Context, reader io.Reader, opts ...parser.Option) ([]*schema.Document, error) {
	common := parser.GetCommonOptions(nil, opts...)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	pdfReader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	total := pdfReader.NumPage()
	if total == 0 {
		return nil, ErrEmptyDocument
	}
	if total > MaxPDFPages {
		return nil, fmt.Errorf("pdf has too many pages (%d), max allowed is %d", total, MaxPDFPages)
	}

	docs := make([]*schema.Document, 0, total)
	for num := 1; num <= total; num++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := pdfReader.Page(num)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			p.logger.WithFields(logrus.Fields{"page": num, "uri": common.URI}).WithError(err).Warn("skipping unreadable pdf page")
			continue
		}
		text = strings.ReplaceAll(text, "\x00", "")
		if strings.TrimSpace(text) == "" {
			continue
		}
		meta := map[string]any{"page": num}
		for k, v := range common.ExtraMeta {
			meta[k] = v
		}
		docs = append(docs, &schema.Document{Content: text, MetaData: meta})
	}
	return docs, nil
}

// PDFLoader reads PDF files from disk through the eino file loader.
type PDFLoader struct {
	loader *file.FileLoader
}

func NewPDFLoader(ctx context.Context, logger logrus.FieldLogger) (*PDFLoader, error) {
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      NewPDFParser(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("init pdf loader: %w", err)
	}
	return &PDFLoader{loader: loader}, nil
}

// LoadText returns the text of every readable page of the file at path,
// joined by newlines.
func (l *PDFLoader) LoadText(ctx context.Context, path string) (string, error) {
	docs, err := l.loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return "", fmt.Errorf("load pdf: %w", err)
	}
	pages := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc == nil || doc.Content == "" {
			continue
		}
		pages = append(pages, doc.Content)
	}
	text := strings.Join(pages, "\n")
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyDocument
	}
	return text, nil
}
