package attachment

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// Source is a staged attachment handed to an Extractor.
type Source struct {
	Name      string
	MIME      string
	SizeBytes int64
	Reader    io.ReadSeeker // rewindable
}

// Extractor turns a document into UTF-8 text blocks (pages, sections, ...).
type Extractor interface {
	Supports(mime string) bool
	Extract(doc *Source) ([]string, error)
}

func defaultExtractors() []Extractor {
	// PDF first, then text (so PDFs don't fall through)
	return []Extractor{PDFExtractor{}, TextExtractor{}}
}

// PDFExtractor implements Extractor for application/pdf.
type PDFExtractor struct{}

func (PDFExtractor) Supports(m string) bool {
	return strings.EqualFold(m, "application/pdf")
}

// Extract returns one block per page that has text. Pages that fail to
// render are skipped; a document with no text at all is an error.
func (PDFExtractor) Extract(doc *Source) (pages []string, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("pdf: malformed document: %v", r)
		}
	}()

	var ra io.ReaderAt
	if r, ok := doc.Reader.(io.ReaderAt); ok {
		ra = r
	} else {
		if _, err := doc.Reader.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		buf, err := io.ReadAll(doc.Reader)
		if err != nil {
			return nil, err
		}
		ra = bytes.NewReader(buf)
		doc.SizeBytes = int64(len(buf))
	}

	rdr, err := pdf.NewReader(ra, doc.SizeBytes)
	if err != nil {
		return nil, fmt.Errorf("pdf: %w", err)
	}

	n := rdr.NumPage()
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		pg := rdr.Page(i)
		if pg.V.IsNull() {
			continue
		}
		txt, err := pg.GetPlainText(nil)
		if err != nil {
			continue
		}
		if s := strings.TrimSpace(txt); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("pdf: no extractable text")
	}
	return out, nil
}

// TextExtractor handles text/* and structured text formats.
type TextExtractor struct{}

func (TextExtractor) Supports(m string) bool {
	return strings.HasPrefix(m, "text/") ||
		m == "application/json" ||
		m == "application/xml" ||
		m == "application/yaml" ||
		m == "application/x-yaml"
}

func (TextExtractor) Extract(doc *Source) ([]string, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, doc.Reader); err != nil {
		return nil, err
	}
	if !utf8.Valid(buf.Bytes()) {
		return nil, errors.New("text: not valid UTF-8")
	}
	s := strings.ReplaceAll(buf.String(), "\r\n", "\n")
	if strings.TrimSpace(s) == "" {
		return nil, errors.New("text: empty document")
	}
	return []string{s}, nil
}
