package attachment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Protocol-Lattice/chatproxy/pkg/models"
)

// PageSeparator joins the text of consecutive document pages.
const PageSeparator = "\n"

// Converted is a staged attachment turned into conversation content.
// Text is set for documents, File for everything uploaded.
type Converted struct {
	URL  string
	Name string
	Kind Kind
	MIME string
	Text string
	File *models.Handle
}

// Converter classifies staged attachments and converts them by inline text
// extraction or binary upload.
type Converter struct {
	Extractors []Extractor
	Uploader   models.Uploader
	Logger     *slog.Logger
}

// NewConverter returns a Converter with the PDF and text extractors.
func NewConverter(up models.Uploader) *Converter {
	return &Converter{Extractors: defaultExtractors(), Uploader: up}
}

// Convert classifies st and produces its conversation-ready form.
func (c *Converter) Convert(ctx context.Context, st *Staged) (Converted, error) {
	head, err := st.Head(SniffLen)
	if err != nil {
		return Converted{}, fmt.Errorf("read staged %s: %w", st.Name, err)
	}
	kind, mt := Classify(st.ContentType, head)
	out := Converted{URL: st.URL, Name: displayName(st), Kind: kind, MIME: mt}
	c.logger().Debug("attachment classified", "url", st.URL, "declared", st.ContentType, "kind", kind.String(), "mime", mt)

	if kind == Document {
		text, err := c.extract(st, out.Name, mt)
		if err != nil {
			return Converted{}, &ConversionError{Kind: ExtractionFailed, Name: out.Name, MIME: mt, Err: err}
		}
		out.Text = text
		return out, nil
	}

	h, err := c.upload(ctx, st, out.Name, mt)
	if err != nil {
		return Converted{}, &ConversionError{Kind: UploadFailed, Name: out.Name, MIME: mt, Err: err}
	}
	out.File = &h
	return out, nil
}

func (c *Converter) extract(st *Staged, name, mt string) (string, error) {
	var extractor Extractor
	for _, ex := range c.extractors() {
		if ex.Supports(mt) {
			extractor = ex
			break
		}
	}
	if extractor == nil {
		return "", errors.New("no extractor for MIME: " + mt)
	}

	f, err := st.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()

	blocks, err := extractor.Extract(&Source{Name: name, MIME: mt, SizeBytes: st.Size, Reader: f})
	if err != nil {
		return "", err
	}
	text := strings.Join(blocks, PageSeparator)
	if strings.TrimSpace(text) == "" {
		return "", errors.New("document has no text")
	}
	return text, nil
}

func (c *Converter) upload(ctx context.Context, st *Staged, name, mt string) (models.Handle, error) {
	if c.Uploader == nil {
		return models.Handle{}, errors.New("no uploader configured")
	}
	f, err := st.Open()
	if err != nil {
		return models.Handle{}, err
	}
	defer f.Close()
	return c.Uploader.Upload(ctx, name, mt, f)
}

func (c *Converter) extractors() []Extractor {
	if len(c.Extractors) > 0 {
		return c.Extractors
	}
	return defaultExtractors()
}

func (c *Converter) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func displayName(st *Staged) string {
	if st.Name != "" {
		return st.Name
	}
	return "attachment"
}
