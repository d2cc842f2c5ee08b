package attachment

import (
	"github.com/gabriel-vasile/mimetype"

	"github.com/Protocol-Lattice/chatproxy/pkg/models"
)

// Kind is the conversion strategy chosen for an attachment.
type Kind int

const (
	Unknown  Kind = iota // opaque binary, uploaded as-is
	Document             // text is extracted and merged into the prompt
	Media                // image/video/audio, uploaded
)

func (k Kind) String() string {
	switch k {
	case Document:
		return "document"
	case Media:
		return "media"
	default:
		return "unknown"
	}
}

// SniffLen is how many leading bytes Classify looks at.
const SniffLen = 3072

// Classify decides how an attachment is converted from its declared content
// type and its leading bytes. It returns the kind and the MIME type the
// converter should use. It does no I/O.
func Classify(declared string, head []byte) (Kind, string) {
	mt := models.NormalizeMIME("", declared)
	if mt == "" || isOpaqueMIME(mt) {
		if len(head) == 0 {
			return Unknown, "application/octet-stream"
		}
		sniffed := sniff(head)
		return kindOf(sniffed), sniffed
	}

	k := kindOf(mt)
	if k == Document && len(head) > 0 {
		sniffed := sniff(head)
		sk := kindOf(sniffed)
		switch {
		case mt == "application/pdf" && sniffed != "application/pdf":
			// Declared PDF without a PDF signature.
			return sk, sniffed
		case sk == Media:
			return sk, sniffed
		}
	}
	return k, mt
}

func kindOf(mt string) Kind {
	switch {
	case mt == "application/pdf", models.IsTextMIME(mt):
		return Document
	case models.IsMediaMIME(mt):
		return Media
	default:
		return Unknown
	}
}

func isOpaqueMIME(mt string) bool {
	switch mt {
	case "application/octet-stream", "binary/octet-stream", "application/unknown":
		return true
	}
	return false
}

func sniff(head []byte) string {
	if len(head) > SniffLen {
		head = head[:SniffLen]
	}
	return models.NormalizeMIME("", mimetype.Detect(head).String())
}
