package attachment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/Protocol-Lattice/chatproxy/pkg/models"
)

// minimalPDF builds a one-page PDF per page text with a correct xref table.
func minimalPDF(pages ...string) []byte {
	var objs []string
	objs = append(objs, "<< /Type /Catalog /Pages 2 0 R >>")

	kids := ""
	for i := range pages {
		kids += fmt.Sprintf("%d 0 R ", 4+i*2)
	}
	objs = append(objs, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, len(pages)))
	objs = append(objs, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")

	for i, text := range pages {
		content := fmt.Sprintf("BT /F1 24 Tf 72 700 Td (%s) Tj ET", text)
		objs = append(objs,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents %d 0 R /Resources << /Font << /F1 3 0 R >> >> >>", 5+i*2),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, 0, len(objs))
	for i, o := range objs {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objs)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R', 0, 0, 0, 1, 0, 0, 0, 1, 8, 6, 0, 0, 0}

type recordingUploader struct {
	mu      sync.Mutex
	err     error
	uploads []recordedUpload
}

type recordedUpload struct {
	Name string
	MIME string
	Data []byte
}

func (u *recordingUploader) Upload(_ context.Context, name, mimeType string, r io.Reader) (models.Handle, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return models.Handle{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return models.Handle{}, u.err
	}
	u.uploads = append(u.uploads, recordedUpload{Name: name, MIME: mimeType, Data: data})
	return models.Handle{URI: fmt.Sprintf("test://files/%d", len(u.uploads)), MIMEType: mimeType, Name: name}, nil
}
