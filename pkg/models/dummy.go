package models

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
)

// DummyLLM is a lightweight model implementation useful for local testing without API calls.
type DummyLLM struct {
	Prefix  string
	uploads atomic.Int64
}

func NewDummyLLM(prefix string) *DummyLLM {
	if strings.TrimSpace(prefix) == "" {
		prefix = "Dummy response:"
	}
	return &DummyLLM{Prefix: prefix}
}

// Upload drains r and returns a fake handle numbered by upload order.
func (d *DummyLLM) Upload(_ context.Context, name, mimeType string, r io.Reader) (Handle, error) {
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return Handle{}, err
	}
	id := d.uploads.Add(1)
	return Handle{
		URI:      fmt.Sprintf("dummy://files/%d?bytes=%d", id, n),
		MIMEType: mimeType,
		Name:     name,
	}, nil
}

// Send answers with the last non-empty line of the latest user turn.
func (d *DummyLLM) Send(_ context.Context, turns []Turn) (string, error) {
	if err := validateTurns(turns); err != nil {
		return "", err
	}
	lines := strings.Split(turnText(turns[len(turns)-1]), "\n")
	var last string
	for i := len(lines) - 1; i >= 0; i-- {
		candidate := strings.TrimSpace(lines[i])
		if candidate != "" {
			last = candidate
			break
		}
	}
	if last == "" {
		last = "<empty prompt>"
	}
	return fmt.Sprintf("%s %s", d.Prefix, last), nil
}

var _ Model = (*DummyLLM)(nil)
