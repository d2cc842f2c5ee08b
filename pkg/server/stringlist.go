package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// StringList decodes from either a JSON string or an array of strings.
// Blank entries are dropped.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*l = nil
		return nil
	}

	var items []string
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		items = []string{s}
	} else if err := json.Unmarshal(b, &items); err != nil {
		return fmt.Errorf("expected a string or a list of strings: %w", err)
	}

	out := items[:0]
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = nil
	}
	*l = out
	return nil
}
