package models

import (
	"context"
	"io"
)

// Role identifies who contributed a Turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleModel
}

// Handle references content uploaded to a model provider.
// URI is opaque to everything except the provider that issued it.
type Handle struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType"`
	Name     string `json:"name,omitempty"`
}

// Part is a single content unit of a Turn. Exactly one of Text or File is set.
type Part struct {
	Text string  `json:"text,omitempty"`
	File *Handle `json:"file,omitempty"`
}

// Text returns a text Part.
func Text(s string) Part { return Part{Text: s} }

// FilePart returns a Part referencing an uploaded handle.
func FilePart(h Handle) Part { return Part{File: &h} }

// IsFile reports whether the part references uploaded content.
func (p Part) IsFile() bool { return p.File != nil }

// Turn is one role-tagged contribution to a conversation.
type Turn struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Clone returns a deep copy so callers cannot mutate stored history.
func (t Turn) Clone() Turn {
	parts := make([]Part, len(t.Parts))
	for i, p := range t.Parts {
		if p.File != nil {
			h := *p.File
			p.File = &h
		}
		parts[i] = p
	}
	return Turn{Role: t.Role, Parts: parts}
}

// Uploader hands binary attachments to the provider and returns a handle
// usable in later turns.
type Uploader interface {
	Upload(ctx context.Context, name, mimeType string, r io.Reader) (Handle, error)
}

// Model is the generative-model capability the proxy talks to.
type Model interface {
	Uploader
	// Send dispatches the ordered conversation and returns the reply text
	// for its latest state. The last turn is the one being answered.
	Send(ctx context.Context, turns []Turn) (string, error)
}
