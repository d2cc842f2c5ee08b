package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// ---------------------------- Google Gemini ----------------------------------

// fileStatePollInterval is how often an uploaded file is re-read while the
// Files API is still processing it.
var fileStatePollInterval = 2 * time.Second

type GeminiLLM struct {
	Client     *genai.Client
	Model      string
	Generation GenerationConfig
}

func NewGeminiLLM(ctx context.Context, apiKey, model string, gen GenerationConfig) (*GeminiLLM, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing GEMINI_API_KEY or GOOGLE_API_KEY")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini init: %w", err)
	}
	if model == "" {
		model = DefaultModel("gemini")
	}
	return &GeminiLLM{Client: client, Model: model, Generation: gen}, nil
}

// Close releases the underlying gRPC connection.
func (g *GeminiLLM) Close() error {
	return g.Client.Close()
}

// Upload stores the attachment with the Files API and waits until it can be
// referenced from a conversation.
func (g *GeminiLLM) Upload(ctx context.Context, name, mimeType string, r io.Reader) (Handle, error) {
	f, err := g.Client.UploadFile(ctx, "", r, &genai.UploadFileOptions{
		DisplayName: name,
		MIMEType:    mimeType,
	})
	if err != nil {
		return Handle{}, fmt.Errorf("gemini upload: %w", err)
	}

	for f.State == genai.FileStateProcessing {
		select {
		case <-ctx.Done():
			return Handle{}, fmt.Errorf("gemini upload %s: %w", f.Name, ctx.Err())
		case <-time.After(fileStatePollInterval):
		}
		if f, err = g.Client.GetFile(ctx, f.Name); err != nil {
			return Handle{}, fmt.Errorf("gemini file state: %w", err)
		}
	}
	if f.State == genai.FileStateFailed {
		return Handle{}, fmt.Errorf("gemini upload %s: processing failed", f.Name)
	}

	return Handle{URI: f.URI, MIMEType: f.MIMEType, Name: name}, nil
}

// Send replays turns[:n-1] as chat history and sends the last turn.
func (g *GeminiLLM) Send(ctx context.Context, turns []Turn) (string, error) {
	if err := validateTurns(turns); err != nil {
		return "", err
	}
	contents, err := toGeminiContents(turns)
	if err != nil {
		return "", err
	}

	model := g.Client.GenerativeModel(g.Model)
	applyGeminiConfig(model, g.Generation)

	cs := model.StartChat()
	cs.History = contents[:len(contents)-1]

	resp, err := cs.SendMessage(ctx, contents[len(contents)-1].Parts...)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return geminiText(resp)
}

func applyGeminiConfig(model *genai.GenerativeModel, gen GenerationConfig) {
	if gen.Temperature > 0 {
		model.SetTemperature(gen.Temperature)
	}
	if gen.TopP > 0 {
		model.SetTopP(gen.TopP)
	}
	if gen.TopK > 0 {
		model.SetTopK(gen.TopK)
	}
	if gen.MaxOutputTokens > 0 {
		model.SetMaxOutputTokens(gen.MaxOutputTokens)
	}
	if gen.ResponseMIMEType != "" {
		model.ResponseMIMEType = gen.ResponseMIMEType
	}
	if s := strings.TrimSpace(gen.SystemInstruction); s != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(s))
	}
}

func toGeminiContents(turns []Turn) ([]*genai.Content, error) {
	out := make([]*genai.Content, 0, len(turns))
	for i, t := range turns {
		c := &genai.Content{Role: string(t.Role), Parts: make([]genai.Part, 0, len(t.Parts))}
		for _, p := range t.Parts {
			if !p.IsFile() {
				c.Parts = append(c.Parts, genai.Text(p.Text))
				continue
			}
			// Handles issued by inlineUpload carry their bytes.
			if data, mt, err := decodeDataURI(p.File.URI); err == nil {
				c.Parts = append(c.Parts, genai.Blob{MIMEType: mt, Data: data})
				continue
			} else if !errors.Is(err, errNotDataURI) {
				return nil, fmt.Errorf("turn %d: %w", i, err)
			}
			c.Parts = append(c.Parts, genai.FileData{MIMEType: p.File.MIMEType, URI: p.File.URI})
		}
		out = append(out, c)
	}
	return out, nil
}

func geminiText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini: empty response")
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	if b.Len() == 0 {
		return "", errors.New("gemini: response has no text")
	}
	return b.String(), nil
}

var _ Model = (*GeminiLLM)(nil)
