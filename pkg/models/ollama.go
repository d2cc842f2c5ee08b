package models

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"
)

// ---------------------------- Ollama -----------------------------------------

type OllamaLLM struct {
	Client     *ollama.Client
	Model      string
	Generation GenerationConfig
}

func NewOllamaLLM(host, model string, gen GenerationConfig) (*OllamaLLM, error) {
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}

	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid OLLAMA_HOST %q: %w", host, err)
	}

	httpClient := &http.Client{
		Timeout: 120 * time.Second,
	}

	if model == "" {
		model = DefaultModel("ollama")
	}
	c := ollama.NewClient(u, httpClient)
	return &OllamaLLM{Client: c, Model: model, Generation: gen}, nil
}

func (o *OllamaLLM) Upload(_ context.Context, name, mimeType string, r io.Reader) (Handle, error) {
	return inlineUpload(name, mimeType, r)
}

func (o *OllamaLLM) Send(ctx context.Context, turns []Turn) (string, error) {
	if err := validateTurns(turns); err != nil {
		return "", err
	}

	stream := false
	req := &ollama.ChatRequest{
		Model:    o.Model,
		Messages: toOllamaMessages(o.Generation.SystemInstruction, turns),
		Stream:   &stream,
		Options:  ollamaOptions(o.Generation),
	}

	var text strings.Builder
	if err := o.Client.Chat(ctx, req, func(cr ollama.ChatResponse) error {
		text.WriteString(cr.Message.Content)
		return nil
	}); err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	return text.String(), nil
}

func ollamaOptions(gen GenerationConfig) map[string]any {
	opts := map[string]any{}
	if gen.Temperature > 0 {
		opts["temperature"] = gen.Temperature
	}
	if gen.TopP > 0 {
		opts["top_p"] = gen.TopP
	}
	if gen.TopK > 0 {
		opts["top_k"] = gen.TopK
	}
	if gen.MaxOutputTokens > 0 {
		opts["num_predict"] = gen.MaxOutputTokens
	}
	return opts
}

func toOllamaMessages(system string, turns []Turn) []ollama.Message {
	msgs := make([]ollama.Message, 0, len(turns)+1)
	if s := strings.TrimSpace(system); s != "" {
		msgs = append(msgs, ollama.Message{Role: "system", Content: s})
	}
	for _, t := range turns {
		role := "user"
		if t.Role == RoleModel {
			role = "assistant"
		}
		msg := ollama.Message{Role: role, Content: turnText(t)}
		for _, p := range t.Parts {
			if !p.IsFile() {
				continue
			}
			if !strings.HasPrefix(p.File.MIMEType, "image/") {
				warnDropped("ollama", p.File, "unsupported media type")
				continue
			}
			data, _, err := decodeDataURI(p.File.URI)
			if err != nil {
				warnDropped("ollama", p.File, err.Error())
				continue
			}
			msg.Images = append(msg.Images, ollama.ImageData(data))
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

var _ Model = (*OllamaLLM)(nil)
