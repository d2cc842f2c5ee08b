package models

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicLLM implements Model using Anthropic's Messages API.
type AnthropicLLM struct {
	Client     *anthropic.Client
	Model      string
	MaxTokens  int
	Generation GenerationConfig
}

func NewAnthropicLLM(apiKey, model string, gen GenerationConfig) *AnthropicLLM {
	cl := anthropic.NewClient(
		anthropicopt.WithAPIKey(apiKey),
	)
	if model == "" {
		model = DefaultModel("anthropic")
	}
	maxTokens := 1024
	if gen.MaxOutputTokens > 0 {
		maxTokens = int(gen.MaxOutputTokens)
	}
	return &AnthropicLLM{
		Client:     &cl,
		Model:      model,
		MaxTokens:  maxTokens,
		Generation: gen,
	}
}

func (a *AnthropicLLM) Upload(_ context.Context, name, mimeType string, r io.Reader) (Handle, error) {
	return inlineUpload(name, mimeType, r)
}

// Send replays the whole conversation and returns the concatenated text.
func (a *AnthropicLLM) Send(ctx context.Context, turns []Turn) (string, error) {
	if err := validateTurns(turns); err != nil {
		return "", err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.Model),
		MaxTokens: int64(a.MaxTokens),
		Messages:  toAnthropicMessages(turns),
	}
	if s := strings.TrimSpace(a.Generation.SystemInstruction); s != "" {
		params.System = []anthropic.TextBlockParam{{Text: s}}
	}
	if a.Generation.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(a.Generation.Temperature))
	}

	msg, err := a.Client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	var b strings.Builder
	for _, cb := range msg.Content {
		if tb, ok := cb.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("anthropic: response has no text")
	}
	return b.String(), nil
}

func toAnthropicMessages(turns []Turn) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(t.Parts))
		for _, p := range t.Parts {
			if !p.IsFile() {
				blocks = append(blocks, anthropic.NewTextBlock(p.Text))
				continue
			}
			if !strings.HasPrefix(p.File.MIMEType, "image/") {
				warnDropped("anthropic", p.File, "unsupported media type")
				continue
			}
			data, mt, err := decodeDataURI(p.File.URI)
			if err != nil {
				warnDropped("anthropic", p.File, err.Error())
				continue
			}
			blocks = append(blocks, anthropic.NewImageBlockBase64(mt, base64.StdEncoding.EncodeToString(data)))
		}
		if t.Role == RoleModel {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

var _ Model = (*AnthropicLLM)(nil)
