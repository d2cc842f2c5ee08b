package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
)

type OpenAILLM struct {
	Client     *openai.Client
	Model      string
	Generation GenerationConfig
}

func NewOpenAILLM(apiKey, model string, gen GenerationConfig) *OpenAILLM {
	if model == "" {
		model = DefaultModel("openai")
	}
	return &OpenAILLM{Client: openai.NewClient(apiKey), Model: model, Generation: gen}
}

// Upload keeps the bytes locally; OpenAI chat takes media inline.
func (o *OpenAILLM) Upload(_ context.Context, name, mimeType string, r io.Reader) (Handle, error) {
	return inlineUpload(name, getOpenAIMimeType(mimeType), r)
}

func (o *OpenAILLM) Send(ctx context.Context, turns []Turn) (string, error) {
	if err := validateTurns(turns); err != nil {
		return "", err
	}
	req := openai.ChatCompletionRequest{
		Model:       o.Model,
		Messages:    toOpenAIMessages(o.Generation.SystemInstruction, turns),
		Temperature: o.Generation.Temperature,
		TopP:        o.Generation.TopP,
		MaxTokens:   int(o.Generation.MaxOutputTokens),
	}
	resp, err := o.Client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no response from OpenAI")
	}
	return resp.Choices[0].Message.Content, nil
}

// getOpenAIMimeType normalizes the media type stored on inline handles.
func getOpenAIMimeType(mt string) string {
	if mt = NormalizeMIME("", mt); mt == "" {
		return "application/octet-stream"
	}
	return mt
}

func toOpenAIMessages(system string, turns []Turn) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if s := strings.TrimSpace(system); s != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s})
	}
	for _, t := range turns {
		role := openai.ChatMessageRoleUser
		if t.Role == RoleModel {
			role = openai.ChatMessageRoleAssistant
		}

		var media []openai.ChatMessagePart
		for _, p := range t.Parts {
			if !p.IsFile() {
				continue
			}
			// Only images are accepted as image_url parts.
			if !strings.HasPrefix(p.File.MIMEType, "image/") {
				warnDropped("openai", p.File, "unsupported media type")
				continue
			}
			media = append(media, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    p.File.URI,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}

		text := turnText(t)
		if len(media) == 0 {
			msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: text})
			continue
		}
		parts := append(media, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: text})
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, MultiContent: parts})
	}
	return msgs
}

var _ Model = (*OpenAILLM)(nil)
