package models

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/generative-ai-go/genai"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userTurn(parts ...Part) Turn  { return Turn{Role: RoleUser, Parts: parts} }
func modelTurn(parts ...Part) Turn { return Turn{Role: RoleModel, Parts: parts} }

func TestNewDummyLLMDefaultPrefix(t *testing.T) {
	llm := NewDummyLLM("")
	resp, err := llm.Send(context.Background(), []Turn{userTurn(Text("line1\nline2"))})
	require.NoError(t, err)
	assert.Equal(t, "Dummy response: line2", resp)
}

func TestNewDummyLLMUsesLastNonEmptyLine(t *testing.T) {
	llm := NewDummyLLM("Prefix:")
	turns := []Turn{
		userTurn(Text("earlier")),
		modelTurn(Text("ignored")),
		userTurn(Text("first\n\nsecond\n  \nthird")),
	}
	resp, err := llm.Send(context.Background(), turns)
	require.NoError(t, err)
	assert.Equal(t, "Prefix: third", resp)
}

func TestDummyLLMHandlesEmptyPrompt(t *testing.T) {
	llm := NewDummyLLM("Prefix")
	resp, err := llm.Send(context.Background(), []Turn{userTurn(Text("\n\n\n"))})
	require.NoError(t, err)
	assert.Equal(t, "Prefix <empty prompt>", resp)
}

func TestDummyLLMRejectsBadConversation(t *testing.T) {
	llm := NewDummyLLM("")
	_, err := llm.Send(context.Background(), nil)
	assert.Error(t, err)

	_, err = llm.Send(context.Background(), []Turn{userTurn(Text("q")), modelTurn(Text("a"))})
	assert.Error(t, err, "last turn must be the user's")
}

func TestDummyLLMUpload(t *testing.T) {
	llm := NewDummyLLM("")
	h1, err := llm.Upload(context.Background(), "a.png", "image/png", strings.NewReader("12345"))
	require.NoError(t, err)
	h2, err := llm.Upload(context.Background(), "b.png", "image/png", strings.NewReader("1"))
	require.NoError(t, err)

	assert.Equal(t, "dummy://files/1?bytes=5", h1.URI)
	assert.Equal(t, "dummy://files/2?bytes=1", h2.URI)
	assert.Equal(t, "a.png", h1.Name)
	assert.Equal(t, "image/png", h1.MIMEType)
}

func TestNewLLMProvider(t *testing.T) {
	_, err := NewLLMProvider(context.Background(), ProviderOptions{Provider: "unknown"})
	assert.Error(t, err)

	m, err := NewLLMProvider(context.Background(), ProviderOptions{Provider: " Dummy "})
	require.NoError(t, err)
	assert.IsType(t, &DummyLLM{}, m)

	m, err = NewLLMProvider(context.Background(), ProviderOptions{Provider: "openai", APIKey: "k"})
	require.NoError(t, err)
	require.IsType(t, &OpenAILLM{}, m)
	assert.Equal(t, "gpt-4o-mini", m.(*OpenAILLM).Model)

	m, err = NewLLMProvider(context.Background(), ProviderOptions{Provider: "claude", APIKey: "k"})
	require.NoError(t, err)
	require.IsType(t, &AnthropicLLM{}, m)
	assert.Equal(t, "claude-3-5-sonnet-latest", m.(*AnthropicLLM).Model)

	m, err = NewLLMProvider(context.Background(), ProviderOptions{Provider: "ollama", Host: "http://127.0.0.1:1"})
	require.NoError(t, err)
	require.IsType(t, &OllamaLLM{}, m)
	assert.Equal(t, "llama3.2", m.(*OllamaLLM).Model)
}

func TestDefaultModel(t *testing.T) {
	assert.Equal(t, "gemini-2.0-flash", DefaultModel(""))
	assert.Equal(t, "gemini-2.0-flash", DefaultModel("google"))
	assert.Equal(t, "gpt-4o-mini", DefaultModel("OpenAI"))
	assert.Equal(t, "claude-3-5-sonnet-latest", DefaultModel("claude"))
	assert.Equal(t, "llama3.2", DefaultModel("ollama"))
	assert.Empty(t, DefaultModel("dummy"))
}

func TestDefaultGenerationConfig(t *testing.T) {
	gen := DefaultGenerationConfig()
	assert.Equal(t, float32(1), gen.Temperature)
	assert.Equal(t, float32(0.95), gen.TopP)
	assert.Equal(t, int32(40), gen.TopK)
	assert.Equal(t, int32(8192), gen.MaxOutputTokens)
	assert.Equal(t, "text/plain", gen.ResponseMIMEType)
}

func TestNormalizeMIME(t *testing.T) {
	tests := []struct {
		name, file, in, want string
	}{
		{"alias", "", "image/jpg", "image/jpeg"},
		{"params and case", "", "Text/Plain; charset=UTF-8", "text/plain"},
		{"doubled prefix", "", "image/image/png", "image/png"},
		{"pdf alias", "", "application/x-pdf", "application/pdf"},
		{"extension fallback", "report.PDF", "", "application/pdf"},
		{"malformed uses extension", "clip.mp4", "video", "video/mp4"},
		{"unknown passes through", "", "application/zip", "application/zip"},
		{"nothing to go on", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeMIME(tt.file, tt.in))
		})
	}
}

func TestMIMEFamilies(t *testing.T) {
	assert.True(t, IsTextMIME("text/csv"))
	assert.True(t, IsTextMIME("application/json"))
	assert.False(t, IsTextMIME("application/pdf"))
	assert.True(t, IsMediaMIME("audio/mpeg"))
	assert.True(t, IsMediaMIME("Image/PNG"))
	assert.False(t, IsMediaMIME("application/octet-stream"))
}

func TestInlineUploadRoundTrip(t *testing.T) {
	payload := []byte{0, 1, 2, 'x', 0xff}
	h, err := inlineUpload("blob.bin", "", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h.URI, "data:application/octet-stream;base64,"))

	data, mt, err := decodeDataURI(h.URI)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, "application/octet-stream", mt)

	_, _, err = decodeDataURI("https://example.com/x")
	assert.ErrorIs(t, err, errNotDataURI)
}

func TestTurnClone(t *testing.T) {
	orig := userTurn(FilePart(Handle{URI: "files/1"}), Text("hi"))
	cp := orig.Clone()
	cp.Parts[0].File.URI = "changed"
	cp.Parts[1].Text = "changed"
	assert.Equal(t, "files/1", orig.Parts[0].File.URI)
	assert.Equal(t, "hi", orig.Parts[1].Text)
}

func TestToGeminiContents(t *testing.T) {
	inline, err := inlineUpload("cat.png", "image/png", bytes.NewReader([]byte("png")))
	require.NoError(t, err)
	remote := Handle{URI: "https://generativelanguage.googleapis.com/v1beta/files/abc", MIMEType: "application/pdf"}

	contents, err := toGeminiContents([]Turn{
		userTurn(FilePart(remote), FilePart(inline), Text("look")),
		modelTurn(Text("seen")),
	})
	require.NoError(t, err)
	require.Len(t, contents, 2)

	assert.Equal(t, "user", contents[0].Role)
	require.Len(t, contents[0].Parts, 3)
	assert.Equal(t, genai.FileData{MIMEType: "application/pdf", URI: remote.URI}, contents[0].Parts[0])
	assert.Equal(t, genai.Blob{MIMEType: "image/png", Data: []byte("png")}, contents[0].Parts[1])
	assert.Equal(t, genai.Text("look"), contents[0].Parts[2])
	assert.Equal(t, "model", contents[1].Role)

	_, err = toGeminiContents([]Turn{userTurn(FilePart(Handle{URI: "data:image/png;base64,!!!"}))})
	assert.Error(t, err)
}

func TestToOpenAIMessages(t *testing.T) {
	img, err := inlineUpload("cat.png", "image/png", bytes.NewReader([]byte("png")))
	require.NoError(t, err)

	msgs := toOpenAIMessages("be brief", []Turn{
		userTurn(Text("hello")),
		modelTurn(Text("hi")),
		userTurn(FilePart(img), Text("what is it?")),
	})
	require.Len(t, msgs, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, "hello", msgs[1].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[2].Role)

	last := msgs[3]
	assert.Empty(t, last.Content)
	require.Len(t, last.MultiContent, 2)
	assert.Equal(t, openai.ChatMessagePartTypeImageURL, last.MultiContent[0].Type)
	assert.Equal(t, img.URI, last.MultiContent[0].ImageURL.URL)
	assert.Equal(t, "what is it?", last.MultiContent[1].Text)
}

// captureDefaultLog routes slog.Default into a buffer for the test.
func captureDefaultLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestDroppedAttachmentsAreLogged(t *testing.T) {
	logs := captureDefaultLog(t)
	clip, err := inlineUpload("clip.mp4", "video/mp4", bytes.NewReader([]byte("mp4")))
	require.NoError(t, err)
	turns := []Turn{userTurn(FilePart(clip), Text("watch"))}

	msgs := toOpenAIMessages("", turns)
	require.Len(t, msgs, 1)
	assert.Equal(t, "watch", msgs[0].Content)
	assert.Empty(t, msgs[0].MultiContent)

	am := toAnthropicMessages(turns)
	require.Len(t, am, 1)
	assert.Len(t, am[0].Content, 1)

	om := toOllamaMessages("", turns)
	require.Len(t, om, 1)
	assert.Empty(t, om[0].Images)

	out := logs.String()
	assert.Equal(t, 3, strings.Count(out, "attachment dropped from dispatch"), out)
	for _, provider := range []string{"openai", "anthropic", "ollama"} {
		assert.Contains(t, out, "provider="+provider)
	}
	assert.Contains(t, out, "name=clip.mp4")
	assert.Contains(t, out, "mime=video/mp4")
}

func TestToAnthropicMessages(t *testing.T) {
	img, err := inlineUpload("cat.png", "image/png", bytes.NewReader([]byte("png")))
	require.NoError(t, err)

	msgs := toAnthropicMessages([]Turn{
		userTurn(FilePart(img), Text("describe")),
		modelTurn(Text("a cat")),
		userTurn(FilePart(Handle{URI: "data:audio/mpeg;base64,AAAA", MIMEType: "audio/mpeg"}), Text("and this?")),
	})
	require.Len(t, msgs, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[0].Role)
	require.Len(t, msgs[0].Content, 2)
	assert.NotNil(t, msgs[0].Content[0].OfImage)
	assert.NotNil(t, msgs[0].Content[1].OfText)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[1].Role)
	require.Len(t, msgs[2].Content, 1, "non-image files are not sent")
}

func TestToOllamaMessages(t *testing.T) {
	img, err := inlineUpload("cat.png", "image/png", bytes.NewReader([]byte("png")))
	require.NoError(t, err)

	msgs := toOllamaMessages("", []Turn{
		userTurn(FilePart(img), Text("describe")),
		modelTurn(Text("a cat")),
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "describe", msgs[0].Content)
	require.Len(t, msgs[0].Images, 1)
	assert.Equal(t, []byte("png"), []byte(msgs[0].Images[0]))
	assert.Equal(t, "assistant", msgs[1].Role)
}

type countingModel struct {
	sends   atomic.Int32
	uploads atomic.Int32
	fail    bool
}

func (m *countingModel) Upload(_ context.Context, name, mimeType string, r io.Reader) (Handle, error) {
	m.uploads.Add(1)
	return Handle{URI: "mem://" + name, MIMEType: mimeType, Name: name}, nil
}

func (m *countingModel) Send(_ context.Context, turns []Turn) (string, error) {
	m.sends.Add(1)
	if m.fail {
		return "", errors.New("unavailable")
	}
	return "reply to " + turnText(turns[len(turns)-1]), nil
}

func TestCachedLLMSend(t *testing.T) {
	inner := &countingModel{}
	cached := NewCachedLLM(inner, 10, time.Minute)
	ctx := context.Background()
	turns := []Turn{userTurn(Text("hello"))}

	first, err := cached.Send(ctx, turns)
	require.NoError(t, err)
	second, err := cached.Send(ctx, turns)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, inner.sends.Load())

	// A longer history is a different key.
	_, err = cached.Send(ctx, []Turn{userTurn(Text("hello")), modelTurn(Text(first)), userTurn(Text("hello"))})
	require.NoError(t, err)
	assert.EqualValues(t, 2, inner.sends.Load())

	_, err = cached.Upload(ctx, "x.png", "image/png", strings.NewReader("x"))
	require.NoError(t, err)
	_, err = cached.Upload(ctx, "x.png", "image/png", strings.NewReader("x"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, inner.uploads.Load(), "uploads are never cached")
}

func TestCachedLLMDoesNotCacheErrors(t *testing.T) {
	inner := &countingModel{fail: true}
	cached := NewCachedLLM(inner, 10, time.Minute)
	turns := []Turn{userTurn(Text("hello"))}

	_, err := cached.Send(context.Background(), turns)
	require.Error(t, err)
	_, err = cached.Send(context.Background(), turns)
	require.Error(t, err)
	assert.EqualValues(t, 2, inner.sends.Load())
	assert.Equal(t, 0, cached.Cache.Len())
}
