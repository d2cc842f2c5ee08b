package models

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"sync"
)

// GenerationConfig carries sampling parameters shared by every provider.
// Zero values leave the provider default in place.
type GenerationConfig struct {
	Temperature       float32 `yaml:"temperature"`
	TopP              float32 `yaml:"top_p"`
	TopK              int32   `yaml:"top_k"`
	MaxOutputTokens   int32   `yaml:"max_output_tokens"`
	ResponseMIMEType  string  `yaml:"response_mime_type"`
	SystemInstruction string  `yaml:"system_instruction"`
}

// DefaultGenerationConfig mirrors the parameters the service has always used.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Temperature:      1,
		TopP:             0.95,
		TopK:             40,
		MaxOutputTokens:  8192,
		ResponseMIMEType: "text/plain",
	}
}

// ProviderOptions selects and configures a Model implementation.
type ProviderOptions struct {
	Provider   string
	Model      string
	APIKey     string
	Host       string // ollama only
	Generation GenerationConfig
}

var defaultModels = map[string]string{
	"gemini":    "gemini-2.0-flash",
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-3-5-sonnet-latest",
	"ollama":    "llama3.2",
}

// DefaultModel is the model used for provider when none is configured.
func DefaultModel(provider string) string {
	switch p := strings.ToLower(strings.TrimSpace(provider)); p {
	case "", "google":
		return defaultModels["gemini"]
	case "claude":
		return defaultModels["anthropic"]
	default:
		return defaultModels[p]
	}
}

// NewLLMProvider returns a concrete Model.
func NewLLMProvider(ctx context.Context, opts ProviderOptions) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "gemini", "google", "":
		return NewGeminiLLM(ctx, opts.APIKey, opts.Model, opts.Generation)
	case "openai":
		return NewOpenAILLM(opts.APIKey, opts.Model, opts.Generation), nil
	case "anthropic", "claude":
		return NewAnthropicLLM(opts.APIKey, opts.Model, opts.Generation), nil
	case "ollama":
		return NewOllamaLLM(opts.Host, opts.Model, opts.Generation)
	case "dummy":
		return NewDummyLLM(""), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", opts.Provider)
	}
}

// MIME type lookup tables for fast access
var (
	mimeExtMap = map[string]string{
		".jpg":  "image/jpeg",
		".jpeg": "image/jpeg",
		".png":  "image/png",
		".gif":  "image/gif",
		".webp": "image/webp",
		".bmp":  "image/bmp",
		".svg":  "image/svg+xml",
		".heic": "image/heic",
		".mp4":  "video/mp4",
		".mov":  "video/quicktime",
		".webm": "video/webm",
		".mkv":  "video/x-matroska",
		".avi":  "video/x-msvideo",
		".mp3":  "audio/mpeg",
		".wav":  "audio/wav",
		".ogg":  "audio/ogg",
		".pdf":  "application/pdf",
		".txt":  "text/plain",
		".log":  "text/plain",
		".csv":  "text/csv",
		".md":   "text/markdown",
		".json": "application/json",
		".yaml": "application/x-yaml",
		".yml":  "application/x-yaml",
		".xml":  "application/xml",
	}

	mimeAliasMap = map[string]string{
		"image/jpg":         "image/jpeg",
		"image/pjpeg":       "image/jpeg",
		"image/x-png":       "image/png",
		"video/mov":         "video/quicktime",
		"application/x-pdf": "application/pdf",
		"text/x-markdown":   "text/markdown",
		"application/yaml":  "application/x-yaml",
		"text/yaml":         "application/x-yaml",
	}

	mimeCache   = make(map[string]string, 100)
	mimeCacheMu sync.RWMutex
)

// NormalizeMIME fixes messy/alias MIME types and falls back to the file
// extension of name when m is empty or malformed. Parameters are stripped.
func NormalizeMIME(name, m string) string {
	cacheKey := name + "|" + m
	mimeCacheMu.RLock()
	if cached, ok := mimeCache[cacheKey]; ok {
		mimeCacheMu.RUnlock()
		return cached
	}
	mimeCacheMu.RUnlock()

	result := normalizeMIME(name, m)

	mimeCacheMu.Lock()
	if len(mimeCache) < 1000 {
		mimeCache[cacheKey] = result
	}
	mimeCacheMu.Unlock()
	return result
}

func normalizeMIME(name, m string) string {
	fromExt := func() string {
		ext := strings.ToLower(filepath.Ext(name))
		if ext == "" {
			return ""
		}
		if mt, ok := mimeExtMap[ext]; ok {
			return mt
		}
		if mt := mime.TypeByExtension(ext); mt != "" {
			return stripParams(mt)
		}
		return ""
	}

	raw := stripParams(strings.ToLower(m))
	if raw == "" {
		return fromExt()
	}
	for strings.HasPrefix(raw, "image/image/") || strings.HasPrefix(raw, "video/video/") {
		raw = raw[strings.IndexByte(raw, '/')+1:]
	}
	if normalized, ok := mimeAliasMap[raw]; ok {
		return normalized
	}
	if !strings.Contains(raw, "/") || strings.HasSuffix(raw, "/") {
		if via := fromExt(); via != "" {
			return via
		}
	}
	return raw
}

func stripParams(s string) string {
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// IsTextMIME reports whether m is a text-like type that can be inlined.
func IsTextMIME(m string) bool {
	m = strings.ToLower(strings.TrimSpace(m))
	if m == "" {
		return false
	}
	if strings.HasPrefix(m, "text/") {
		return true
	}
	switch m {
	case "application/json",
		"application/xml",
		"application/x-yaml",
		"application/yaml":
		return true
	default:
		return false
	}
}

// IsMediaMIME reports whether m is an image, video or audio type.
func IsMediaMIME(m string) bool {
	m = strings.ToLower(strings.TrimSpace(m))
	return strings.HasPrefix(m, "image/") || strings.HasPrefix(m, "video/") || strings.HasPrefix(m, "audio/")
}

// inlineUpload is the Upload implementation for providers without a file
// store: the bytes travel inside a data URI and are decoded at dispatch.
func inlineUpload(name, mimeType string, r io.Reader) (Handle, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return Handle{}, fmt.Errorf("read attachment: %w", err)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return Handle{
		URI:      "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
		MIMEType: mimeType,
		Name:     name,
	}, nil
}

var errNotDataURI = errors.New("handle is not a data URI")

// decodeDataURI returns the payload and media type carried by a data URI
// produced by inlineUpload.
func decodeDataURI(uri string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, "", errNotDataURI
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", errNotDataURI
	}
	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return []byte(payload), mediaType, nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data uri: %w", err)
	}
	return data, mediaType, nil
}

// turnText concatenates the text parts of a turn.
func turnText(t Turn) string {
	var b strings.Builder
	for _, p := range t.Parts {
		if p.IsFile() || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// warnDropped logs a file part the provider cannot take. Only images travel
// inline to providers without a files API.
func warnDropped(provider string, h *Handle, reason string) {
	slog.Warn("attachment dropped from dispatch",
		"provider", provider,
		"name", h.Name,
		"mime", h.MIMEType,
		"reason", reason,
	)
}

func validateTurns(turns []Turn) error {
	if len(turns) == 0 {
		return errors.New("empty conversation")
	}
	if turns[len(turns)-1].Role != RoleUser {
		return errors.New("last turn must come from the user")
	}
	return nil
}
