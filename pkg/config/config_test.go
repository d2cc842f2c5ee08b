package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/chatproxy/pkg/conversation"
)

var envKeys = []string{
	"HOST", "PORT", "GEMINI_API_KEY", "GOOGLE_API_KEY", "OPENAI_API_KEY",
	"ANTHROPIC_API_KEY", "CLAUDE_API_KEY", "OLLAMA_HOST",
	"CHATPROXY_PROVIDER", "CHATPROXY_MODEL", "CHATPROXY_GENERATION_CONFIG",
	"CHATPROXY_FETCH_TIMEOUT", "CHATPROXY_MAX_ATTACHMENT_BYTES", "CHATPROXY_CONCURRENCY",
	"CHATPROXY_ATTACHMENT_POLICY", "CHATPROXY_DISPATCH_TIMEOUT", "CHATPROXY_DISPATCH_ATTEMPTS",
	"CHATPROXY_DISPATCH_BACKOFF", "CHATPROXY_MAX_SESSIONS", "CHATPROXY_SESSION_TTL",
	"CHATPROXY_REPLY_CACHE_SIZE", "CHATPROXY_REPLY_CACHE_TTL", "CHATPROXY_READ_TIMEOUT",
	"CHATPROXY_WRITE_TIMEOUT", "CHATPROXY_SHUTDOWN_TIMEOUT", "CHATPROXY_LOG_FORMAT",
	"CHATPROXY_LOG_LEVEL",
}

// cleanEnv unsets every variable Load reads; t.Setenv restores them afterwards.
func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func noEnvFile(t *testing.T) string {
	return "--env-file=" + filepath.Join(t.TempDir(), "absent.env")
}

func TestLoadDefaults(t *testing.T) {
	cleanEnv(t)
	t.Setenv("GEMINI_API_KEY", "secret")

	opts, err := Load([]string{noEnvFile(t)})
	require.NoError(t, err)

	assert.Equal(t, 5000, opts.Port)
	assert.Equal(t, "0.0.0.0:5000", opts.Addr())
	assert.Equal(t, "gemini", opts.Provider)
	assert.Equal(t, "gemini-2.0-flash", opts.Model)
	assert.Equal(t, "secret", opts.APIKey)
	assert.Equal(t, 30*time.Second, opts.FetchTimeout)
	assert.Equal(t, 120*time.Second, opts.DispatchTimeout)
	assert.EqualValues(t, 5<<20, opts.MaxAttachmentBytes)
	assert.Equal(t, 4, opts.Concurrency)
	assert.Equal(t, 1, opts.DispatchAttempts)
	assert.Equal(t, 0, opts.MaxSessions)
	assert.Equal(t, time.Duration(0), opts.SessionTTL)
	assert.Equal(t, conversation.SkipOnFailure, opts.Policy())

	assert.Equal(t, float32(1), opts.Generation.Temperature)
	assert.Equal(t, int32(8192), opts.Generation.MaxOutputTokens)
	assert.Equal(t, "text/plain", opts.Generation.ResponseMIMEType)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	cleanEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("CHATPROXY_ATTACHMENT_POLICY", "abort")

	opts, err := Load([]string{noEnvFile(t), "--provider", "dummy", "--port", "9090", "--max-sessions=100", "--session-ttl=30m"})
	require.NoError(t, err)
	assert.Equal(t, 9090, opts.Port)
	assert.Equal(t, "dummy", opts.Provider)
	assert.Equal(t, conversation.AbortOnFailure, opts.Policy())
	assert.Equal(t, 100, opts.MaxSessions)
	assert.Equal(t, 30*time.Minute, opts.SessionTTL)
}

func TestLoadGoogleAPIKeyFallback(t *testing.T) {
	cleanEnv(t)
	t.Setenv("GOOGLE_API_KEY", "google-key")

	opts, err := Load([]string{noEnvFile(t)})
	require.NoError(t, err)
	assert.Equal(t, "google-key", opts.APIKey)
}

func TestLoadProviderSpecificKey(t *testing.T) {
	cleanEnv(t)
	t.Setenv("OPENAI_API_KEY", "openai-key")

	opts, err := Load([]string{noEnvFile(t), "--provider=openai", "--model=gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "openai-key", opts.APIKey)
	assert.Equal(t, "openai", opts.ProviderOptions().Provider)
	assert.Equal(t, "gpt-4o-mini", opts.ProviderOptions().Model)
}

func TestLoadModelDefaultsPerProvider(t *testing.T) {
	cleanEnv(t)
	t.Setenv("OPENAI_API_KEY", "k")
	t.Setenv("ANTHROPIC_API_KEY", "k")

	tests := map[string]string{
		"openai":    "gpt-4o-mini",
		"anthropic": "claude-3-5-sonnet-latest",
		"ollama":    "llama3.2",
	}
	for provider, want := range tests {
		opts, err := Load([]string{noEnvFile(t), "--provider=" + provider})
		require.NoError(t, err, provider)
		assert.Equal(t, want, opts.Model, provider)
	}

	opts, err := Load([]string{noEnvFile(t), "--provider=openai", "--model=gpt-4.1"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1", opts.Model)
}

func TestLoadMissingKey(t *testing.T) {
	cleanEnv(t)
	_, err := Load([]string{noEnvFile(t)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestLoadDotEnvFile(t *testing.T) {
	cleanEnv(t)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("GEMINI_API_KEY=from-dotenv\nPORT=7000\n"), 0o600))

	opts, err := Load([]string{"--env-file", path})
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", opts.APIKey)
	assert.Equal(t, 7000, opts.Port)
}

func TestLoadRejectsBadChoice(t *testing.T) {
	cleanEnv(t)
	_, err := Load([]string{noEnvFile(t), "--provider=dummy", "--attachment-policy=ignore"})
	assert.Error(t, err)
}

func TestLoadGenerationFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generation.yaml")
	require.NoError(t, os.WriteFile(path, []byte("temperature: 0.2\nsystem_instruction: Answer briefly.\n"), 0o600))

	gen, err := LoadGeneration(path)
	require.NoError(t, err)
	assert.Equal(t, float32(0.2), gen.Temperature)
	assert.Equal(t, "Answer briefly.", gen.SystemInstruction)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, float32(0.95), gen.TopP)
	assert.Equal(t, int32(40), gen.TopK)

	_, err = LoadGeneration(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cleanEnv(t)
	base, err := Load([]string{noEnvFile(t), "--provider=dummy"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(o *Options)
	}{
		{"port", func(o *Options) { o.Port = 70000 }},
		{"concurrency", func(o *Options) { o.Concurrency = 0 }},
		{"attempts", func(o *Options) { o.DispatchAttempts = 0 }},
		{"max bytes", func(o *Options) { o.MaxAttachmentBytes = 0 }},
		{"negative sessions", func(o *Options) { o.MaxSessions = -1 }},
		{"log level", func(o *Options) { o.LogLevel = "chatty" }},
		{"temperature", func(o *Options) { o.Generation.Temperature = 3 }},
		{"top_p", func(o *Options) { o.Generation.TopP = 1.5 }},
		{"unknown provider", func(o *Options) { o.Provider = "mystery" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := *base
			tt.mutate(&o)
			assert.Error(t, o.Validate())
		})
	}
	assert.NoError(t, base.Validate())
}
