package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Protocol-Lattice/chatproxy/pkg/conversation"
	"github.com/Protocol-Lattice/chatproxy/pkg/logging"
	"github.com/Protocol-Lattice/chatproxy/pkg/models"
)

// Options is the full service configuration. The struct tags are interpreted
// by github.com/jessevdk/go-flags; every option can also come from the
// environment or a .env file.
type Options struct {
	EnvFile string `long:"env-file" default:".env" description:"dotenv file loaded before parsing; missing is fine"`

	Host string `long:"host" env:"HOST" default:"0.0.0.0" description:"listen address"`
	Port int    `long:"port" env:"PORT" default:"5000" description:"listen port"`

	Provider       string `long:"provider" env:"CHATPROXY_PROVIDER" default:"gemini" choice:"gemini" choice:"openai" choice:"anthropic" choice:"ollama" choice:"dummy" description:"generative model provider"`
	Model          string `long:"model" env:"CHATPROXY_MODEL" description:"model name (default depends on provider)"`
	APIKey         string `long:"api-key" env:"GEMINI_API_KEY" description:"provider API key (GOOGLE_API_KEY, OPENAI_API_KEY, ANTHROPIC_API_KEY are also read)"`
	OllamaHost     string `long:"ollama-host" env:"OLLAMA_HOST" description:"ollama server address"`
	GenerationFile string `long:"generation-config" env:"CHATPROXY_GENERATION_CONFIG" description:"YAML file overriding generation parameters"`

	FetchTimeout       time.Duration `long:"fetch-timeout" env:"CHATPROXY_FETCH_TIMEOUT" default:"30s" description:"per-attachment download timeout"`
	MaxAttachmentBytes int64         `long:"max-attachment-bytes" env:"CHATPROXY_MAX_ATTACHMENT_BYTES" default:"5242880" description:"largest attachment accepted"`
	Concurrency        int           `long:"concurrency" env:"CHATPROXY_CONCURRENCY" default:"4" description:"attachments fetched in parallel per request"`
	AttachmentPolicy   string        `long:"attachment-policy" env:"CHATPROXY_ATTACHMENT_POLICY" default:"skip" choice:"skip" choice:"abort" description:"what a failed attachment does to the request"`

	DispatchTimeout  time.Duration `long:"dispatch-timeout" env:"CHATPROXY_DISPATCH_TIMEOUT" default:"120s" description:"model call timeout"`
	DispatchAttempts int           `long:"dispatch-attempts" env:"CHATPROXY_DISPATCH_ATTEMPTS" default:"1" description:"model call attempts"`
	DispatchBackoff  time.Duration `long:"dispatch-backoff" env:"CHATPROXY_DISPATCH_BACKOFF" default:"1s" description:"linear backoff step between attempts"`

	MaxSessions int           `long:"max-sessions" env:"CHATPROXY_MAX_SESSIONS" default:"0" description:"sessions kept before LRU eviction; 0 is unbounded"`
	SessionTTL  time.Duration `long:"session-ttl" env:"CHATPROXY_SESSION_TTL" default:"0s" description:"idle time before a session expires; 0 never expires"`

	ReplyCacheSize int           `long:"reply-cache-size" env:"CHATPROXY_REPLY_CACHE_SIZE" default:"0" description:"cached model replies; 0 disables the cache"`
	ReplyCacheTTL  time.Duration `long:"reply-cache-ttl" env:"CHATPROXY_REPLY_CACHE_TTL" default:"10m" description:"cached reply lifetime"`

	ReadTimeout     time.Duration `long:"read-timeout" env:"CHATPROXY_READ_TIMEOUT" default:"30s" description:"HTTP read timeout"`
	WriteTimeout    time.Duration `long:"write-timeout" env:"CHATPROXY_WRITE_TIMEOUT" default:"5m" description:"HTTP write timeout"`
	ShutdownTimeout time.Duration `long:"shutdown-timeout" env:"CHATPROXY_SHUTDOWN_TIMEOUT" default:"15s" description:"graceful shutdown deadline"`

	LogFormat string `long:"log-format" env:"CHATPROXY_LOG_FORMAT" default:"text" choice:"text" choice:"json" description:"log output format"`
	LogLevel  string `long:"log-level" env:"CHATPROXY_LOG_LEVEL" default:"info" description:"debug, info, warn or error"`

	Generation models.GenerationConfig `no-flag:"true"`
}

// Load reads the .env file, parses args over the environment, loads the
// generation file and validates the result.
func Load(args []string) (*Options, error) {
	if err := loadEnvFile(extractEnvFile(args)); err != nil {
		return nil, err
	}

	opts := &Options{}
	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	opts.resolveAPIKey()
	if opts.Model == "" {
		opts.Model = models.DefaultModel(opts.Provider)
	}

	gen, err := LoadGeneration(opts.GenerationFile)
	if err != nil {
		return nil, err
	}
	opts.Generation = gen

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Addr is the listen address.
func (o *Options) Addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// Policy returns the parsed attachment policy.
func (o *Options) Policy() conversation.AttachmentPolicy {
	p, _ := conversation.ParseAttachmentPolicy(o.AttachmentPolicy)
	return p
}

// ProviderOptions selects the model for this configuration.
func (o *Options) ProviderOptions() models.ProviderOptions {
	return models.ProviderOptions{
		Provider:   o.Provider,
		Model:      o.Model,
		APIKey:     o.APIKey,
		Host:       o.OllamaHost,
		Generation: o.Generation,
	}
}

// Validate checks credentials and numeric bounds.
func (o *Options) Validate() error {
	var errs []error
	switch o.Provider {
	case "gemini", "openai", "anthropic":
		if strings.TrimSpace(o.APIKey) == "" {
			errs = append(errs, fmt.Errorf("an API key is required for provider %s", o.Provider))
		}
	case "ollama", "dummy":
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", o.Provider))
	}
	if o.Port < 1 || o.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", o.Port))
	}
	if o.MaxAttachmentBytes <= 0 {
		errs = append(errs, errors.New("max-attachment-bytes must be positive"))
	}
	if o.Concurrency < 1 {
		errs = append(errs, errors.New("concurrency must be at least 1"))
	}
	if o.DispatchAttempts < 1 {
		errs = append(errs, errors.New("dispatch-attempts must be at least 1"))
	}
	if o.MaxSessions < 0 || o.SessionTTL < 0 || o.ReplyCacheSize < 0 {
		errs = append(errs, errors.New("session and cache limits cannot be negative"))
	}
	if o.FetchTimeout < 0 || o.DispatchTimeout < 0 || o.DispatchBackoff < 0 {
		errs = append(errs, errors.New("timeouts cannot be negative"))
	}
	if _, err := conversation.ParseAttachmentPolicy(o.AttachmentPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(o.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if err := validateGeneration(o.Generation); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LoadGeneration returns the default generation parameters overridden by the
// keys present in the YAML file at path. An empty path yields the defaults.
func LoadGeneration(path string) (models.GenerationConfig, error) {
	gen := models.DefaultGenerationConfig()
	if path == "" {
		return gen, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return gen, fmt.Errorf("read generation config: %w", err)
	}
	if err := yaml.Unmarshal(data, &gen); err != nil {
		return gen, fmt.Errorf("parse generation config %s: %w", path, err)
	}
	return gen, nil
}

func validateGeneration(g models.GenerationConfig) error {
	switch {
	case g.Temperature < 0 || g.Temperature > 2:
		return fmt.Errorf("temperature %v out of range [0,2]", g.Temperature)
	case g.TopP < 0 || g.TopP > 1:
		return fmt.Errorf("top_p %v out of range [0,1]", g.TopP)
	case g.TopK < 0:
		return fmt.Errorf("top_k %d cannot be negative", g.TopK)
	case g.MaxOutputTokens < 0:
		return fmt.Errorf("max_output_tokens %d cannot be negative", g.MaxOutputTokens)
	}
	return nil
}

func (o *Options) resolveAPIKey() {
	if o.APIKey != "" {
		return
	}
	var keys []string
	switch o.Provider {
	case "gemini":
		keys = []string{"GOOGLE_API_KEY"}
	case "openai":
		keys = []string{"OPENAI_API_KEY"}
	case "anthropic":
		keys = []string{"ANTHROPIC_API_KEY", "CLAUDE_API_KEY"}
	}
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			o.APIKey = v
			return
		}
	}
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// extractEnvFile scans raw args for --env-file before full parsing so the
// dotenv values are in place when go-flags reads the environment.
func extractEnvFile(args []string) string {
	for i, a := range args {
		switch {
		case a == "--env-file":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "--env-file="):
			return strings.TrimPrefix(a, "--env-file=")
		}
	}
	return ".env"
}
