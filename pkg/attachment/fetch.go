package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/Protocol-Lattice/chatproxy/pkg/models"
)

const (
	DefaultMaxBytes     = 5 << 20 // 5 MiB
	DefaultFetchTimeout = 30 * time.Second
	defaultUserAgent    = "chatproxy/1.0"
)

// Fetcher downloads attachments into scratch files.
type Fetcher struct {
	Client    *http.Client
	MaxBytes  int64
	Timeout   time.Duration
	TempDir   string // "" uses os.TempDir
	UserAgent string
	Logger    *slog.Logger
}

// NewFetcher returns a Fetcher with the default size ceiling and timeout.
func NewFetcher() *Fetcher {
	return &Fetcher{
		Client:    &http.Client{Timeout: DefaultFetchTimeout},
		MaxBytes:  DefaultMaxBytes,
		Timeout:   DefaultFetchTimeout,
		UserAgent: defaultUserAgent,
	}
}

// SetTimeout bounds each fetch and the underlying client to d.
func (f *Fetcher) SetTimeout(d time.Duration) {
	f.Timeout = d
	if f.Client == nil {
		f.Client = &http.Client{}
	}
	f.Client.Timeout = d
}

// Staged is a fetched attachment held in a scratch file. It must be released
// with Close once converted.
type Staged struct {
	URL         string
	Name        string
	ContentType string // declared, or guessed from Name; may be empty
	Size        int64

	path      string
	closeOnce sync.Once
	closeErr  error
}

// Open returns a fresh reader over the staged bytes.
func (s *Staged) Open() (*os.File, error) {
	return os.Open(s.path)
}

// Head returns up to n leading bytes.
func (s *Staged) Head(n int) ([]byte, error) {
	f, err := s.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:read], nil
}

// Path is the scratch file location.
func (s *Staged) Path() string { return s.path }

// Close removes the scratch file. Safe to call more than once.
func (s *Staged) Close() error {
	s.closeOnce.Do(func() {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// Fetch retrieves rawURL, enforcing the size ceiling and timeout.
// On error nothing is left on disk.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Staged, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, &FetchError{Kind: Unreachable, URL: rawURL, Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &FetchError{Kind: Unreachable, URL: rawURL, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}

	if timeout := f.timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &FetchError{Kind: Unreachable, URL: rawURL, Err: err}
	}
	ua := f.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)

	resp, err := f.client().Do(req)
	if err != nil {
		return nil, &FetchError{Kind: Unreachable, URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{Kind: Unreachable, URL: rawURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	limit := f.maxBytes()
	if resp.ContentLength > limit {
		return nil, &FetchError{Kind: TooLarge, URL: rawURL, Err: fmt.Errorf("content length %d exceeds %d", resp.ContentLength, limit)}
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" {
		name = ""
	}
	contentType := models.NormalizeMIME(name, resp.Header.Get("Content-Type"))

	tmp, err := os.CreateTemp(f.TempDir, "chatproxy-*"+extensionFor(contentType))
	if err != nil {
		return nil, &FetchError{Kind: Unreachable, URL: rawURL, Err: fmt.Errorf("create scratch file: %w", err)}
	}
	discard := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, limit+1))
	if err != nil {
		discard()
		return nil, &FetchError{Kind: Unreachable, URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}
	if n > limit {
		discard()
		return nil, &FetchError{Kind: TooLarge, URL: rawURL, Err: fmt.Errorf("body exceeds %d bytes", limit)}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, &FetchError{Kind: Unreachable, URL: rawURL, Err: fmt.Errorf("close scratch file: %w", err)}
	}

	f.logger().Debug("attachment staged", "url", rawURL, "bytes", n, "content_type", contentType)
	return &Staged{
		URL:         rawURL,
		Name:        name,
		ContentType: contentType,
		Size:        n,
		path:        tmp.Name(),
	}, nil
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *Fetcher) maxBytes() int64 {
	if f.MaxBytes > 0 {
		return f.MaxBytes
	}
	return DefaultMaxBytes
}

func (f *Fetcher) timeout() time.Duration {
	if f.Timeout > 0 {
		return f.Timeout
	}
	return DefaultFetchTimeout
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

func extensionFor(contentType string) string {
	if contentType == "" {
		return ".tmp"
	}
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ".tmp"
	}
	return exts[0]
}
