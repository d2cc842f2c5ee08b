package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Protocol-Lattice/chatproxy/pkg/attachment"
	"github.com/Protocol-Lattice/chatproxy/pkg/concurrent"
	"github.com/Protocol-Lattice/chatproxy/pkg/models"
	"github.com/Protocol-Lattice/chatproxy/pkg/session"
)

const (
	DefaultSessionID       = "default"
	DefaultConcurrency     = 4
	DefaultDispatchTimeout = 120 * time.Second
)

// AttachmentPolicy decides what a failed attachment does to the request.
type AttachmentPolicy int

const (
	// SkipOnFailure drops the attachment, logs it and carries on.
	SkipOnFailure AttachmentPolicy = iota
	// AbortOnFailure fails the request before the session is touched.
	AbortOnFailure
)

func (p AttachmentPolicy) String() string {
	if p == AbortOnFailure {
		return "abort"
	}
	return "skip"
}

// ParseAttachmentPolicy accepts "skip" or "abort".
func ParseAttachmentPolicy(s string) (AttachmentPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return SkipOnFailure, nil
	case "abort":
		return AbortOnFailure, nil
	default:
		return SkipOnFailure, fmt.Errorf("unknown attachment policy %q", s)
	}
}

// Fetcher retrieves an attachment into a scratch file.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*attachment.Staged, error)
}

// Converter turns a staged attachment into conversation content.
type Converter interface {
	Convert(ctx context.Context, st *attachment.Staged) (attachment.Converted, error)
}

// Request is one inbound user message.
type Request struct {
	SessionID string
	Prompt    string
	Links     []string
}

// AttachmentFailure records an attachment dropped under SkipOnFailure.
type AttachmentFailure struct {
	URL string
	Err error
}

// Reply is the model's answer plus what happened to the attachments.
type Reply struct {
	Text        string
	SessionID   string
	Attachments []attachment.Converted
	Skipped     []AttachmentFailure
}

// Orchestrator runs one exchange per request: ingest attachments, append the
// user turn, dispatch the history, append the model turn.
type Orchestrator struct {
	model     models.Model
	store     *session.Store
	fetcher   Fetcher
	converter Converter
	logger    *slog.Logger

	concurrency     int
	policy          AttachmentPolicy
	dispatchTimeout time.Duration
	attempts        int
	backoff         time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithFetcher(f Fetcher) Option { return func(o *Orchestrator) { o.fetcher = f } }

func WithConverter(c Converter) Option { return func(o *Orchestrator) { o.converter = c } }

// WithConcurrency bounds how many attachments are fetched at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func WithAttachmentPolicy(p AttachmentPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithDispatchTimeout bounds each model call; zero disables the bound.
func WithDispatchTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.dispatchTimeout = d }
}

// WithDispatchRetry makes up to attempts model calls, waiting backoff*i
// before attempt i+1.
func WithDispatchRetry(attempts int, backoff time.Duration) Option {
	return func(o *Orchestrator) {
		if attempts < 1 {
			attempts = 1
		}
		o.attempts = attempts
		o.backoff = backoff
	}
}

// New wires an Orchestrator around model and store. Without WithFetcher and
// WithConverter the default attachment pipeline is used, uploading to model.
func New(model models.Model, store *session.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		model:           model,
		store:           store,
		logger:          slog.Default(),
		concurrency:     DefaultConcurrency,
		dispatchTimeout: DefaultDispatchTimeout,
		attempts:        1,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.fetcher == nil {
		f := attachment.NewFetcher()
		f.Logger = o.logger
		o.fetcher = f
	}
	if o.converter == nil {
		c := attachment.NewConverter(model)
		c.Logger = o.logger
		o.converter = c
	}
	return o
}

// HandleTurn processes req against its session and returns the model reply.
//
// A failed dispatch leaves the user turn in the history; nothing is rolled
// back.
func (o *Orchestrator) HandleTurn(ctx context.Context, req Request) (*Reply, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrMissingPrompt
	}
	id := req.SessionID
	if id == "" {
		id = DefaultSessionID
	}
	logger := o.logger.With("session", id)

	reply := &Reply{SessionID: id}
	prompt := req.Prompt
	var files []models.Part

	for i, res := range o.ingest(ctx, req.Links) {
		link := req.Links[i]
		if res.Err != nil {
			if o.policy == AbortOnFailure {
				logger.Warn("attachment failed, aborting", "url", link, "err", res.Err)
				return nil, &AttachmentError{URL: link, Err: res.Err}
			}
			logger.Warn("attachment skipped", "url", link, "err", res.Err)
			reply.Skipped = append(reply.Skipped, AttachmentFailure{URL: link, Err: res.Err})
			continue
		}
		conv := res.Value
		reply.Attachments = append(reply.Attachments, conv)
		if conv.Kind == attachment.Document {
			prompt = MergeDocument(conv.Name, conv.Text, prompt)
			continue
		}
		files = append(files, models.FilePart(*conv.File))
	}

	sess, release := o.store.Acquire(id)
	defer release()

	user := models.Turn{Role: models.RoleUser, Parts: append(files, models.Text(prompt))}
	if err := sess.Append(user); err != nil {
		return nil, &InternalError{Op: "append user turn", Err: err}
	}

	text, err := o.dispatch(ctx, sess.Turns())
	if err != nil {
		logger.Error("dispatch failed", "turns", sess.Len(), "err", err)
		return nil, &InternalError{Op: "dispatch", Err: err}
	}

	if err := sess.Append(models.Turn{Role: models.RoleModel, Parts: []models.Part{models.Text(text)}}); err != nil {
		return nil, &InternalError{Op: "append model turn", Err: err}
	}
	logger.Info("turn handled",
		"turns", sess.Len(),
		"attachments", len(reply.Attachments),
		"skipped", len(reply.Skipped),
	)

	reply.Text = text
	return reply, nil
}

// History returns a copy of the session's turns, or nil for an unknown id.
func (o *Orchestrator) History(sessionID string) []models.Turn {
	sess, ok := o.store.Get(sessionID)
	if !ok {
		return nil
	}
	return sess.Turns()
}

// ingest fetches and converts every link with bounded parallelism. Results
// line up with links.
func (o *Orchestrator) ingest(ctx context.Context, links []string) []concurrent.Result[attachment.Converted] {
	return concurrent.MapOrdered(ctx, links, o.concurrency, func(ctx context.Context, link string) (attachment.Converted, error) {
		st, err := o.fetcher.Fetch(ctx, link)
		if err != nil {
			return attachment.Converted{}, err
		}
		defer func() {
			if err := st.Close(); err != nil {
				o.logger.Warn("scratch file not removed", "url", link, "path", st.Path(), "err", err)
			}
		}()
		return o.converter.Convert(ctx, st)
	})
}

func (o *Orchestrator) dispatch(ctx context.Context, turns []models.Turn) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= o.attempts; attempt++ {
		if attempt > 1 {
			wait := o.backoff * time.Duration(attempt-1)
			o.logger.Warn("retrying dispatch", "attempt", attempt, "wait", wait, "err", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}
		text, err := o.sendOnce(ctx, turns)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func (o *Orchestrator) sendOnce(ctx context.Context, turns []models.Turn) (string, error) {
	if o.dispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.dispatchTimeout)
		defer cancel()
	}
	return o.model.Send(ctx, turns)
}

// MergeDocument frames extracted document text ahead of the user's prompt.
func MergeDocument(name, text, prompt string) string {
	return fmt.Sprintf("Here's the content of the document %s:\n%s\n\nUser question: %s", name, text, prompt)
}
