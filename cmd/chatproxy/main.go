package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/jessevdk/go-flags"

	"github.com/Protocol-Lattice/chatproxy/pkg/attachment"
	"github.com/Protocol-Lattice/chatproxy/pkg/config"
	"github.com/Protocol-Lattice/chatproxy/pkg/conversation"
	"github.com/Protocol-Lattice/chatproxy/pkg/logging"
	"github.com/Protocol-Lattice/chatproxy/pkg/models"
	"github.com/Protocol-Lattice/chatproxy/pkg/server"
	"github.com/Protocol-Lattice/chatproxy/pkg/session"
)

func main() {
	opts, err := config.Load(os.Args[1:])
	if err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Println(ferr.Message)
			return
		}
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("chatproxy: %v", err)
	}
}

func run(ctx context.Context, opts *config.Options) error {
	logger, err := logging.New(os.Stderr, opts.LogFormat, opts.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	model, err := models.NewLLMProvider(ctx, opts.ProviderOptions())
	if err != nil {
		return fmt.Errorf("init model: %w", err)
	}
	if c, ok := model.(io.Closer); ok {
		defer c.Close()
	}
	if opts.ReplyCacheSize > 0 {
		model = models.NewCachedLLM(model, opts.ReplyCacheSize, opts.ReplyCacheTTL)
	}

	store := session.NewStore(session.Options{
		MaxSessions: opts.MaxSessions,
		IdleTTL:     opts.SessionTTL,
		Logger:      logger,
	})
	go store.RunJanitor(ctx, 0)

	fetcher := attachment.NewFetcher()
	fetcher.MaxBytes = opts.MaxAttachmentBytes
	fetcher.SetTimeout(opts.FetchTimeout)
	fetcher.Logger = logger

	orch := conversation.New(model, store,
		conversation.WithLogger(logger),
		conversation.WithFetcher(fetcher),
		conversation.WithConcurrency(opts.Concurrency),
		conversation.WithAttachmentPolicy(opts.Policy()),
		conversation.WithDispatchTimeout(opts.DispatchTimeout),
		conversation.WithDispatchRetry(opts.DispatchAttempts, opts.DispatchBackoff),
	)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              opts.Addr(),
		Handler:           server.New(orch, store, logger).Routes(),
		ReadHeaderTimeout: opts.ReadTimeout,
		ReadTimeout:       opts.ReadTimeout,
		WriteTimeout:      opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			"addr", srv.Addr,
			"provider", opts.Provider,
			"model", opts.Model,
			"attachment_policy", opts.Policy().String(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
