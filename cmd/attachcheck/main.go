// attachcheck fetches attachment URLs through the same pipeline the proxy
// uses and prints a JSON report of how each one would be handled.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/Protocol-Lattice/chatproxy/pkg/attachment"
	"github.com/Protocol-Lattice/chatproxy/pkg/concurrent"
	"github.com/Protocol-Lattice/chatproxy/pkg/conversation"
	"github.com/Protocol-Lattice/chatproxy/pkg/logging"
	"github.com/Protocol-Lattice/chatproxy/pkg/models"
)

type Options struct {
	MaxBytes    int64         `long:"max-bytes" default:"5242880" description:"largest attachment accepted"`
	Timeout     time.Duration `long:"timeout" default:"30s" description:"per-attachment download timeout"`
	Concurrency int           `long:"concurrency" default:"4" description:"attachments fetched in parallel"`
	TextMax     int           `long:"text-max" default:"300" description:"if >0, max characters of extracted text to include"`
	Quiet       bool          `long:"quiet" short:"q" description:"suppress per-attachment lines on stderr"`
	LogLevel    string        `long:"log-level" default:"warn" description:"debug, info, warn or error"`

	Args struct {
		URLs []string `positional-arg-name:"url" required:"1"`
	} `positional-args:"yes"`
}

// Item is the outcome for one URL.
type Item struct {
	URL    string `json:"url"`
	Name   string `json:"name,omitempty"`
	Kind   string `json:"kind,omitempty"`
	MIME   string `json:"mime,omitempty"`
	Handle string `json:"handle,omitempty"`
	Text   string `json:"text,omitempty"`
	Chars  int    `json:"chars,omitempty"`
	Err    string `json:"error,omitempty"`
}

type Report struct {
	Items  []Item `json:"items"`
	Failed int    `json:"failed"`
}

func main() {
	var opts Options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	logger, err := logging.New(os.Stderr, "text", opts.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	fetcher := attachment.NewFetcher()
	fetcher.MaxBytes = opts.MaxBytes
	fetcher.SetTimeout(opts.Timeout)
	fetcher.Logger = logger
	conv := attachment.NewConverter(models.NewDummyLLM(""))
	conv.Logger = logger

	report := inspect(context.Background(), fetcher, conv, opts.Args.URLs, opts.Concurrency, opts.TextMax)
	if !opts.Quiet {
		for _, it := range report.Items {
			if it.Err != "" {
				fmt.Fprintf(os.Stderr, "✖ %s: %s\n", it.URL, it.Err)
				continue
			}
			fmt.Fprintf(os.Stderr, "✔ %s → %s (%s)\n", it.URL, it.Kind, it.MIME)
		}
	}

	if err := writeReport(os.Stdout, report); err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot encode JSON report: %v\n", err)
		os.Exit(1)
	}
	if report.Failed > 0 {
		os.Exit(1)
	}
}

func inspect(ctx context.Context, f conversation.Fetcher, c conversation.Converter, urls []string, concurrency, textMax int) Report {
	results := concurrent.MapOrdered(ctx, urls, concurrency, func(ctx context.Context, u string) (attachment.Converted, error) {
		st, err := f.Fetch(ctx, u)
		if err != nil {
			return attachment.Converted{}, err
		}
		defer st.Close()
		return c.Convert(ctx, st)
	})

	report := Report{Items: make([]Item, 0, len(urls))}
	for i, res := range results {
		item := Item{URL: urls[i]}
		if res.Err != nil {
			item.Err = res.Err.Error()
			report.Failed++
			report.Items = append(report.Items, item)
			continue
		}
		cv := res.Value
		item.Name = cv.Name
		item.Kind = cv.Kind.String()
		item.MIME = cv.MIME
		if cv.File != nil {
			item.Handle = cv.File.URI
		}
		item.Chars = len([]rune(cv.Text))
		item.Text = preview(cv.Text, textMax)
		report.Items = append(report.Items, item)
	}
	return report
}

func preview(s string, limit int) string {
	r := []rune(s)
	if limit > 0 && len(r) > limit {
		return string(r[:limit])
	}
	return s
}

func writeReport(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
