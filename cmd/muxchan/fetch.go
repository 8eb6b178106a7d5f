package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sammck-go/muxchan/pkg/asyncloop"
	"github.com/sammck-go/muxchan/pkg/builtin"
	"github.com/sammck-go/muxchan/pkg/channel"
	"github.com/sammck-go/muxchan/pkg/config"
	"github.com/sammck-go/muxchan/share"
)

// headerFlags collects repeated -H "Name: value" options
type headerFlags []channel.Header

func (h *headerFlags) String() string {
	parts := make([]string, 0, len(*h))
	for _, x := range *h {
		parts = append(parts, x.Header+": "+x.Value)
	}
	return strings.Join(parts, ", ")
}

func (h *headerFlags) Set(s string) error {
	name, value, ok := strings.Cut(s, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("header %q is not Name: value", s)
	}
	*h = append(*h, channel.Header{Header: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	return nil
}

type fetchOptions struct {
	url     string
	method  channel.Method
	body    []byte
	headers []channel.Header
	include bool
	retries int
}

func runFetch(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file (default $MUXCHAN_CONFIG or ./muxchan.yaml)")
	method := fs.String("X", "GET", "request method")
	data := fs.String("d", "", "request body")
	include := fs.Bool("i", false, "print the response status and headers before the body")
	retries := fs.Int("retries", -1, "retries on connection failure (default client.retries)")
	var headers headerFlags
	fs.Var(&headers, "H", "request header 'Name: value', repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("fetch takes exactly one url")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	m, err := channel.ParseMethod(*method)
	if err != nil || m == channel.MethodUndefined {
		return fmt.Errorf("invalid method %q", *method)
	}
	opts := fetchOptions{
		url:     fs.Arg(0),
		method:  m,
		body:    []byte(*data),
		headers: headers,
		include: *include,
		retries: *retries,
	}
	if opts.retries < 0 {
		opts.retries = cfg.Client.Retries
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	logger := share.NewLogger("muxchan", share.StringToLogLevel(cfg.Log.Level))
	return fetch(ctx, logger, cfg, opts, os.Stdout)
}

// fetch runs one exchange through an httpc group and request channel, writing
// the response to out. Attempts that fail before any response arrives are
// retried with exponential backoff.
func fetch(ctx context.Context, logger share.Logger, cfg *config.Config, opts fetchOptions, out io.Writer) error {
	chctx, err := builtin.NewContext(logger)
	if err != nil {
		return err
	}
	loop := asyncloop.New(chctx)
	defer loop.Close()

	group, err := loop.Channel(cfg.GroupURL(), nil, nil)
	if err != nil {
		return err
	}
	if err := group.Open(nil); err != nil {
		return err
	}
	req, err := loop.Channel("httpc+"+opts.url+";transfer=control", group, nil)
	if err != nil {
		return err
	}
	if err := req.Open(nil); err != nil {
		return err
	}

	b := &backoff.Backoff{Max: cfg.Client.MaxRetryInterval}
	for {
		responded, disc, err := exchange(ctx, req, opts, out)
		if err != nil {
			return err
		}
		if disc.Code == 0 {
			return nil
		}
		attempt := int(b.Attempt())
		if responded || attempt >= opts.retries {
			return logger.Errorf("fetch %s failed with code %d: %s", opts.url, disc.Code, disc.Error)
		}
		d := b.Duration()
		logger.WLogf("Connection error: %s (Attempt: %d/%d), retrying in %s", disc.Error, attempt+1, opts.retries, d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// exchange issues the request on address 0 and copies the response to out
// until the final Disconnect. responded reports whether a response status
// arrived.
func exchange(ctx context.Context, req *asyncloop.Channel, opts fetchOptions, out io.Writer) (bool, *channel.Disconnect, error) {
	conn := &channel.Connect{Method: opts.method, Size: int64(len(opts.body)), Headers: opts.headers}
	if err := req.Post(channel.NewControl(0, conn)); err != nil {
		return false, nil, err
	}
	if len(opts.body) > 0 {
		if err := req.Post(channel.NewData(0, opts.body)); err != nil {
			return false, nil, err
		}
	}
	responded := false
	for {
		m, err := req.RecvContext(ctx)
		if err != nil {
			return responded, nil, err
		}
		if d, ok := m.Disconnect(); ok {
			return responded, d, nil
		}
		if c, ok := m.Connect(); ok {
			responded = true
			if opts.include {
				fmt.Fprintf(out, "HTTP %d\n", c.Code)
				for _, h := range c.Headers {
					fmt.Fprintf(out, "%s: %s\n", h.Header, h.Value)
				}
				fmt.Fprintln(out)
			}
			continue
		}
		if _, err := out.Write(m.Data); err != nil {
			return responded, nil, err
		}
	}
}
