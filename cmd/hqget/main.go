// Package main provides hqget, a command that fetches one URL over an HQ
// session carried by a gnetmux connection.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/albertbausili/hqsession/internal/eventloop"
	"github.com/albertbausili/hqsession/internal/logging"
	"github.com/albertbausili/hqsession/internal/transport/gnetmux"
	"github.com/albertbausili/hqsession/pkg/hq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog"
)

type headerFlags []string

func (h *headerFlags) String() string { return strings.Join(*h, ", ") }

func (h *headerFlags) Set(v string) error {
	if !strings.Contains(v, ":") {
		return fmt.Errorf("header %q is not name: value", v)
	}
	*h = append(*h, v)
	return nil
}

type options struct {
	configPath  string
	variant     string
	method      string
	data        string
	headers     headerFlags
	timeout     time.Duration
	verbose     bool
	showHeaders bool
	metrics     bool
	drain       bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "TOML session configuration file")
	flag.StringVar(&opts.variant, "variant", "", "protocol: h1q-fb, h1q-fb-v2 or h3 (overrides the config file)")
	flag.StringVar(&opts.method, "X", "GET", "request method")
	flag.StringVar(&opts.data, "d", "", "request body")
	flag.Var(&opts.headers, "H", "extra request header, repeatable")
	flag.DurationVar(&opts.timeout, "timeout", 10*time.Second, "overall deadline")
	flag.BoolVar(&opts.verbose, "v", false, "debug logging")
	flag.BoolVar(&opts.showHeaders, "i", false, "print response headers")
	flag.BoolVar(&opts.metrics, "metrics", false, "dump session metrics to stderr on exit")
	flag.BoolVar(&opts.drain, "drain", false, "drain the session instead of closing it when idle")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: hqget [flags] https://host:port/path\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	level := zerolog.InfoLevel
	if opts.verbose {
		level = zerolog.DebugLevel
	}
	logger := logging.New(logging.Options{App: "hqget", Level: level})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, logger, flag.Arg(0), opts, os.Stdout)
	if opts.metrics {
		dumpMetrics(os.Stderr)
	}
	if err != nil {
		logger.Error().Err(err).Msg("request failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, logger zerolog.Logger, rawURL string, opts options, out io.Writer) error {
	target, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if target.Host == "" {
		return fmt.Errorf("url %q has no host", rawURL)
	}
	addr := target.Host
	if target.Port() == "" {
		addr = net.JoinHostPort(target.Hostname(), "443")
	}

	cfg := hq.DefaultConfig()
	if opts.configPath != "" {
		if cfg, err = hq.LoadConfig(opts.configPath); err != nil {
			return err
		}
	}
	if opts.variant != "" {
		if cfg.Variant, err = hq.ParseVariant(opts.variant); err != nil {
			return err
		}
	}
	cfg.Logger = logger

	req := hq.NewRequest(opts.method, target.Scheme, target.Host, target.RequestURI())
	for _, h := range opts.headers {
		name, value, _ := strings.Cut(h, ":")
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	loop := eventloop.New(0)
	loop.Start()
	defer loop.Stop()

	client, err := gnetmux.NewClient(logger)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	conn, err := client.Dial(addr, loop)
	if err != nil {
		return err
	}
	f := &fetch{
		req:     req,
		body:    []byte(opts.data),
		out:     out,
		headers: opts.showHeaders,
		done:    make(chan error, 1),
		logger:  logger,
	}

	// The session is created on the loop so the connect callback is in
	// place before any transport event is replayed.
	created := make(chan error, 1)
	loop.RunInLoop(func() {
		sess, err := hq.NewSession(conn, loop, cfg)
		if err != nil {
			conn.Close(uint64(hq.ErrInternalError), "bad configuration")
			created <- err
			return
		}
		sess.SetConnectCallback(f)
		f.sess = sess
		created <- nil
	})
	if err := <-created; err != nil {
		return err
	}
	sess := f.sess

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	select {
	case err = <-f.done:
	case <-ctx.Done():
		err = ctx.Err()
		loop.RunInLoop(sess.DropConnection)
	}

	closed := make(chan struct{})
	loop.RunInLoop(func() {
		if opts.drain {
			sess.Drain()
		}
		sess.CloseWhenIdle()
		close(closed)
	})
	<-closed
	return err
}

// fetch sends one request once the session connects and streams the
// response body to out.
type fetch struct {
	hq.BaseHandler

	sess    *hq.Session
	req     *hq.Message
	body    []byte
	out     io.Writer
	headers bool
	done    chan error
	logger  zerolog.Logger

	err error
}

func (f *fetch) ConnectSuccess() {
	h := hq.Chain(
		hq.LoggerWithConfig(hq.LoggerConfig{Logger: f.logger, Level: zerolog.DebugLevel}),
		hq.Tracing(),
		hq.Decompress(),
	)(f)

	tr, err := f.sess.NewTransaction(h)
	if err != nil {
		f.finish(err)
		return
	}
	if len(f.body) == 0 {
		err = tr.SendHeadersWithEOM(f.req)
	} else {
		f.req.Header.Set("content-length", fmt.Sprint(len(f.body)))
		if err = tr.SendHeaders(f.req); err == nil {
			if err = tr.SendBody(f.body); err == nil {
				err = tr.SendEOM()
			}
		}
	}
	if err != nil {
		tr.SendAbort()
		f.finish(err)
	}
}

func (f *fetch) ConnectError(err *hq.Error) { f.finish(err) }

func (f *fetch) OnReplaySafe() {
	f.logger.Debug().Msg("handshake confirmed")
}

func (f *fetch) OnHeadersComplete(msg *hq.Message) {
	if !f.headers {
		return
	}
	fmt.Fprintf(f.out, "%d\n", msg.Status)
	for _, field := range msg.Header {
		fmt.Fprintf(f.out, "%s: %s\n", field[0], field[1])
	}
	if !msg.IsInformational() {
		fmt.Fprintln(f.out)
	}
}

func (f *fetch) OnBody(data []byte) {
	if _, err := f.out.Write(data); err != nil && f.err == nil {
		f.err = err
	}
}

func (f *fetch) OnError(err *hq.Error) {
	if f.err == nil {
		f.err = err
	}
}

func (f *fetch) OnGoaway(lastStreamID uint64) {
	f.logger.Debug().Uint64("last_stream_id", lastStreamID).Msg("goaway received")
}

func (f *fetch) OnDetachTransaction() { f.finish(f.err) }

func (f *fetch) finish(err error) {
	select {
	case f.done <- err:
	default:
	}
}

func dumpMetrics(w io.Writer) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		fmt.Fprintf(w, "gather metrics: %v\n", err)
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "hq_") {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return
		}
	}
}
