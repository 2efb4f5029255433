package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/agentworkforce/visitorsync/internal/config"
	"github.com/agentworkforce/visitorsync/internal/events"
	"github.com/agentworkforce/visitorsync/internal/remotesync"
	"github.com/agentworkforce/visitorsync/internal/visitor"
)

type options struct {
	cfg     config.Config
	page    visitor.StaticPage
	params  paramFlag
	once    bool
	force   bool
	logJSON bool
}

// paramFlag collects repeated --param name=value flags.
type paramFlag []string

func (p *paramFlag) String() string {
	return strings.Join(*p, ",")
}

func (p *paramFlag) Set(value string) error {
	name, _, ok := strings.Cut(value, "=")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("expected name=value, got %q", value)
	}
	*p = append(*p, value)
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	opts, err := parseFlags(os.Args[1:], cfg, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("%v", err)
	}
	logger := newLogger(os.Stderr, opts.logJSON)
	if err := opts.cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	if err := run(opts, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

func run(opts options, logger *log.Logger) error {
	svc, err := visitor.New(opts.cfg, visitor.Options{Page: opts.page, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to initialize visitor service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Printf("close failed: %v", err)
		}
	}()
	if _, err := svc.Bus().Subscribe(events.All, func(e events.Event) {
		logger.Printf("event %s", e.Name)
	}); err != nil {
		return err
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.once {
		if err := runOnce(rootCtx, svc, opts, logger); err != nil {
			return fmt.Errorf("sync cycle failed: %w", err)
		}
		return nil
	}

	if err := svc.Start(rootCtx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	for _, kv := range opts.params {
		name, value, _ := strings.Cut(kv, "=")
		if err := svc.SetParam(name, value, true); err != nil {
			logger.Printf("set param %s failed: %v", name, err)
		}
	}
	<-rootCtx.Done()
	logger.Printf("visitorsync stopping: %v", rootCtx.Err())
	return nil
}

// runOnce initializes local state, applies --param values and runs a single
// sync in the foreground.
func runOnce(ctx context.Context, svc *visitor.Service, opts options, logger *log.Logger) error {
	id, _, err := svc.RetrieveOrCreateID(ctx, true)
	if err != nil {
		return err
	}
	if _, err := svc.Params(); err != nil {
		return err
	}
	for _, kv := range opts.params {
		name, value, _ := strings.Cut(kv, "=")
		if err := svc.SetParam(name, value, false); err != nil {
			return err
		}
	}
	logger.Printf("visitor %s", id)
	outcome, err := svc.Sync(ctx, opts.force)
	if errors.Is(err, remotesync.ErrSyncDisabled) {
		logger.Printf("remote sync disabled; local state only")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Printf("%s", describeOutcome(outcome))
	return outcome.Err
}

func parseFlags(args []string, cfg config.Config, output io.Writer) (options, error) {
	fs := flag.NewFlagSet("visitorsync", flag.ContinueOnError)
	fs.SetOutput(output)
	opts := options{cfg: cfg}

	fs.BoolVar(&opts.cfg.RemoteSync, "remote-sync", cfg.RemoteSync, "enable remote sync")
	fs.StringVar(&opts.cfg.RemoteEndpoint, "endpoint", cfg.RemoteEndpoint, "remote sync endpoint (https)")
	fs.BoolVar(&opts.cfg.AllowInsecureEndpoint, "allow-insecure-endpoint", cfg.AllowInsecureEndpoint, "accept http endpoints on loopback hosts")
	fs.DurationVar(&opts.cfg.AutoSyncInterval, "interval", cfg.AutoSyncInterval, "auto sync interval (0 disables)")
	fs.Float64Var(&opts.cfg.AutoSyncJitter, "interval-jitter", cfg.AutoSyncJitter, "auto sync jitter ratio (0.0-1.0)")
	fs.DurationVar(&opts.cfg.SyncTimeout, "timeout", cfg.SyncTimeout, "per-sync timeout")
	fs.StringVar(&opts.cfg.Prefix, "prefix", cfg.Prefix, "visitor id prefix")
	fs.BoolVar(&opts.cfg.ForceIPv4, "force-ipv4", cfg.ForceIPv4, "resolve the client ip over IPv4 only")
	fs.StringVar(&opts.cfg.SiteURL, "site-url", cfg.SiteURL, "site url that scopes the cookie store")
	fs.StringVar(&opts.cfg.CookieStore, "cookie-store", cfg.CookieStore, "cookie store DSN (derived from --site-url when empty)")
	fs.StringVar(&opts.cfg.DurableStore, "durable-store", cfg.DurableStore, "durable store DSN")
	fs.BoolVar(&opts.cfg.WatchStore, "watch-store", cfg.WatchStore, "reload when the durable store file changes")
	fs.StringVar(&opts.cfg.EventsURL, "events-url", cfg.EventsURL, "websocket url for updated signals")
	userParams := fs.String("user-params", strings.Join(cfg.UserParams, ","), "tracked parameter names, comma separated")
	fs.StringVar(&opts.page.PageURL, "page-url", "", "page url to capture attribution from")
	fs.StringVar(&opts.page.Agent, "user-agent", "", "user agent reported for the visitor")
	fs.StringVar(&opts.page.Referer, "referrer", "", "referrer reported for the visitor")
	fs.Var(&opts.params, "param", "set an attribution parameter name=value (repeatable)")
	fs.BoolVar(&opts.once, "once", false, "run one sync cycle and exit")
	fs.BoolVar(&opts.force, "force", false, "force a POST on --once")
	fs.BoolVar(&opts.logJSON, "log-json", false, "log as JSON")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	opts.cfg.UserParams = splitList(*userParams)
	opts.cfg.AutoSyncJitter = remotesync.ClampJitterRatio(opts.cfg.AutoSyncJitter)
	if opts.page.PageURL == "" {
		opts.page.PageURL = opts.cfg.SiteURL
	}
	if opts.page.Agent == "" {
		opts.page.Agent = "visitorsync"
	}
	return opts, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// newLogger adapts a slog handler to the Printf logger the packages take.
func newLogger(w io.Writer, jsonOutput bool) *log.Logger {
	handlerOpts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler = slog.NewTextHandler(w, handlerOpts)
	if jsonOutput {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	return slog.NewLogLogger(handler, slog.LevelInfo)
}

func describeOutcome(o remotesync.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sync %s", o.Action)
	switch {
	case o.Applied:
		b.WriteString(": applied remote state")
	case o.Accepted:
		b.WriteString(": endpoint accepted local state")
	case o.ClockStored:
		b.WriteString(": recorded remote clock")
	case o.Err != nil:
		fmt.Fprintf(&b, ": %v", o.Err)
	default:
		b.WriteString(": no change")
	}
	if o.Resync != nil {
		fmt.Fprintf(&b, "; then %s", describeOutcome(*o.Resync))
	}
	return b.String()
}
