// Package visitor assembles the identity, attribution and sync components
// into one service bound to a single page context.
package visitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/visitorsync/internal/attribution"
	"github.com/agentworkforce/visitorsync/internal/config"
	"github.com/agentworkforce/visitorsync/internal/events"
	"github.com/agentworkforce/visitorsync/internal/identity"
	"github.com/agentworkforce/visitorsync/internal/ipinfo"
	"github.com/agentworkforce/visitorsync/internal/localstore"
	"github.com/agentworkforce/visitorsync/internal/record"
	"github.com/agentworkforce/visitorsync/internal/remotesync"
)

var ErrAlreadyStarted = errors.New("visitor service already started")

type Logger interface {
	Printf(format string, args ...any)
}

// Page describes the page the service is bound to.
type Page interface {
	URL() string
	UserAgent() string
	Referrer() string
}

// StaticPage is a Page with fixed values.
type StaticPage struct {
	PageURL string
	Agent   string
	Referer string
}

func (p StaticPage) URL() string       { return p.PageURL }
func (p StaticPage) UserAgent() string { return p.Agent }
func (p StaticPage) Referrer() string  { return p.Referer }

type Options struct {
	Page Page
	// HTTPClient is used for the remote endpoint. The default client shares
	// its cookie jar with the cookie store.
	HTTPClient *http.Client
	Logger     Logger
	Now        func() time.Time
	IPResolver identity.IPResolver
	// Primary and Mirror replace the backends built from the configured
	// DSNs.
	Primary localstore.Backend
	Mirror  localstore.Backend
	// RemoteClient replaces the HTTP transport.
	RemoteClient remotesync.RemoteClient
}

type Service struct {
	cfg       config.Config
	page      Page
	logger    Logger
	store     *localstore.Store
	bus       *events.Bus
	identity  *identity.Manager
	params    *attribution.State
	coord     *remotesync.Coordinator
	scheduler *remotesync.Scheduler

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg config.Config, opts Options) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	page := opts.Page
	if page == nil {
		page = StaticPage{PageURL: cfg.SiteURL}
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	primary := opts.Primary
	if primary == nil && cfg.CookieStoreDSN() != "" {
		primary, err = localstore.BuildBackendFromDSN(cfg.CookieStoreDSN(), localstore.FactoryOptions{CookieJar: jar})
		if err != nil {
			return nil, fmt.Errorf("cookie store: %w", err)
		}
	}
	mirror := opts.Mirror
	if mirror == nil && strings.TrimSpace(cfg.DurableStore) != "" {
		mirror, err = localstore.BuildBackendFromDSN(cfg.DurableStore, localstore.FactoryOptions{CookieJar: jar})
		if err != nil {
			return nil, fmt.Errorf("durable store: %w", err)
		}
	}
	store, err := localstore.NewStore(localstore.StoreOptions{Primary: primary, Mirror: mirror, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := cfg.SyncTimeout
		if timeout <= 0 {
			timeout = remotesync.DefaultSyncTimeout
		}
		httpClient = &http.Client{Timeout: timeout, Jar: jar}
	}
	resolver := opts.IPResolver
	if resolver == nil {
		resolver = ipinfo.NewResolver(ipinfo.Options{
			LookupURL:     cfg.IPLookupURL,
			ForceIPv4:     cfg.ForceIPv4,
			CacheDuration: cfg.IPCacheDuration,
			HTTPClient:    httpClient,
			Now:           opts.Now,
		})
	}
	client := opts.RemoteClient
	if client == nil && cfg.SyncEnabled() {
		client = remotesync.NewHTTPClient(cfg.RemoteEndpoint, httpClient, remotesync.HTTPClientOptions{
			MaxRetries: cfg.SyncRetries,
		})
	}

	bus := events.NewBus(opts.Logger)
	coord := remotesync.NewCoordinator(remotesync.CoordinatorOptions{
		Enabled:   cfg.SyncEnabled(),
		Client:    client,
		Store:     store,
		Bus:       bus,
		UserAgent: page.UserAgent,
		Referrer:  page.Referrer,
		Timeout:   cfg.SyncTimeout,
		Logger:    opts.Logger,
	})
	store.SetWriteGuard(coord)
	scheduler := remotesync.NewScheduler(coord, opts.Logger)

	var cookies attribution.CookieSource
	if cb, ok := primary.(*localstore.CookieBackend); ok {
		cookies = cb
	}
	ids := identity.NewManager(store, identity.Options{
		Prefix:     cfg.Prefix,
		UserAgent:  page.UserAgent,
		IPResolver: resolver,
		Bus:        bus,
		Now:        opts.Now,
		Logger:     opts.Logger,
	})
	params := attribution.New(store, attribution.Options{
		Tracked: cfg.UserParams,
		PageURL: page.URL,
		Cookies: cookies,
		Trigger: scheduler,
		Now:     opts.Now,
		Logger:  opts.Logger,
	})
	return &Service{
		cfg:       cfg,
		page:      page,
		logger:    opts.Logger,
		store:     store,
		bus:       bus,
		identity:  ids,
		params:    params,
		coord:     coord,
		scheduler: scheduler,
	}, nil
}

// Start waits the grace period, initializes identity and attribution, emits
// ready and starts the background workers. It returns once the workers are
// running; Close stops them.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if err := wait(ctx, s.cfg.GracePeriod); err != nil {
		return err
	}
	if err := s.refresh(ctx, true); err != nil {
		return err
	}
	s.bus.Emit(events.Ready, nil)

	s.spawn(func() { s.scheduler.Run(ctx) })
	reloads := make(chan struct{}, 1)
	if _, err := s.bus.Subscribe(events.Updated, func(events.Event) {
		select {
		case reloads <- struct{}{}:
		default:
		}
	}); err != nil {
		return err
	}
	s.spawn(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloads:
				if err := s.Reload(ctx); err != nil && ctx.Err() == nil {
					s.logf("reload failed: %v", err)
				}
			}
		}
	})

	if s.coord.Enabled() && s.cfg.AutoSyncInterval > 0 {
		s.spawn(func() { s.scheduler.AutoSync(ctx, s.cfg.AutoSyncInterval, s.cfg.AutoSyncJitter) })
	}
	if s.cfg.WatchStore {
		if file, ok := s.store.Mirror().(*localstore.JSONFileBackend); ok {
			watcher := localstore.NewWatcher(file, s.cfg.GracePeriod, func() {
				s.bus.Emit(events.Updated, nil)
			}, s.logger)
			s.spawn(func() {
				if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.logf("store watcher stopped: %v", err)
				}
			})
		} else {
			s.logf("store watching needs a file durable store; skipping")
		}
	}
	if url := strings.TrimSpace(s.cfg.EventsURL); url != "" {
		feed := events.NewFeed(url, s.bus, s.logger)
		s.spawn(func() {
			if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logf("events feed stopped: %v", err)
			}
		})
	}
	if s.coord.Enabled() {
		s.scheduler.Trigger(false)
	}
	return nil
}

// Reload re-reads attribution after an external update, emits reloaded and
// requests a sync.
func (s *Service) Reload(ctx context.Context) error {
	if err := wait(ctx, s.cfg.GracePeriod); err != nil {
		return err
	}
	if err := s.refresh(ctx, false); err != nil {
		return err
	}
	s.bus.Emit(events.Reloaded, nil)
	if s.coord.Enabled() {
		s.scheduler.Trigger(false)
	}
	return nil
}

func (s *Service) refresh(ctx context.Context, createID bool) error {
	if _, _, err := s.identity.RetrieveOrCreateID(ctx, createID); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if _, err := s.params.GetParams(); err != nil {
		return fmt.Errorf("attribution: %w", err)
	}
	return nil
}

func (s *Service) RetrieveOrCreateID(ctx context.Context, autoCreate bool) (string, bool, error) {
	return s.identity.RetrieveOrCreateID(ctx, autoCreate)
}

func (s *Service) Params() (record.Params, error) {
	return s.params.GetParams()
}

func (s *Service) SetParam(name, value string, syncNow bool) error {
	return s.params.SetParam(name, value, syncNow)
}

// Sync runs one synchronization in the caller's goroutine.
func (s *Service) Sync(ctx context.Context, force bool) (remotesync.Outcome, error) {
	return s.coord.SyncOutcome(ctx, force)
}

func (s *Service) Bus() *events.Bus {
	return s.bus
}

func (s *Service) Store() *localstore.Store {
	return s.store
}

func (s *Service) Coordinator() *remotesync.Coordinator {
	return s.coord
}

// Close stops the background workers and closes the stores.
func (s *Service) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return s.store.Close()
}

func (s *Service) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
