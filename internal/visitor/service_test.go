package visitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/visitorsync/internal/config"
	"github.com/agentworkforce/visitorsync/internal/events"
	"github.com/agentworkforce/visitorsync/internal/ipinfo"
	"github.com/agentworkforce/visitorsync/internal/localstore"
	"github.com/agentworkforce/visitorsync/internal/record"
	"github.com/agentworkforce/visitorsync/internal/remotesync"
)

func fixedNow(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func localConfig() config.Config {
	return config.Config{
		SiteURL:      "https://shop.example.com/",
		DurableStore: "memory://",
	}
}

func TestRetrieveOrCreateIDOnEmptyStorage(t *testing.T) {
	svc, err := New(localConfig(), Options{
		Page:       StaticPage{PageURL: "https://shop.example.com/", Agent: "UA/1.0"},
		IPResolver: ipinfo.Static("203.0.113.7"),
		Now:        fixedNow(1_700_000_000_000),
	})
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	defer svc.Close()

	created := 0
	if err := svc.Bus().SetCallback(func(e events.Event) {
		if e.Name == events.IDCreated {
			created++
		}
	}); err != nil {
		t.Fatalf("set callback failed: %v", err)
	}

	id, ok, err := svc.RetrieveOrCreateID(context.Background(), true)
	if err != nil || !ok || id == "" {
		t.Fatalf("expected a new id, got %q ok=%v err=%v", id, ok, err)
	}
	again, ok, err := svc.RetrieveOrCreateID(context.Background(), true)
	if err != nil || !ok || again != id {
		t.Fatalf("expected the same id on the second call, got %q", again)
	}
	createdAt := svc.Store().LoadInt64(record.KeyCreatedAt)
	updatedAt := svc.Store().LoadInt64(record.KeyUpdatedAt)
	if createdAt == 0 || createdAt != updatedAt {
		t.Fatalf("expected createdAt == updatedAt, got %d and %d", createdAt, updatedAt)
	}
	if created != 1 {
		t.Fatalf("expected exactly one idCreated notification, got %d", created)
	}
	// The id lives in both tiers.
	for name, backend := range map[string]localstore.Backend{"cookie": svc.Store().Primary(), "durable": svc.Store().Mirror()} {
		if _, ok, _ := backend.Get(record.KeyID); !ok {
			t.Fatalf("expected %s store to hold the id", name)
		}
	}
}

func TestRetrieveWithoutAutoCreateHasNoSideEffects(t *testing.T) {
	mirror := localstore.NewInMemoryBackend()
	svc, err := New(localConfig(), Options{Mirror: mirror, IPResolver: ipinfo.Static("")})
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	defer svc.Close()

	id, ok, err := svc.RetrieveOrCreateID(context.Background(), false)
	if err != nil || ok || id != "" {
		t.Fatalf("expected no id, got %q ok=%v err=%v", id, ok, err)
	}
	keys, _ := mirror.Keys()
	if len(keys) != 0 {
		t.Fatalf("expected untouched storage, got keys %v", keys)
	}
}

func TestStartCapturesAttributionAndEmitsReady(t *testing.T) {
	svc, err := New(localConfig(), Options{
		Page:       StaticPage{PageURL: "https://shop.example.com/landing?utm_source=news&utm_medium=email&other=x"},
		IPResolver: ipinfo.Static("203.0.113.7"),
		Now:        fixedNow(5000),
	})
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	defer svc.Close()

	var mu sync.Mutex
	var names []string
	if _, err := svc.Bus().Subscribe(events.All, func(e events.Event) {
		mu.Lock()
		names = append(names, e.Name)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := svc.Start(context.Background()); err != ErrAlreadyStarted {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}

	params, err := svc.Params()
	if err != nil {
		t.Fatalf("params failed: %v", err)
	}
	if params.Values["utm_source"] != "news" || params.Values["utm_medium"] != "email" {
		t.Fatalf("expected tracked query params, got %+v", params.Values)
	}
	if params.Has("other") {
		t.Fatalf("untracked params must not be captured")
	}
	mu.Lock()
	got := append([]string(nil), names...)
	mu.Unlock()
	if len(got) != 2 || got[0] != events.IDCreated || got[1] != events.Ready {
		t.Fatalf("expected idCreated then ready, got %v", got)
	}
}

func TestUpdatedSignalTriggersReload(t *testing.T) {
	svc, err := New(localConfig(), Options{IPResolver: ipinfo.Static("")})
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	defer svc.Close()

	reloaded := make(chan struct{}, 1)
	if _, err := svc.Bus().Subscribe(events.Reloaded, func(events.Event) {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	svc.Bus().Emit(events.Updated, nil)
	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected reloaded after updated signal")
	}
}

// endpoint is an httptest handler that keeps the newest record it has seen.
type endpoint struct {
	mu     sync.Mutex
	data   string
	clock  int64
	posts  int
	gets   int
	posted chan struct{}
}

func newEndpoint() *endpoint {
	return &endpoint{posted: make(chan struct{}, 16)}
}

func (e *endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodPost:
		e.posts++
		var body struct {
			Data string `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		rec, err := remotesync.DecodeRecord(body.Data)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp := remotesync.Response{UpdatedTime: e.clock, Data: e.data}
		if rec.UpdatedAt > e.clock {
			e.data, e.clock = body.Data, rec.UpdatedAt
			resp = remotesync.Response{Updated: true, UpdatedTime: e.clock}
		}
		_ = json.NewEncoder(w).Encode(resp)
		select {
		case e.posted <- struct{}{}:
		default:
		}
	case http.MethodGet:
		e.gets++
		since, _ := strconv.ParseInt(r.URL.Query().Get(remotesync.ClockQueryParam), 10, 64)
		resp := remotesync.Response{UpdatedTime: e.clock}
		if e.data != "" && e.clock > since {
			resp.Data = e.data
		}
		_ = json.NewEncoder(w).Encode(resp)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (e *endpoint) snapshot() (string, int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data, e.clock
}

func remoteConfig(url string) config.Config {
	cfg := localConfig()
	cfg.RemoteSync = true
	cfg.RemoteEndpoint = url
	cfg.AllowInsecureEndpoint = true
	cfg.SyncTimeout = 5 * time.Second
	return cfg
}

func TestStartPushesNewVisitorToEndpoint(t *testing.T) {
	ep := newEndpoint()
	server := httptest.NewServer(ep)
	defer server.Close()

	svc, err := New(remoteConfig(server.URL), Options{
		Page:       StaticPage{PageURL: "https://shop.example.com/?gclid=abc", Agent: "UA/2.0", Referer: "https://search.example"},
		HTTPClient: server.Client(),
		IPResolver: ipinfo.Static("198.51.100.1"),
		Now:        fixedNow(7000),
	})
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	defer svc.Close()

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	select {
	case <-ep.posted:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the initial sync to post")
	}

	data, clock := ep.snapshot()
	if clock != 7000 {
		t.Fatalf("expected endpoint clock 7000, got %d", clock)
	}
	rec, err := remotesync.DecodeRecord(data)
	if err != nil {
		t.Fatalf("endpoint data is not decodable: %v", err)
	}
	id, _, _ := svc.RetrieveOrCreateID(context.Background(), false)
	if rec.ID != id || rec.UserAgent != "UA/2.0" || rec.Referer != "https://search.example" {
		t.Fatalf("unexpected posted record: %+v", rec)
	}
	if rec.Params == nil || rec.Params.Values["gclid"] != "abc" {
		t.Fatalf("expected gclid in posted params, got %+v", rec.Params)
	}
}

func TestSyncAdoptsRemoteVisitor(t *testing.T) {
	ep := newEndpoint()
	params := record.NewParams()
	params.Values["utm_source"] = "remote"
	params.Timestamp = 100
	data, err := remotesync.EncodeRecord(record.Record{ID: "remote-visitor", Params: &params, CreatedAt: 100, UpdatedAt: 9000})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	ep.data, ep.clock = data, 9000
	server := httptest.NewServer(ep)
	defer server.Close()

	svc, err := New(remoteConfig(server.URL), Options{
		HTTPClient: server.Client(),
		IPResolver: ipinfo.Static(""),
	})
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	defer svc.Close()

	outcome, err := svc.Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if outcome.Action != remotesync.ActionGetFull || !outcome.Applied {
		t.Fatalf("expected applied GET_FULL, got %+v", outcome)
	}
	id, ok, _ := svc.RetrieveOrCreateID(context.Background(), false)
	if !ok || id != "remote-visitor" {
		t.Fatalf("expected remote visitor id, got %q", id)
	}
	got, err := svc.Params()
	if err != nil {
		t.Fatalf("params failed: %v", err)
	}
	if got.Values["utm_source"] != "remote" {
		t.Fatalf("expected remote params, got %+v", got.Values)
	}
	if rt := svc.Store().LoadInt64(record.KeyRemoteUpdatedAt); rt != 9000 {
		t.Fatalf("expected remote clock 9000, got %d", rt)
	}

	// Equal clocks on the next run: nothing moves.
	outcome, err = svc.Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if outcome.Action != remotesync.ActionGetCheck || outcome.Applied || outcome.Resync != nil {
		t.Fatalf("expected a no-op GET_CHECK, got %+v", outcome)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := localConfig()
	cfg.RemoteSync = true
	cfg.RemoteEndpoint = "http://sync.example.com"
	if _, err := New(cfg, Options{}); err == nil {
		t.Fatalf("expected insecure endpoint to be rejected")
	}
}
