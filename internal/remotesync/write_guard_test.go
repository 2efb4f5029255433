package remotesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/visitorsync/internal/attribution"
	"github.com/agentworkforce/visitorsync/internal/events"
	"github.com/agentworkforce/visitorsync/internal/identity"
	"github.com/agentworkforce/visitorsync/internal/localstore"
	"github.com/agentworkforce/visitorsync/internal/record"
)

// hookBackend runs onSet after each successful write, still inside the
// store batch that issued it.
type hookBackend struct {
	*localstore.InMemoryBackend
	mu    sync.Mutex
	onSet func(key string)
}

func (b *hookBackend) Set(key, value string) error {
	if err := b.InMemoryBackend.Set(key, value); err != nil {
		return err
	}
	b.mu.Lock()
	hook := b.onSet
	b.mu.Unlock()
	if hook != nil {
		hook(key)
	}
	return nil
}

func (b *hookBackend) setHook(hook func(key string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSet = hook
}

func newHookFixture(t *testing.T, client *scriptedClient) (*fixture, *hookBackend) {
	t.Helper()
	backend := &hookBackend{InMemoryBackend: localstore.NewInMemoryBackend()}
	logger := &testLogger{}
	store, err := localstore.NewStore(localstore.StoreOptions{Primary: backend, Logger: logger})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	bus := events.NewBus(logger)
	coord := NewCoordinator(CoordinatorOptions{
		Enabled: true,
		Client:  client,
		Store:   store,
		Bus:     bus,
		Logger:  logger,
	})
	store.SetWriteGuard(coord)
	return &fixture{store: store, backend: backend.InMemoryBackend, coord: coord, client: client, bus: bus, logger: logger}, backend
}

func TestSyncDuringApplyIsRefusedAndApplyCompletes(t *testing.T) {
	client := &scriptedClient{}
	f, backend := newHookFixture(t, client)
	f.seed(t, "visitor-local", 500, 1000)
	client.fetchResp = Response{Data: remotePayload(t, "visitor-remote", 1000, "remote")}

	var applied int
	if _, err := f.bus.Subscribe(events.RemoteSyncApplied, func(events.Event) { applied++ }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	var innerErr error
	backend.setHook(func(key string) {
		if key != record.KeyID {
			return
		}
		innerErr = f.coord.Sync(context.Background(), true)
	})

	outcome, err := f.coord.SyncOutcome(context.Background(), false)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	backend.setHook(nil)

	if !errors.Is(innerErr, ErrSyncInFlight) {
		t.Fatalf("expected sync started mid-apply to be refused, got %v", innerErr)
	}
	if pushes, fetches := client.calls(); pushes != 0 || fetches != 1 {
		t.Fatalf("expected only the outer fetch, got %d pushes %d fetches", pushes, fetches)
	}
	if !outcome.Applied || applied != 1 {
		t.Fatalf("expected one applied outcome and event, got applied=%v events=%d", outcome.Applied, applied)
	}
	var id string
	if ok, _ := f.store.Load(record.KeyID, &id); !ok || id != "visitor-remote" {
		t.Fatalf("expected remote id, got %q", id)
	}
	params := record.NewParams()
	if ok, _ := f.store.Load(record.KeyParams, &params); !ok || params.Values["utm_source"] != "remote" {
		t.Fatalf("expected remote params, got %+v", params)
	}
	if got := f.store.LoadInt64(record.KeyUpdatedAt); got != 1000 {
		t.Fatalf("expected local clock 1000, got %d", got)
	}
	if got := f.store.LoadInt64(record.KeyRemoteUpdatedAt); got != 1000 {
		t.Fatalf("expected remote clock 1000, got %d", got)
	}
	if err := f.coord.WaitIdle(context.Background()); err != nil {
		t.Fatalf("expected coordinator idle after apply, got %v", err)
	}
}

func TestApplyRefusedWhileLockedEmitsNothing(t *testing.T) {
	f := newFixture(t, &scriptedClient{})
	f.seed(t, "visitor-local", 500, 500)
	before := f.snapshot(t)

	var applied int
	if _, err := f.bus.Subscribe(events.RemoteSyncApplied, func(events.Event) { applied++ }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	token, _ := f.coord.acquire()
	params := record.NewParams()
	params.Values["utm_source"] = "remote"
	ok := f.coord.applyIfNewer(record.Record{ID: "visitor-remote", Params: &params, UpdatedAt: 900}, 900, 500)
	f.coord.release(token)

	if ok || applied != 0 {
		t.Fatalf("expected refused apply, got ok=%v events=%d", ok, applied)
	}
	after := f.snapshot(t)
	for key, raw := range before {
		if after[key] != raw {
			t.Fatalf("expected %s untouched, got %q", key, after[key])
		}
	}
}

func TestSetParamDuringRoundTripIsDroppedWhole(t *testing.T) {
	client := &scriptedClient{pushResp: Response{Updated: true, UpdatedTime: 1000}}
	f := newFixture(t, client)
	f.seed(t, "visitor-1", 1000, 500)
	state := attribution.New(f.store, attribution.Options{Now: func() time.Time { return time.UnixMilli(5000) }})

	client.onRoundTrip = func(context.Context) error {
		if err := state.SetParam("utm_source", "late", false); err != nil {
			t.Errorf("set param failed: %v", err)
		}
		return nil
	}
	if err := f.coord.Sync(context.Background(), false); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	params, _ := state.Stored()
	if params.Values["utm_source"] != "local" {
		t.Fatalf("expected params untouched during round trip, got %+v", params.Values)
	}
	if got := f.store.LoadInt64(record.KeyUpdatedAt); got != 1000 {
		t.Fatalf("expected local clock untouched, got %d", got)
	}
}

func TestSyncDuringSetParamIsRefusedAndBothKeysLand(t *testing.T) {
	client := &scriptedClient{pushResp: Response{Updated: true, UpdatedTime: 1000}}
	f, backend := newHookFixture(t, client)
	f.seed(t, "visitor-1", 1000, 500)
	state := attribution.New(f.store, attribution.Options{Now: func() time.Time { return time.UnixMilli(5000) }})

	var innerErr error
	backend.setHook(func(key string) {
		if key == record.KeyParams {
			innerErr = f.coord.Sync(context.Background(), true)
		}
	})
	if err := state.SetParam("utm_source", "fresh", false); err != nil {
		t.Fatalf("set param failed: %v", err)
	}
	backend.setHook(nil)

	if !errors.Is(innerErr, ErrSyncInFlight) {
		t.Fatalf("expected sync between params and clock to be refused, got %v", innerErr)
	}
	if pushes, fetches := client.calls(); pushes != 0 || fetches != 0 {
		t.Fatalf("expected no network activity, got %d pushes %d fetches", pushes, fetches)
	}
	params, _ := state.Stored()
	if params.Values["utm_source"] != "fresh" {
		t.Fatalf("expected new param value, got %+v", params.Values)
	}
	if got := f.store.LoadInt64(record.KeyUpdatedAt); got != 5000 {
		t.Fatalf("expected local clock 5000, got %d", got)
	}
}

func TestSyncDuringIDCreationIsRefused(t *testing.T) {
	client := &scriptedClient{}
	f, backend := newHookFixture(t, client)
	mgr := identity.NewManager(f.store, identity.Options{Now: func() time.Time { return time.UnixMilli(7000) }})

	var innerErr error
	backend.setHook(func(key string) {
		if key == record.KeyID {
			innerErr = f.coord.Sync(context.Background(), false)
		}
	})
	id, ok, err := mgr.RetrieveOrCreateID(context.Background(), true)
	backend.setHook(nil)
	if err != nil || !ok || id == "" {
		t.Fatalf("expected id creation, got %q ok=%v err=%v", id, ok, err)
	}
	if !errors.Is(innerErr, ErrSyncInFlight) {
		t.Fatalf("expected sync during id creation to be refused, got %v", innerErr)
	}
	if got := f.store.LoadInt64(record.KeyCreatedAt); got != 7000 {
		t.Fatalf("expected createdAt 7000, got %d", got)
	}
	if got := f.store.LoadInt64(record.KeyUpdatedAt); got != 7000 {
		t.Fatalf("expected updatedAt 7000, got %d", got)
	}
}

func TestWaitIdleUnblocksOnRelease(t *testing.T) {
	f := newFixture(t, &scriptedClient{})
	token, _ := f.coord.acquire()
	done := make(chan error, 1)
	go func() { done <- f.coord.WaitIdle(context.Background()) }()
	select {
	case err := <-done:
		t.Fatalf("expected WaitIdle to block while locked, got %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	f.coord.release(token)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait idle failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected WaitIdle to return after release")
	}

	ctx, cancel := context.WithCancel(context.Background())
	end, ok := f.coord.BeginWrite()
	if !ok {
		t.Fatalf("expected write to be admitted")
	}
	cancel()
	if err := f.coord.WaitIdle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled wait while a write is open, got %v", err)
	}
	end()
	end()
	if err := f.coord.WaitIdle(context.Background()); err != nil {
		t.Fatalf("expected idle after write ended, got %v", err)
	}
}
