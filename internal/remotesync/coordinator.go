// Package remotesync reconciles local visitor state with a remote endpoint.
//
// A Coordinator owns the sync lock. Each Sync picks one action from the
// local and last-known remote clocks:
//
//	POST      local state exists and is newer than the remote (or forced)
//	GET_CHECK local state exists and is not newer; the endpoint is told the
//	          local clock so it only answers with newer data
//	GET_FULL  nothing usable locally; fetch whatever the endpoint has
//
// Clocks only ever move state when one is strictly greater than the other.
// Equal clocks never transfer data in either direction, which keeps two
// clients on the same endpoint from re-applying each other forever.
package remotesync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentworkforce/visitorsync/internal/events"
	"github.com/agentworkforce/visitorsync/internal/localstore"
	"github.com/agentworkforce/visitorsync/internal/record"
)

var (
	ErrSyncDisabled = errors.New("remote sync is not configured")
	// ErrSyncInFlight is returned while another sync holds the lock or a
	// local write batch is still open.
	ErrSyncInFlight = errors.New("sync already in flight")
)

const DefaultSyncTimeout = 15 * time.Second

type State int

const (
	StateIdle State = iota
	StateLocked
)

func (s State) String() string {
	if s == StateLocked {
		return "locked"
	}
	return "idle"
}

type Action string

const (
	ActionPost     Action = "POST"
	ActionGetFull  Action = "GET_FULL"
	ActionGetCheck Action = "GET_CHECK"
)

// Outcome describes what one Sync call did.
type Outcome struct {
	Action Action
	// Accepted is set when the endpoint took a POST.
	Accepted bool
	// Applied is set when remote data replaced local state.
	Applied bool
	// ClockStored is set when only the remote clock was recorded.
	ClockStored bool
	// Resync is the forced follow-up sync issued after a GET_CHECK found the
	// local state newer than the endpoint.
	Resync *Outcome
	Err    error
}

type Logger interface {
	Printf(format string, args ...any)
}

type CoordinatorOptions struct {
	Enabled   bool
	Client    RemoteClient
	Store     *localstore.Store
	Bus       *events.Bus
	UserAgent func() string
	Referrer  func() string
	// Timeout bounds one sync attempt, so a stalled request cannot hold the
	// lock indefinitely. Zero uses DefaultSyncTimeout; negative disables it.
	Timeout time.Duration
	Logger  Logger
}

type Coordinator struct {
	enabled   bool
	client    RemoteClient
	store     *localstore.Store
	bus       *events.Bus
	userAgent func() string
	referrer  func() string
	timeout   time.Duration
	logger    Logger

	mu         sync.Mutex
	state      State
	generation uint64
	writers    int
	idle       chan struct{}
	last       Outcome
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultSyncTimeout
	}
	userAgent := opts.UserAgent
	if userAgent == nil {
		userAgent = func() string { return "" }
	}
	referrer := opts.Referrer
	if referrer == nil {
		referrer = func() string { return "" }
	}
	return &Coordinator{
		enabled:   opts.Enabled && opts.Client != nil && opts.Store != nil,
		client:    opts.Client,
		store:     opts.Store,
		bus:       opts.Bus,
		userAgent: userAgent,
		referrer:  referrer,
		timeout:   timeout,
		logger:    opts.Logger,
	}
}

func (c *Coordinator) Enabled() bool {
	return c.enabled
}

// Locked reports whether a sync holds the lock.
func (c *Coordinator) Locked() bool {
	return c.State() == StateLocked
}

// BeginWrite admits one local write batch. It is refused while a sync holds
// the lock; while it is open, acquire refuses new syncs. The returned func
// ends the batch and may be called more than once.
func (c *Coordinator) BeginWrite() (func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateLocked {
		return nil, false
	}
	c.writers++
	c.markBusy()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.writers--
			c.markIdleIfQuiet()
		})
	}, true
}

// WaitIdle blocks until no sync holds the lock and no write batch is open.
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// markBusy and markIdleIfQuiet must be called with mu held.
func (c *Coordinator) markBusy() {
	if c.idle == nil {
		c.idle = make(chan struct{})
	}
}

func (c *Coordinator) markIdleIfQuiet() {
	if c.state == StateLocked || c.writers > 0 || c.idle == nil {
		return
	}
	close(c.idle)
	c.idle = nil
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) LastOutcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// acquire moves Idle to Locked and returns the generation that owns the
// lock.
func (c *Coordinator) acquire() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateLocked || c.writers > 0 {
		return 0, false
	}
	c.state = StateLocked
	c.generation++
	c.markBusy()
	return c.generation, true
}

// release moves Locked back to Idle if token still owns the lock. Calling it
// again, or after another sync took the lock, does nothing.
func (c *Coordinator) release(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateLocked && c.generation == token {
		c.state = StateIdle
		c.markIdleIfQuiet()
	}
}

// Sync runs one synchronization attempt. Transport and decode failures are
// logged and recorded in LastOutcome but not returned; the only errors are
// ErrSyncDisabled and ErrSyncInFlight.
func (c *Coordinator) Sync(ctx context.Context, force bool) error {
	_, err := c.SyncOutcome(ctx, force)
	return err
}

func (c *Coordinator) SyncOutcome(ctx context.Context, force bool) (Outcome, error) {
	return c.sync(ctx, force, true)
}

func (c *Coordinator) sync(ctx context.Context, force, allowResync bool) (Outcome, error) {
	if !c.enabled {
		return Outcome{}, ErrSyncDisabled
	}
	token, ok := c.acquire()
	if !ok {
		c.logf("sync already in flight; skipping")
		return Outcome{}, ErrSyncInFlight
	}
	defer c.release(token)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	local := c.localData()
	hasLocal := local.PresentFields() >= 2
	localClock := local.UpdatedAt
	remoteClock := c.store.LoadInt64(record.KeyRemoteUpdatedAt)
	action := chooseAction(hasLocal, force, localClock, remoteClock)

	outcome := Outcome{Action: action}
	if action == ActionPost {
		c.post(ctx, token, local, &outcome)
	} else {
		c.get(ctx, token, action, local, allowResync, &outcome)
	}

	c.mu.Lock()
	c.last = outcome
	c.mu.Unlock()
	return outcome, nil
}

// chooseAction picks the sync action. POST wins whenever there is local
// data and it is forced or strictly newer than the last remote clock seen.
func chooseAction(hasLocal, force bool, localClock, remoteClock int64) Action {
	if !hasLocal {
		return ActionGetFull
	}
	if force || localClock > remoteClock {
		return ActionPost
	}
	return ActionGetCheck
}

func (c *Coordinator) localData() record.Record {
	var out record.Record
	var id string
	if ok, _ := c.store.Load(record.KeyID, &id); ok {
		out.ID = id
	}
	params := record.NewParams()
	if ok, _ := c.store.Load(record.KeyParams, &params); ok {
		out.Params = &params
	}
	out.CreatedAt = c.store.LoadInt64(record.KeyCreatedAt)
	out.UpdatedAt = c.store.LoadInt64(record.KeyUpdatedAt)
	return out
}

func (c *Coordinator) post(ctx context.Context, token uint64, local record.Record, outcome *Outcome) {
	payload := local
	payload.UserAgent = c.userAgent()
	payload.Referer = c.referrer()
	data, err := EncodeRecord(payload)
	if err != nil {
		c.fail(outcome, "encode sync payload", err)
		return
	}
	resp, err := c.client.Push(ctx, data)
	if err != nil {
		c.fail(outcome, "remote sync post", err)
		return
	}

	switch {
	case resp.Updated:
		c.release(token)
		outcome.Accepted = true
		if resp.UpdatedTime > 0 {
			outcome.ClockStored = c.storeRemoteClock(resp.UpdatedTime)
		}
	case resp.Data != "":
		c.release(token)
		remote, err := DecodeRecord(resp.Data)
		if err != nil {
			c.fail(outcome, "decode remote data", err)
			return
		}
		remoteClock := remoteClockOf(remote, resp)
		if c.applyIfNewer(remote, remoteClock, local.UpdatedAt) {
			outcome.Applied = true
			return
		}
		clock := resp.UpdatedTime
		if clock == 0 {
			clock = remoteClock
		}
		if clock > 0 {
			outcome.ClockStored = c.storeRemoteClock(clock)
		}
	default:
		c.logf("remote sync post: endpoint returned no remote data")
	}
}

func (c *Coordinator) get(ctx context.Context, token uint64, action Action, local record.Record, allowResync bool, outcome *Outcome) {
	var since int64
	if action == ActionGetCheck {
		since = local.UpdatedAt
	}
	resp, err := c.client.Fetch(ctx, since)
	if err != nil {
		c.fail(outcome, "remote sync get", err)
		return
	}

	if resp.Data != "" {
		remote, err := DecodeRecord(resp.Data)
		if err != nil {
			c.fail(outcome, "decode remote data", err)
			return
		}
		remoteClock := remoteClockOf(remote, resp)
		if remoteClock > local.UpdatedAt {
			c.release(token)
			outcome.Applied = c.applyIfNewer(remote, remoteClock, local.UpdatedAt)
		}
		return
	}

	if !resp.Updated && action == ActionGetCheck && local.UpdatedAt > resp.UpdatedTime {
		if !allowResync {
			return
		}
		c.release(token)
		c.logf("local state is newer than remote (%d > %d); pushing", local.UpdatedAt, resp.UpdatedTime)
		resync, err := c.sync(ctx, true, false)
		if err != nil {
			c.logf("follow-up sync skipped: %v", err)
			return
		}
		outcome.Resync = &resync
	}
}

// applyIfNewer replaces local state with remote when remoteClock is strictly
// greater than localClock. Every field goes out in one store batch; a batch
// the write guard refuses writes nothing and emits nothing.
func (c *Coordinator) applyIfNewer(remote record.Record, remoteClock, localClock int64) bool {
	if remoteClock <= localClock {
		return false
	}
	entries := make([]localstore.Entry, 0, 5)
	if remote.ID != "" {
		entries = append(entries, localstore.Entry{Key: record.KeyID, Value: remote.ID})
	}
	if remote.Params != nil {
		entries = append(entries, localstore.Entry{Key: record.KeyParams, Value: *remote.Params})
	}
	if remote.CreatedAt != 0 {
		entries = append(entries, localstore.Entry{Key: record.KeyCreatedAt, Value: remote.CreatedAt})
	}
	if remote.UpdatedAt != 0 {
		entries = append(entries, localstore.Entry{Key: record.KeyUpdatedAt, Value: remote.UpdatedAt})
	}
	remoteUpdatedAt := remote.RemoteUpdatedAt
	if remoteUpdatedAt == 0 {
		remoteUpdatedAt = remoteClock
	}
	entries = append(entries, localstore.Entry{Key: record.KeyRemoteUpdatedAt, Value: remoteUpdatedAt})

	written, err := c.store.SaveAll(entries...)
	if err != nil {
		c.logf("apply remote data failed: %v", err)
		return false
	}
	if !written {
		c.logf("refusing to apply remote data while a sync holds the lock")
		return false
	}
	if c.bus != nil {
		c.bus.Emit(events.RemoteSyncApplied, remote)
	}
	return true
}

func (c *Coordinator) storeRemoteClock(clock int64) bool {
	written, err := c.store.TrySave(record.KeyRemoteUpdatedAt, clock)
	if err != nil {
		c.logf("store remote clock failed: %v", err)
		return false
	}
	return written
}


// remoteClockOf is the payload updatedAt, or the response clock when the
// payload has none.
func remoteClockOf(remote record.Record, resp Response) int64 {
	if remote.UpdatedAt != 0 {
		return remote.UpdatedAt
	}
	return resp.UpdatedTime
}

func (c *Coordinator) fail(outcome *Outcome, what string, err error) {
	outcome.Err = err
	c.logf("%s failed: %v", what, err)
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
