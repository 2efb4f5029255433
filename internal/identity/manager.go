// Package identity derives and persists the durable visitor identifier.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/visitorsync/internal/events"
	"github.com/agentworkforce/visitorsync/internal/localstore"
	"github.com/agentworkforce/visitorsync/internal/record"
)

type IPResolver interface {
	ClientIP(ctx context.Context) (string, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Prefix     string
	UserAgent  func() string
	IPResolver IPResolver
	Bus        *events.Bus
	Now        func() time.Time
	Logger     Logger
}

type Manager struct {
	store     *localstore.Store
	prefix    string
	userAgent func() string
	ip        IPResolver
	bus       *events.Bus
	now       func() time.Time
	logger    Logger

	createMu sync.Mutex
}

func NewManager(store *localstore.Store, opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	userAgent := opts.UserAgent
	if userAgent == nil {
		userAgent = func() string { return "" }
	}
	return &Manager{
		store:     store,
		prefix:    opts.Prefix,
		userAgent: userAgent,
		ip:        opts.IPResolver,
		bus:       opts.Bus,
		now:       now,
		logger:    opts.Logger,
	}
}

// RetrieveOrCreateID returns the stored id. When none exists and autoCreate
// is set a new one is derived and persisted together with its creation
// time; otherwise it reports false without touching storage.
func (m *Manager) RetrieveOrCreateID(ctx context.Context, autoCreate bool) (string, bool, error) {
	if id := m.ID(); id != "" {
		return id, true, nil
	}
	if !autoCreate {
		return "", false, nil
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()
	if id := m.ID(); id != "" {
		return id, true, nil
	}

	clientIP := ""
	if m.ip != nil {
		ip, err := m.ip.ClientIP(ctx)
		if err != nil {
			m.logf("client ip lookup failed; deriving id without it: %v", err)
		} else {
			clientIP = ip
		}
	}
	nowMillis := m.now().UnixMilli()
	id := m.prefix + Derive(clientIP, m.userAgent(), nowMillis)

	written, err := m.store.SaveAll(
		localstore.Entry{Key: record.KeyID, Value: id},
		localstore.Entry{Key: record.KeyCreatedAt, Value: nowMillis},
		localstore.Entry{Key: record.KeyUpdatedAt, Value: nowMillis},
	)
	if err != nil {
		return "", false, err
	}
	if !written {
		// The store refused the batch; report the id as not yet created.
		return "", false, nil
	}
	if m.bus != nil {
		m.bus.Emit(events.IDCreated, id)
	}
	return id, true, nil
}

// ID returns the stored id or "".
func (m *Manager) ID() string {
	var id string
	ok, err := m.store.Load(record.KeyID, &id)
	if err != nil {
		m.logf("load visitor id failed: %v", err)
	}
	if !ok {
		return ""
	}
	return id
}

func (m *Manager) CreatedAt() int64 {
	return m.store.LoadInt64(record.KeyCreatedAt)
}

// Derive hashes the observable inputs into a hex digest.
func Derive(clientIP, userAgent string, nowMillis int64) string {
	input := strings.Join([]string{clientIP, userAgent, strconv.FormatInt(nowMillis, 10)}, "|")
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
