// Package attribution captures marketing parameters from the page and keeps
// the first value seen for each of them.
package attribution

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/visitorsync/internal/codec"
	"github.com/agentworkforce/visitorsync/internal/localstore"
	"github.com/agentworkforce/visitorsync/internal/record"
)

// ParamCookiePrefix names the out-of-band per-parameter cookies, e.g.
// vs_param_utm_source. Their values use codec.EncodeText.
const ParamCookiePrefix = "vs_param_"

var DefaultTrackedParams = []string{
	"utm_source",
	"utm_medium",
	"utm_campaign",
	"utm_term",
	"utm_content",
	"gclid",
	"fbclid",
	"msclkid",
	"ref",
}

// CookieSource reads raw cookies by name.
type CookieSource interface {
	Get(name string) (string, bool, error)
}

// Trigger submits a sync without waiting for it.
type Trigger interface {
	Trigger(force bool)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Tracked []string
	PageURL func() string
	Cookies CookieSource
	Trigger Trigger
	Now     func() time.Time
	Logger  Logger
}

type State struct {
	store   *localstore.Store
	tracked []string
	pageURL func() string
	cookies CookieSource
	trigger Trigger
	now     func() time.Time
	logger  Logger

	mu sync.Mutex
}

func New(store *localstore.Store, opts Options) *State {
	tracked := opts.Tracked
	if len(tracked) == 0 {
		tracked = DefaultTrackedParams
	}
	cleaned := make([]string, 0, len(tracked))
	seen := map[string]bool{}
	for _, name := range tracked {
		name = strings.TrimSpace(name)
		if name == "" || name == record.TimestampKey || seen[name] {
			continue
		}
		seen[name] = true
		cleaned = append(cleaned, name)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &State{
		store:   store,
		tracked: cleaned,
		pageURL: opts.PageURL,
		cookies: opts.Cookies,
		trigger: opts.Trigger,
		now:     now,
		logger:  opts.Logger,
	}
}

func (s *State) Tracked() []string {
	return append([]string(nil), s.tracked...)
}

// Stored returns the persisted params and whether any were stored.
func (s *State) Stored() (record.Params, bool) {
	params := record.NewParams()
	ok, err := s.store.Load(record.KeyParams, &params)
	if err != nil {
		s.logf("load params failed: %v", err)
	}
	if !ok {
		return record.NewParams(), false
	}
	if params.Values == nil {
		params.Values = map[string]string{}
	}
	return params, true
}

// GetParams merges stored params with tracked query parameters from the page
// URL and then with per-parameter cookies. Stored values always win; a
// source only fills keys that are still missing.
func (s *State) GetParams() (record.Params, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	params, _ := s.Stored()
	added := 0
	for name, value := range s.fromQuery() {
		if params.Has(name) {
			continue
		}
		params.Values[name] = value
		added++
	}
	for name, value := range s.fromCookies() {
		if params.Has(name) {
			continue
		}
		params.Values[name] = value
		added++
	}
	if added == 0 && params.Timestamp != 0 {
		return params, nil
	}

	nowMillis := s.now().UnixMilli()
	if params.Timestamp == 0 {
		params.Timestamp = nowMillis
	}
	if _, err := s.saveParams(params, nowMillis); err != nil {
		return params, err
	}
	return params, nil
}

// SetParam overwrites name and, when syncNow is set, submits a sync. The sync
// runs in the background; its failures are only logged.
func (s *State) SetParam(name, value string, syncNow bool) error {
	name = strings.TrimSpace(name)
	if name == "" || name == record.TimestampKey {
		return fmt.Errorf("%w: parameter name %q", localstore.ErrInvalidInput, name)
	}
	s.mu.Lock()
	params, _ := s.Stored()
	params.Values[name] = value
	nowMillis := s.now().UnixMilli()
	if params.Timestamp == 0 {
		params.Timestamp = nowMillis
	}
	written, err := s.saveParams(params, nowMillis)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if syncNow && written && s.trigger != nil {
		s.trigger.Trigger(false)
	}
	return nil
}

// saveParams writes params and the local clock as one batch. A batch refused
// by the write guard leaves both keys untouched.
func (s *State) saveParams(params record.Params, nowMillis int64) (bool, error) {
	return s.store.SaveAll(
		localstore.Entry{Key: record.KeyParams, Value: params},
		localstore.Entry{Key: record.KeyUpdatedAt, Value: nowMillis},
	)
}

func (s *State) fromQuery() map[string]string {
	out := map[string]string{}
	if s.pageURL == nil {
		return out
	}
	raw := strings.TrimSpace(s.pageURL())
	if raw == "" {
		return out
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		s.logf("ignoring unparsable page url: %v", err)
		return out
	}
	query := parsed.Query()
	for _, name := range s.tracked {
		value := strings.TrimSpace(query.Get(name))
		if value == "" {
			continue
		}
		out[name] = value
	}
	return out
}

func (s *State) fromCookies() map[string]string {
	out := map[string]string{}
	if s.cookies == nil {
		return out
	}
	for _, name := range s.tracked {
		raw, ok, err := s.cookies.Get(ParamCookiePrefix + name)
		if err != nil || !ok {
			continue
		}
		value, err := codec.DecodeText(raw)
		if err != nil {
			s.logf("ignoring unreadable %s cookie: %v", name, err)
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			out[name] = value
		}
	}
	return out
}

func (s *State) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
