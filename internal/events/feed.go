package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// Feed relays "updated" signals pushed by the remote endpoint over a
// websocket onto the bus.
type Feed struct {
	url       string
	bus       *Bus
	logger    Logger
	baseDelay time.Duration
	maxDelay  time.Duration
}

type feedMessage struct {
	Event       string `json:"event"`
	UpdatedTime int64  `json:"updatedTime,omitempty"`
}

func NewFeed(url string, bus *Bus, logger Logger) *Feed {
	return &Feed{
		url:       strings.TrimSpace(url),
		bus:       bus,
		logger:    logger,
		baseDelay: 500 * time.Millisecond,
		maxDelay:  30 * time.Second,
	}
}

// Run keeps a connection open until ctx ends, reconnecting with capped
// exponential backoff.
func (f *Feed) Run(ctx context.Context) error {
	if f.url == "" || f.bus == nil {
		return errors.New("feed url and bus are required")
	}
	delay := f.baseDelay
	for {
		err := f.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			delay = f.baseDelay
		} else {
			f.logf("events feed disconnected: %v", err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > f.maxDelay {
			delay = f.maxDelay
		}
	}
}

func (f *Feed) runOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg feedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logf("ignoring malformed feed message: %v", err)
			continue
		}
		if msg.Event != Updated {
			continue
		}
		f.bus.Emit(Updated, msg.UpdatedTime)
	}
}

func (f *Feed) logf(format string, args ...any) {
	if f.logger == nil {
		return
	}
	f.logger.Printf(format, args...)
}
