package convo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// wsReadLimit caps a single websocket frame.
	wsReadLimit = 1 << 20

	// reconnectBaseDelay is the starting backoff after a dropped
	// connection; it doubles up to reconnectMaxDelay.
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// WSConn is the subset of the websocket connection the stream uses.
type WSConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a websocket connection to the event endpoint.
type Dialer func(ctx context.Context) (WSConn, error)

// DefaultDialer dials the service's event websocket with the bearer
// token attached.
func DefaultDialer(wsURL, token string) Dialer {
	return func(ctx context.Context) (WSConn, error) {
		conn, _, err := websocket.Dial(ctx, wsURL+"?access_token="+token, nil)
		if err != nil {
			return nil, &TransientError{Err: fmt.Errorf("dialing event stream: %w", err)}
		}

		conn.SetReadLimit(wsReadLimit)

		return conn, nil
	}
}

// Stream maintains the websocket connection to the service and decodes
// incoming frames into Events. It reconnects with backoff until the
// context is cancelled.
type Stream struct {
	dial   Dialer
	logger *slog.Logger
}

// NewStream creates an event stream using the given dialer.
func NewStream(dial Dialer, logger *slog.Logger) *Stream {
	return &Stream{dial: dial, logger: logger}
}

// Listen connects and feeds decoded events into out until ctx is
// cancelled. out is closed on return.
func (s *Stream) Listen(ctx context.Context, out chan<- Event) error {
	defer close(out)

	delay := reconnectBaseDelay

	for {
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			s.logger.Warn("event stream connect failed, retrying",
				slog.Duration("backoff", delay),
				slog.String("error", err.Error()),
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}

			delay = min(delay*2, reconnectMaxDelay)

			continue
		}

		delay = reconnectBaseDelay

		s.logger.Info("event stream connected")

		if err := s.readLoop(ctx, conn, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			s.logger.Warn("event stream dropped, reconnecting",
				slog.String("error", err.Error()),
			)
		}
	}
}

// readLoop reads frames until the connection fails or ctx ends.
func (s *Stream) readLoop(ctx context.Context, conn WSConn, out chan<- Event) error {
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}

		for _, ev := range decodeFrame(data, s.logger) {
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// decodeFrame extracts the events from one websocket frame. The service
// batches events in a "payload" array; a frame without one is a single
// bare event. Frames that fail to decode are logged and skipped.
func decodeFrame(data []byte, logger *slog.Logger) []Event {
	payload := gjson.GetBytes(data, "payload")
	if !payload.IsArray() {
		ev, ok := decodeEvent(data, logger)
		if !ok {
			return nil
		}

		return []Event{ev}
	}

	var events []Event

	payload.ForEach(func(_, item gjson.Result) bool {
		if ev, ok := decodeEvent([]byte(item.Raw), logger); ok {
			events = append(events, ev)
		}

		return true
	})

	return events
}

func decodeEvent(data []byte, logger *slog.Logger) (Event, bool) {
	kind := gjson.GetBytes(data, "type").String()
	if kind == "" {
		logger.Debug("skipping frame without event type")

		return Event{}, false
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		logger.Warn("skipping undecodable event",
			slog.String("type", kind),
			slog.String("error", err.Error()),
		)

		return Event{}, false
	}

	return ev, true
}
