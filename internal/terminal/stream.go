package terminal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/dmansilva/stockhold/internal/domain"
)

// Stream is the terminal's live view of the broadcast feed. Events are
// applied to the client's cache before being forwarded, so the cache stays
// current even when the consumer ignores the channel.
type Stream struct {
	events chan domain.Event
	errs   chan error
	cancel context.CancelFunc
}

// Events returns the decoded broadcast events. Closed when the stream ends.
func (s *Stream) Events() <-chan domain.Event { return s.events }

// Errors reports stream failures; a read from it means the stream is dead
// and the caller should reconnect.
func (s *Stream) Errors() <-chan error { return s.errs }

// Close tears the stream down.
func (s *Stream) Close() error {
	s.cancel()
	return nil
}

// Subscribe opens the SSE feed for this session. Opening the feed is what
// registers the session as connected on the server; closing it (or losing
// the connection) is the disconnect signal that releases the session's
// holdings server-side.
func (c *Client) Subscribe(ctx context.Context) (*Stream, error) {
	streamURL := fmt.Sprintf("%s/events?session_id=%s&user_id=%s",
		c.baseURL, url.QueryEscape(c.sessionID), url.QueryEscape(c.userID))

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives any per-request timeout on the shared client.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("event stream returned %d", resp.StatusCode)
	}

	s := &Stream{
		events: make(chan domain.Event, 16),
		errs:   make(chan error, 1),
		cancel: cancel,
	}

	go c.consume(ctx, resp, s)
	return s, nil
}

// consume reads SSE frames until the connection drops.
func (c *Client) consume(ctx context.Context, resp *http.Response, s *Stream) {
	defer resp.Body.Close()
	defer close(s.events)

	var eventName string
	var data strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName != "" && data.Len() > 0 {
				c.dispatch(ctx, s, eventName, data.String())
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		case strings.HasPrefix(line, ":"):
			// Keepalive comment.
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		select {
		case s.errs <- err:
		default:
		}
	}
}

// dispatch decodes one frame, applies it to the cache, and forwards it.
func (c *Client) dispatch(ctx context.Context, s *Stream, name, payload string) {
	ev, err := decodeEvent(name, []byte(payload))
	if err != nil {
		c.logger.Warn("dropping undecodable event",
			slog.String("event", name),
			slog.String("error", err.Error()),
		)
		return
	}
	if ev == nil {
		// Frames like "connected" carry no availability data.
		return
	}

	c.applyToCache(ev)

	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// applyToCache folds an event into the local availability cache.
func (c *Client) applyToCache(ev domain.Event) {
	switch e := ev.(type) {
	case domain.Reserved:
		c.cache.Apply(Snapshot{ProductID: e.ProductID, Total: e.Total, Available: e.Available, At: e.At})
	case domain.Released:
		c.cache.Apply(Snapshot{ProductID: e.ProductID, Total: e.Total, Available: e.Available, At: e.At})
		if e.SessionID == c.sessionID {
			// The server closed our own holding (AFK or disconnect race);
			// drop it locally so the heartbeat stops renewing a ghost.
			c.mu.Lock()
			delete(c.holdings, e.ProductID)
			c.mu.Unlock()
		}
	case domain.InventoryChanged:
		// Catalog-level change: re-query rather than trust the snapshot.
		c.cache.Invalidate(e.ProductID)
	case domain.ExpiredBatchCleared:
		for _, ps := range e.Products {
			c.cache.Apply(Snapshot{ProductID: ps.ProductID, Total: ps.Total, Available: ps.Available, At: e.At})
		}
	}
}

// decodeEvent maps an SSE event name to its concrete variant. Unknown
// names return (nil, nil): a newer server may emit events this terminal
// does not know yet, and they must not kill the stream.
func decodeEvent(name string, payload []byte) (domain.Event, error) {
	switch name {
	case "reserved":
		var e domain.Reserved
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case "released":
		var e domain.Released
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case "inventory_changed":
		var e domain.InventoryChanged
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case "expired_batch_cleared":
		var e domain.ExpiredBatchCleared
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, nil
	}
}
