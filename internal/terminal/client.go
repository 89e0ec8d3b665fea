package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dmansilva/stockhold/internal/domain"
)

// Options configures a terminal Client. Zero values get sensible defaults.
type Options struct {
	BaseURL   string
	SessionID string
	UserID    string

	HTTPClient        *http.Client
	HeartbeatInterval time.Duration
	CacheStaleAfter   time.Duration
	Logger            *slog.Logger
}

// Client is a terminal's handle on the reservation server. It tracks what
// the terminal currently holds, renews those holdings on a heartbeat, and
// keeps a local availability cache fed by API responses and broadcast
// events. Close releases everything the terminal still holds.
type Client struct {
	baseURL   string
	sessionID string
	userID    string

	http   *http.Client
	cache  *Cache
	logger *slog.Logger

	heartbeatInterval time.Duration

	mu       sync.Mutex
	holdings map[string]int64
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewClient creates a Client and starts its heartbeat loop.
func NewClient(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 2 * time.Minute
	}
	if opts.CacheStaleAfter <= 0 {
		opts.CacheStaleAfter = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Client{
		baseURL:           opts.BaseURL,
		sessionID:         opts.SessionID,
		userID:            opts.UserID,
		http:              opts.HTTPClient,
		cache:             NewCache(opts.CacheStaleAfter),
		logger:            opts.Logger,
		heartbeatInterval: opts.HeartbeatInterval,
		holdings:          make(map[string]int64),
		stop:              make(chan struct{}),
	}

	c.wg.Add(1)
	go c.heartbeatLoop()

	return c
}

// SessionID returns the session this client acts as.
func (c *Client) SessionID() string { return c.sessionID }

// Cache returns the client's local availability cache.
func (c *Client) Cache() *Cache { return c.cache }

// transientBackoff bounds retries against a flapping server or store.
func transientBackoff() retry.Backoff {
	return retry.WithMaxRetries(4, retry.NewFibonacci(100 * time.Millisecond))
}

// Reserve claims a desired total quantity of a product for this session.
// On success the local cache and holdings are updated; a 409 comes back as
// a StockShortfall carrying the server's figures.
func (c *Client) Reserve(ctx context.Context, productID string, quantity int64) (domain.Availability, error) {
	var avail domain.Availability
	err := c.doJSON(ctx, http.MethodPost, "/reservations", map[string]any{
		"session_id": c.sessionID,
		"user_id":    c.userID,
		"product_id": productID,
		"quantity":   quantity,
	}, &avail)
	if err != nil {
		return domain.Availability{}, err
	}

	c.mu.Lock()
	if !avail.Service {
		c.holdings[productID] = quantity
	}
	c.mu.Unlock()

	c.cache.Apply(Snapshot{
		ProductID: productID,
		Total:     avail.Total,
		Available: avail.Available,
		At:        time.Now(),
	})
	return avail, nil
}

// Release gives back quantity of a product; quantity <= 0 releases the full
// holding. Releasing something the terminal does not hold is a no-op.
func (c *Client) Release(ctx context.Context, productID string, quantity int64) error {
	var resp struct {
		Released int `json:"released"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/releases", map[string]any{
		"session_id": c.sessionID,
		"product_id": productID,
		"quantity":   quantity,
	}, &resp)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if quantity > 0 && quantity < c.holdings[productID] {
		c.holdings[productID] -= quantity
	} else {
		delete(c.holdings, productID)
	}
	c.mu.Unlock()

	c.cache.Invalidate(productID)
	return nil
}

// ReleaseAll gives back everything this session holds.
func (c *Client) ReleaseAll(ctx context.Context) error {
	var resp struct {
		Released int `json:"released"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/releases", map[string]any{
		"session_id": c.sessionID,
	}, &resp)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for productID := range c.holdings {
		c.cache.Invalidate(productID)
	}
	c.holdings = make(map[string]int64)
	c.mu.Unlock()
	return nil
}

// Availability answers from the local cache when fresh and falls through
// to the server otherwise. The server figure excludes this session's own
// holding.
func (c *Client) Availability(ctx context.Context, productID string) (domain.Availability, error) {
	if snap, ok := c.cache.Get(productID); ok {
		return domain.Availability{
			ProductID: productID,
			Total:     snap.Total,
			Available: snap.Available,
		}, nil
	}

	var avail domain.Availability
	path := fmt.Sprintf("/products/%s/availability?session_id=%s",
		url.PathEscape(productID), url.QueryEscape(c.sessionID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &avail); err != nil {
		return domain.Availability{}, err
	}

	c.cache.Apply(Snapshot{
		ProductID: productID,
		Total:     avail.Total,
		Available: avail.Available,
		At:        time.Now(),
	})
	return avail, nil
}

// Heartbeat renews all of this session's holdings once.
func (c *Client) Heartbeat(ctx context.Context) (int, error) {
	var resp struct {
		Renewed int `json:"renewed"`
	}
	path := fmt.Sprintf("/sessions/%s/heartbeat", url.PathEscape(c.sessionID))
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]any{}, &resp); err != nil {
		return 0, err
	}
	return resp.Renewed, nil
}

// Commit converts the session's holdings to committed kind.
func (c *Client) Commit(ctx context.Context) (int, error) {
	var resp struct {
		Committed int `json:"committed"`
	}
	path := fmt.Sprintf("/sessions/%s/commit", url.PathEscape(c.sessionID))
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]any{}, &resp); err != nil {
		return 0, err
	}
	return resp.Committed, nil
}

// Checkout finalizes the sale: the server decrements stock for good and
// releases the holdings, so the local view is cleared too.
func (c *Client) Checkout(ctx context.Context) error {
	path := fmt.Sprintf("/checkout/%s", url.PathEscape(c.sessionID))
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]any{}, &resp); err != nil {
		return err
	}

	c.mu.Lock()
	for productID := range c.holdings {
		c.cache.Invalidate(productID)
	}
	c.holdings = make(map[string]int64)
	c.mu.Unlock()
	return nil
}

// Holdings returns a copy of what the terminal believes it holds.
func (c *Client) Holdings() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.holdings))
	for k, v := range c.holdings {
		out[k] = v
	}
	return out
}

// Close stops the heartbeat loop and proactively releases everything the
// terminal still holds rather than waiting for the server's sweeps.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stop)
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ReleaseAll(ctx); err != nil {
		c.logger.Warn("release on close failed; server sweeps will reclaim",
			slog.String("session_id", c.sessionID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// heartbeatLoop renews holdings on a fixed cadence for as long as the
// terminal holds anything.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := len(c.holdings) == 0
			c.mu.Unlock()
			if idle {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.heartbeatInterval/2)
			renewed, err := c.Heartbeat(ctx)
			cancel()
			if err != nil {
				c.logger.Warn("heartbeat failed",
					slog.String("session_id", c.sessionID),
					slog.String("error", err.Error()),
				)
				continue
			}
			c.logger.Debug("heartbeat",
				slog.String("session_id", c.sessionID),
				slog.Int("renewed", renewed),
			)
		}
	}
}

// apiError is the server's standard error body.
type apiError struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	ProductID string `json:"product_id"`
	Requested int64  `json:"requested"`
	Available int64  `json:"available"`
}

// doJSON performs one API call with bounded retries on transport failures
// and 503s. Business rejections (4xx) are never retried.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	return retry.Do(ctx, transientBackoff(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusServiceUnavailable {
			return retry.RetryableError(fmt.Errorf("%w: server reported store outage", domain.ErrTransientStore))
		}
		if resp.StatusCode >= 400 {
			return decodeAPIError(resp)
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}

// decodeAPIError turns an error response back into the matching domain
// error so callers use the same errors.Is/As paths on both sides.
func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var e apiError
	if err := json.Unmarshal(raw, &e); err != nil {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, raw)
	}

	switch e.Error {
	case "insufficient_stock":
		return &domain.StockShortfall{
			ProductID: e.ProductID,
			Requested: e.Requested,
			Available: e.Available,
		}
	case "product_not_found":
		return fmt.Errorf("%w: %s", domain.ErrProductNotFound, e.Message)
	case "validation_error", "invalid_request":
		return &domain.ValidationError{Message: e.Message}
	default:
		return fmt.Errorf("server returned %d (%s): %s", resp.StatusCode, e.Error, e.Message)
	}
}
