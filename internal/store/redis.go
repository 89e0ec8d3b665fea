package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dmansilva/stockhold/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisLedger is a LedgerStore backed by Redis so the ledger survives a
// process restart. One authoritative process owns the ledger, so the
// per-product serialization still lives in the reservation service; Redis
// provides durability and single-command atomicity, not coordination.
//
// Layout (all keys namespaced per deployment):
//
//	stockhold:{ns}:entry:{id}              hash, full entry
//	stockhold:{ns}:active:product:{pid}    set of active entry IDs
//	stockhold:{ns}:active:session:{sid}    set of active entry IDs
//	stockhold:{ns}:active:renewal          zset, score = LastRenewedAt (unix nanos)
//	stockhold:{ns}:history:product:{pid}   list of entry IDs, append order
type RedisLedger struct {
	rdb       *redis.Client
	namespace string
}

// NewRedisLedger creates a ledger client for the given namespace.
func NewRedisLedger(opts *redis.Options, namespace string) (*RedisLedger, error) {
	if namespace == "" {
		return nil, fmt.Errorf("ledger namespace cannot be empty")
	}
	return &RedisLedger{rdb: redis.NewClient(opts), namespace: namespace}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (r *RedisLedger) Close() error { return r.rdb.Close() }

// Ping verifies Redis connectivity. Useful for health checks.
func (r *RedisLedger) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *RedisLedger) entryKey(id string) string {
	return fmt.Sprintf("stockhold:%s:entry:%s", r.namespace, id)
}

func (r *RedisLedger) productKey(productID string) string {
	return fmt.Sprintf("stockhold:%s:active:product:%s", r.namespace, productID)
}

func (r *RedisLedger) sessionKey(sessionID string) string {
	return fmt.Sprintf("stockhold:%s:active:session:%s", r.namespace, sessionID)
}

func (r *RedisLedger) renewalKey() string {
	return fmt.Sprintf("stockhold:%s:active:renewal", r.namespace)
}

func (r *RedisLedger) historyKey(productID string) string {
	return fmt.Sprintf("stockhold:%s:history:product:%s", r.namespace, productID)
}

func (r *RedisLedger) Append(ctx context.Context, e *domain.ReservationEntry) error {
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.entryKey(e.ID), entryToHash(e))
	pipe.SAdd(ctx, r.productKey(e.ProductID), e.ID)
	pipe.SAdd(ctx, r.sessionKey(e.SessionID), e.ID)
	pipe.ZAdd(ctx, r.renewalKey(), redis.Z{Score: float64(e.LastRenewedAt.UnixNano()), Member: e.ID})
	pipe.RPush(ctx, r.historyKey(e.ProductID), e.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapTransient("append entry", err)
	}
	return nil
}

func (r *RedisLedger) UpdateQuantity(ctx context.Context, id string, quantity int64, renewedAt time.Time) error {
	e, err := r.getEntry(ctx, id)
	if err != nil {
		return err
	}
	if e == nil || !e.Active() {
		return nil
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.entryKey(id),
		"quantity", strconv.FormatInt(quantity, 10),
		"last_renewed_at", formatTime(renewedAt),
	)
	pipe.ZAdd(ctx, r.renewalKey(), redis.Z{Score: float64(renewedAt.UnixNano()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapTransient("update quantity", err)
	}
	return nil
}

func (r *RedisLedger) Release(ctx context.Context, id string, cause domain.ReleaseCause, at time.Time) (bool, error) {
	e, err := r.getEntry(ctx, id)
	if err != nil {
		return false, err
	}
	if e == nil || !e.Active() {
		return false, nil
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.entryKey(id),
		"status", string(domain.StatusReleased),
		"release_cause", string(cause),
		"released_at", formatTime(at),
	)
	pipe.SRem(ctx, r.productKey(e.ProductID), id)
	pipe.SRem(ctx, r.sessionKey(e.SessionID), id)
	pipe.ZRem(ctx, r.renewalKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, wrapTransient("release entry", err)
	}
	return true, nil
}

func (r *RedisLedger) Renew(ctx context.Context, sessionID string, at time.Time) (int, error) {
	entries, err := r.ActiveBySession(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	renewed := 0
	pipe := r.rdb.TxPipeline()
	for _, e := range entries {
		if e.Kind != domain.KindSession {
			continue
		}
		pipe.HSet(ctx, r.entryKey(e.ID), "last_renewed_at", formatTime(at))
		pipe.ZAdd(ctx, r.renewalKey(), redis.Z{Score: float64(at.UnixNano()), Member: e.ID})
		renewed++
	}
	if renewed == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, wrapTransient("renew session", err)
	}
	return renewed, nil
}

func (r *RedisLedger) SetSessionKind(ctx context.Context, sessionID string, kind domain.ReservationKind) (int, error) {
	entries, err := r.ActiveBySession(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	changed := 0
	pipe := r.rdb.TxPipeline()
	for _, e := range entries {
		if e.Kind == kind {
			continue
		}
		pipe.HSet(ctx, r.entryKey(e.ID), "kind", string(kind))
		changed++
	}
	if changed == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, wrapTransient("set session kind", err)
	}
	return changed, nil
}

func (r *RedisLedger) ActiveEntry(ctx context.Context, sessionID, productID string) (*domain.ReservationEntry, error) {
	entries, err := r.ActiveBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.ProductID == productID {
			return e, nil
		}
	}
	return nil, nil
}

func (r *RedisLedger) ActiveByProduct(ctx context.Context, productID string) ([]*domain.ReservationEntry, error) {
	return r.activeSet(ctx, r.productKey(productID))
}

func (r *RedisLedger) ActiveBySession(ctx context.Context, sessionID string) ([]*domain.ReservationEntry, error) {
	return r.activeSet(ctx, r.sessionKey(sessionID))
}

func (r *RedisLedger) ActiveOlderThan(ctx context.Context, cutoff time.Time) ([]*domain.ReservationEntry, error) {
	max := strconv.FormatInt(cutoff.UnixNano()-1, 10)
	ids, err := r.rdb.ZRangeByScore(ctx, r.renewalKey(), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return nil, wrapTransient("scan stale entries", err)
	}
	return r.getEntries(ctx, ids)
}

func (r *RedisLedger) History(ctx context.Context, productID string, limit int) ([]*domain.ReservationEntry, error) {
	ids, err := r.rdb.LRange(ctx, r.historyKey(productID), int64(-limit), -1).Result()
	if err != nil {
		return nil, wrapTransient("read history", err)
	}
	entries, err := r.getEntries(ctx, ids)
	if err != nil {
		return nil, err
	}
	// LRange is oldest-first; History reports newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (r *RedisLedger) activeSet(ctx context.Context, key string) ([]*domain.ReservationEntry, error) {
	ids, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrapTransient("read active index", err)
	}
	return r.getEntries(ctx, ids)
}

func (r *RedisLedger) getEntry(ctx context.Context, id string) (*domain.ReservationEntry, error) {
	hash, err := r.rdb.HGetAll(ctx, r.entryKey(id)).Result()
	if err != nil {
		return nil, wrapTransient("read entry", err)
	}
	if len(hash) == 0 {
		return nil, nil
	}
	return hashToEntry(hash)
}

func (r *RedisLedger) getEntries(ctx context.Context, ids []string) ([]*domain.ReservationEntry, error) {
	out := make([]*domain.ReservationEntry, 0, len(ids))
	for _, id := range ids {
		e, err := r.getEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// entryToHash flattens an entry into Redis hash fields.
func entryToHash(e *domain.ReservationEntry) map[string]string {
	h := map[string]string{
		"id":              e.ID,
		"product_id":      e.ProductID,
		"session_id":      e.SessionID,
		"user_id":         e.UserID,
		"quantity":        strconv.FormatInt(e.Quantity, 10),
		"kind":            string(e.Kind),
		"status":          string(e.Status),
		"release_cause":   string(e.ReleaseCause),
		"created_at":      formatTime(e.CreatedAt),
		"last_renewed_at": formatTime(e.LastRenewedAt),
	}
	if e.ReleasedAt != nil {
		h["released_at"] = formatTime(*e.ReleasedAt)
	}
	return h
}

// hashToEntry rebuilds an entry from Redis hash fields.
func hashToEntry(h map[string]string) (*domain.ReservationEntry, error) {
	quantity, err := strconv.ParseInt(h["quantity"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid quantity field: %w", err)
	}
	createdAt, err := parseTime(h["created_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid created_at field: %w", err)
	}
	renewedAt, err := parseTime(h["last_renewed_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid last_renewed_at field: %w", err)
	}

	e := &domain.ReservationEntry{
		ID:            h["id"],
		ProductID:     h["product_id"],
		SessionID:     h["session_id"],
		UserID:        h["user_id"],
		Quantity:      quantity,
		Kind:          domain.ReservationKind(h["kind"]),
		Status:        domain.ReservationStatus(h["status"]),
		ReleaseCause:  domain.ReleaseCause(h["release_cause"]),
		CreatedAt:     createdAt,
		LastRenewedAt: renewedAt,
	}
	if v, ok := h["released_at"]; ok && v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("invalid released_at field: %w", err)
		}
		e.ReleasedAt = &t
	}
	return e, nil
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseTime(s string) (time.Time, error) {
	ns, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, ns).UTC(), nil
}
