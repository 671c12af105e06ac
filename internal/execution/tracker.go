package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis keys for the stale-order tracker.
const (
	pendingOrderKeyPrefix = "trading:pending_order"
	pendingOrderListKey   = "trading:pending_orders:list"

	// DefaultOrderTimeout is how long a resting limit order may stay
	// unfilled before the tracker cancels it.
	DefaultOrderTimeout = 3 * time.Minute
)

// PendingOrderInfo is the tracker's durable record of one working order.
// Survives process restarts so a crashed session's resting orders still time
// out and get cancelled.
type PendingOrderInfo struct {
	ClientOrderID string    `json:"client_order_id"`
	OrderID       string    `json:"order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Type          string    `json:"type"`
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	PlacedAt      time.Time `json:"placed_at"`
	TimeoutAt     time.Time `json:"timeout_at"`
}

// CancelFunc cancels an order when its timeout elapses.
type CancelFunc func(clientOrderID string) error

// StaleOrderTracker watches working orders in Redis and cancels any still
// unfilled past their timeout.
type StaleOrderTracker struct {
	client        *redis.Client
	mu            sync.RWMutex
	cancelFunc    CancelFunc
	timeout       time.Duration
	checkInterval time.Duration
	stopChan      chan struct{}
	wg            sync.WaitGroup
	running       bool
	logger        zerolog.Logger
}

// NewStaleOrderTracker creates a tracker. timeout <= 0 uses the default.
func NewStaleOrderTracker(client *redis.Client, timeout time.Duration, logger zerolog.Logger) *StaleOrderTracker {
	if timeout <= 0 {
		timeout = DefaultOrderTimeout
	}
	return &StaleOrderTracker{
		client:        client,
		timeout:       timeout,
		checkInterval: 10 * time.Second,
		logger:        logger.With().Str("component", "OrderTracker").Logger(),
	}
}

// SetCancelFunc sets the callback used to cancel timed-out orders.
func (t *StaleOrderTracker) SetCancelFunc(fn CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelFunc = fn
}

// Track records a working order. Called after broker submission.
func (t *StaleOrderTracker) Track(ctx context.Context, info PendingOrderInfo) error {
	if t.client == nil {
		return fmt.Errorf("redis client not available")
	}

	t.mu.RLock()
	timeout := t.timeout
	t.mu.RUnlock()

	if info.PlacedAt.IsZero() {
		info.PlacedAt = time.Now()
	}
	info.TimeoutAt = info.PlacedAt.Add(timeout)

	key := fmt.Sprintf("%s:%s:%s", pendingOrderKeyPrefix, info.Symbol, info.ClientOrderID)
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal order info: %w", err)
	}

	// TTL buffer past the timeout so the monitor sees the record even when
	// a check interval straddles expiry.
	ttl := timeout + time.Minute
	if err := t.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store order in redis: %w", err)
	}
	if err := t.client.SAdd(ctx, pendingOrderListKey, key).Err(); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("Failed to index pending order")
	}

	t.logger.Debug().
		Str("client_order_id", info.ClientOrderID).
		Str("symbol", info.Symbol).
		Time("timeout_at", info.TimeoutAt).
		Msg("Tracking working order")
	return nil
}

// Untrack removes an order from tracking, called on fill or cancel.
func (t *StaleOrderTracker) Untrack(ctx context.Context, symbol, clientOrderID string) {
	if t.client == nil {
		return
	}
	key := fmt.Sprintf("%s:%s:%s", pendingOrderKeyPrefix, symbol, clientOrderID)
	if err := t.client.Del(ctx, key).Err(); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("Failed to remove pending order")
	}
	if err := t.client.SRem(ctx, pendingOrderListKey, key).Err(); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("Failed to unindex pending order")
	}
}

// Pending returns all tracked working orders.
func (t *StaleOrderTracker) Pending(ctx context.Context) ([]PendingOrderInfo, error) {
	if t.client == nil {
		return nil, fmt.Errorf("redis client not available")
	}

	keys, err := t.client.SMembers(ctx, pendingOrderListKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending orders: %w", err)
	}

	var pending []PendingOrderInfo
	for _, key := range keys {
		data, err := t.client.Get(ctx, key).Result()
		if err == redis.Nil {
			t.client.SRem(ctx, pendingOrderListKey, key)
			continue
		} else if err != nil {
			t.logger.Warn().Err(err).Str("key", key).Msg("Failed to read pending order")
			continue
		}

		var info PendingOrderInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			t.logger.Warn().Err(err).Str("key", key).Msg("Failed to decode pending order")
			continue
		}
		pending = append(pending, info)
	}
	return pending, nil
}

// Start launches the background timeout monitor.
func (t *StaleOrderTracker) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stopChan = make(chan struct{})
	t.mu.Unlock()

	t.wg.Add(1)
	go t.monitorLoop()
	t.logger.Info().Dur("check_interval", t.checkInterval).Msg("Stale order monitor started")
}

// Stop halts the background monitor and waits for it to exit.
func (t *StaleOrderTracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopChan)
	t.mu.Unlock()

	t.wg.Wait()
	t.logger.Info().Msg("Stale order monitor stopped")
}

func (t *StaleOrderTracker) monitorLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *StaleOrderTracker) sweep() {
	ctx := context.Background()

	pending, err := t.Pending(ctx)
	if err != nil {
		t.logger.Error().Err(err).Msg("Failed to sweep pending orders")
		return
	}

	now := time.Now()
	t.mu.RLock()
	cancelFunc := t.cancelFunc
	t.mu.RUnlock()

	for _, info := range pending {
		if now.Before(info.TimeoutAt) {
			continue
		}

		t.logger.Info().
			Str("client_order_id", info.ClientOrderID).
			Str("symbol", info.Symbol).
			Dur("age", now.Sub(info.PlacedAt).Round(time.Second)).
			Msg("Order timed out, cancelling")

		if cancelFunc != nil {
			if err := cancelFunc(info.ClientOrderID); err != nil {
				t.logger.Error().Err(err).
					Str("client_order_id", info.ClientOrderID).
					Msg("Failed to cancel timed-out order")
			}
		}
		// Removed from tracking either way so a dead order is not
		// re-cancelled every sweep.
		t.Untrack(ctx, info.Symbol, info.ClientOrderID)
	}
}
