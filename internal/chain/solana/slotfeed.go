package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
)

const (
	slotFeedInitialBackoff = time.Second
	slotFeedMaxBackoff     = 30 * time.Second
)

// SlotFeed subscribes to slot notifications over websocket and signals the watcher to poll early.
type SlotFeed struct {
	endpoint string
	log      *logger.Logger
	wake     chan struct{}

	mu   sync.Mutex
	slot uint64
}

// NewSlotFeed creates a slot feed for a websocket endpoint. http(s) endpoints are converted to ws(s).
func NewSlotFeed(endpoint string, log *logger.Logger) *SlotFeed {
	switch {
	case strings.HasPrefix(endpoint, "https"):
		endpoint = "wss" + strings.TrimPrefix(endpoint, "https")
	case strings.HasPrefix(endpoint, "http"):
		endpoint = "ws" + strings.TrimPrefix(endpoint, "http")
	}

	return &SlotFeed{
		endpoint: endpoint,
		log:      log.WithComponent(common.ComponentWatcher),
		wake:     make(chan struct{}, 1),
	}
}

// Wake returns a channel that receives a value whenever a new slot is observed.
// Notifications are coalesced; the channel never blocks the feed.
func (f *SlotFeed) Wake() <-chan struct{} {
	return f.wake
}

// LastSlot returns the most recent slot notified.
func (f *SlotFeed) LastSlot() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slot
}

// Run keeps the subscription alive until ctx is cancelled, reconnecting with exponential backoff.
func (f *SlotFeed) Run(ctx context.Context) error {
	backoff := slotFeedInitialBackoff

	for {
		err := f.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}

		f.log.Warnw("slot feed disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, slotFeedMaxBackoff)
	}
}

func (f *SlotFeed) stream(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	defer conn.Close()

	// unblock ReadMessage on cancellation
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "slotSubscribe",
	}); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	f.log.Infow("slot feed connected", "endpoint", f.endpoint)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		f.handle(msg)
	}
}

func (f *SlotFeed) handle(msg []byte) {
	var notification struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Slot   uint64 `json:"slot"`
				Parent uint64 `json:"parent"`
			} `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(msg, &notification); err != nil || notification.Method != "slotNotification" {
		return
	}

	f.mu.Lock()
	f.slot = notification.Params.Result.Slot
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}
