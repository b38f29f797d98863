// Package notify is the subscription side of the status notification
// fabric.
//
// Completion statuses travel on per-(user, document) Redis pub/sub
// channels (see queue.DoneChannel). A Listener wraps one pub/sub
// connection per websocket session and fans incoming payloads into a
// single ordered channel; Redis guarantees per-channel publish order,
// which is what gives a client in-order statuses for one document.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/oratio-audio/oratio/internal/queue"
	"github.com/oratio-audio/oratio/pkg/types"
)

// updateBuffer bounds the per-listener delivery channel. A session that
// stops draining loses its connection rather than stalling the pub/sub
// reader for every other channel on the connection.
const updateBuffer = 256

// Listener receives status updates for one user across any number of
// documents. Safe for concurrent use.
type Listener struct {
	userID string
	pubsub *redis.PubSub
	out    chan types.StatusUpdate

	mu       sync.Mutex
	channels map[string]struct{}
	closed   bool
}

// NewListener opens a pub/sub connection for userID. No channels are
// subscribed yet; call [Listener.Watch] per document.
func NewListener(ctx context.Context, rdb redis.UniversalClient, userID string) *Listener {
	l := &Listener{
		userID:   userID,
		pubsub:   rdb.Subscribe(ctx),
		out:      make(chan types.StatusUpdate, updateBuffer),
		channels: make(map[string]struct{}),
	}
	go l.pump(ctx)
	return l
}

// Watch subscribes the listener to the done channel for documentID.
// Watching the same document twice is a no-op.
func (l *Listener) Watch(ctx context.Context, documentID string) error {
	ch := queue.DoneChannel(l.userID, documentID)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("notify: listener closed")
	}
	if _, ok := l.channels[ch]; ok {
		l.mu.Unlock()
		return nil
	}
	l.channels[ch] = struct{}{}
	l.mu.Unlock()

	if err := l.pubsub.Subscribe(ctx, ch); err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", ch, err)
	}
	return nil
}

// Updates returns the ordered stream of status updates. The channel is
// closed when the listener closes.
func (l *Listener) Updates() <-chan types.StatusUpdate { return l.out }

// Close tears down the pub/sub connection and closes Updates.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.pubsub.Close()
}

// pump moves raw pub/sub payloads onto the typed channel until the
// connection closes.
func (l *Listener) pump(ctx context.Context) {
	defer close(l.out)
	ch := l.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			update, err := types.UnmarshalStatusUpdate([]byte(msg.Payload))
			if err != nil {
				slog.Warn("notify: dropping malformed status payload", "channel", msg.Channel, "err", err)
				continue
			}
			select {
			case l.out <- update:
			default:
				// Slow consumer: drop rather than stall the reader. The
				// client recovers on reconnect via retransmit.
				slog.Warn("notify: slow consumer, dropping update",
					"user", l.userID, "document", update.DocumentID, "block", update.BlockIdx)
			}
		}
	}
}
