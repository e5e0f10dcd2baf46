package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kaname-ai/kaname/internal/storage"
)

// Notifier is the LISTEN/NOTIFY surface the broker consumes.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker relays job notifications from Postgres to every connected SSE
// client. One goroutine waits on the notify connection; each subscriber gets
// a buffered channel of pre-framed SSE bytes.
type Broker struct {
	notifier Notifier
	logger   *slog.Logger

	mu   sync.RWMutex
	subs map[chan []byte]struct{}
}

// NewBroker creates a broker; Start begins relaying.
func NewBroker(notifier Notifier, logger *slog.Logger) *Broker {
	return &Broker{
		notifier: notifier,
		logger:   logger,
		subs:     make(map[chan []byte]struct{}),
	}
}

// Start subscribes to the jobs channel and relays until ctx is cancelled.
// Blocking; run it in a goroutine.
func (b *Broker) Start(ctx context.Context) {
	if err := b.notifier.Listen(ctx, storage.ChannelJobs); err != nil {
		b.logger.Error("broker: listen jobs", "error", err)
		return
	}
	b.logger.Info("broker: relaying notifications", "channel", storage.ChannelJobs)

	for {
		channel, payload, err := b.notifier.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification wait failed, retrying", "error", err)
			continue
		}
		frame := []byte("event: " + channel + "\ndata: " + payload + "\n\n")

		b.mu.RLock()
		for ch := range b.subs {
			// A subscriber with a full buffer loses this frame; one stalled
			// client must not hold up the rest.
			select {
			case ch <- frame:
			default:
			}
		}
		b.mu.RUnlock()
	}
}

// Subscribe registers a new SSE client. Pair with Unsubscribe.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
	close(ch)
}
