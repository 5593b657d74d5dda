package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/hikaku/internal/storage"
)

// Listener is the LISTEN/NOTIFY surface the broker consumes. *storage.DB
// implements it when opened with a notify connection.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans out dispatch notifications to SSE subscribers. Start runs
// the receive loop; every payload goes to all active subscriber channels.
type Broker struct {
	src    Listener
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a broker over src. Call Start to begin listening.
func NewBroker(src Listener, logger *slog.Logger) *Broker {
	return &Broker{
		src:         src,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start listens on the dispatch channel and broadcasts until ctx is
// cancelled. It blocks, so call it in a goroutine.
func (b *Broker) Start(ctx context.Context) {
	if err := b.src.Listen(ctx, storage.ChannelDispatch); err != nil {
		b.logger.Error("broker: listen", "channel", storage.ChannelDispatch, "error", err)
		return
	}
	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelDispatch)

	for {
		channel, payload, err := b.src.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		b.broadcast(formatSSE(channel, payload))
	}
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to all subscribers. A subscriber whose buffer
// is full misses the event.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
