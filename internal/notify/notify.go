// Package notify pushes mail events to a user's connected sessions and devices.
// Delivery is fire-and-forget: callers never block on or observe sink failures.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type EventType string

const (
	EventNewMessage     EventType = "new_message"
	EventEmailUpdated   EventType = "email_updated"
	EventSyncComplete   EventType = "sync_complete"
	EventSnoozeComplete EventType = "snooze_complete"
	EventSendComplete   EventType = "scheduled_send_complete"
)

type Event struct {
	ID     string            `json:"id"`
	Type   EventType         `json:"type"`
	UserID int64             `json:"userId"`
	Data   map[string]string `json:"data,omitempty"`
	At     time.Time         `json:"at"`
}

// Notifier is what the engines call. Implementations must not block the caller.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Sink is one delivery channel. Send may block and may fail.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, Event) {}

// Fanout delivers each event to every sink on its own goroutine.
type Fanout struct {
	sinks   []Sink
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, timeout: 10 * time.Second}
}

func (f *Fanout) Notify(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	for _, s := range f.sinks {
		f.wg.Add(1)
		go func(s Sink) {
			defer f.wg.Done()
			// Detached from the caller so a finished request does not cancel delivery.
			ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
			defer cancel()
			if err := s.Send(ctx, ev); err != nil {
				slog.Error("failed to deliver notification",
					"sink", s.Name(),
					"type", ev.Type,
					"user_id", ev.UserID,
					"error", err,
				)
			}
		}(s)
	}
}

// Wait blocks until in-flight deliveries finish. Used on shutdown.
func (f *Fanout) Wait() {
	f.wg.Wait()
}
