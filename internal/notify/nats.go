package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	StreamName    = "MAIL_EVENTS"
	subjectPrefix = "mail.user."
)

// NATSSink publishes events to JetStream on mail.user.<userId>.<type>.
type NATSSink struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

func NewNATSSink(url string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("mailpipe"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	s := &NATSSink{nc: nc, js: js}
	if err := s.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

func (s *NATSSink) ensureStream() error {
	_, err := s.js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info: %w", err)
	}
	_, err = s.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{subjectPrefix + ">"},
		Storage:    nats.FileStorage,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("add stream: %w", err)
	}
	slog.Info("created jetstream stream", "stream", StreamName)
	return nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Send(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := s.js.Publish(Subject(ev), data, nats.MsgId(ev.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

func (s *NATSSink) Close() {
	if err := s.nc.Drain(); err != nil {
		slog.Warn("nats drain failed", "error", err)
	}
}

// Subject is the JetStream subject an event is published on.
func Subject(ev Event) string {
	return fmt.Sprintf("%s%d.%s", subjectPrefix, ev.UserID, ev.Type)
}
