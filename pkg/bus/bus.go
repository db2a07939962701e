// Package bus carries gateway events over NATS JetStream: session lifecycle
// and grant events going out, coin pulses and vendor heartbeats coming in.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	// MaxDeliveries bounds redelivery of an event whose handler keeps failing.
	MaxDeliveries = 5
	retryDelay    = 2 * time.Second
)

// Bus is a JetStream connection shared by the gateway's publishers and consumers.
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger zerolog.Logger
}

// New connects to url. The broker usually runs next to the gateway and may
// come up later, so the first connect is retried in the background and
// reconnects are unlimited.
func New(url string, logger zerolog.Logger, opts ...nats.Option) (*Bus, error) {
	logger = logger.With().Str("component", "bus").Logger()
	base := []nats.Option{
		nats.Name("pisowifi-gateway"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &Bus{conn: nc, js: js, logger: logger}, nil
}

// EnsureStream creates the named stream over subjects unless it exists.
// Events older than maxAge are discarded; zero keeps them forever.
func (b *Bus) EnsureStream(name string, maxAge time.Duration, subjects ...string) error {
	if b == nil {
		return errors.New("nil bus")
	}

	_, err := b.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}

	cfg := &nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  nats.FileStorage,
		MaxAge:   maxAge,
	}
	if _, err := b.js.AddStream(cfg); err != nil {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	b.logger.Info().Str("stream", name).Strs("subjects", subjects).Dur("max_age", maxAge).Msg("stream created")
	return nil
}

// Close drains pending messages, falling back to a hard close.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish sends v as JSON on subj and waits for the stream to store it.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subj, err)
	}
	if _, err := b.js.Publish(subj, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	return nil
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// Subscribe attaches the durable consumer to subj and calls fn for each event.
// A failing handler gets the event again after a short delay, at most
// MaxDeliveries times; the subscription ends when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	handler := func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		if err := fn(handlerCtx, msg.Data); err != nil {
			evt := b.logger.Warn().Err(err).Str("subject", msg.Subject).Str("durable", durable)
			if meta, merr := msg.Metadata(); merr == nil {
				evt = evt.Uint64("delivery", meta.NumDelivered)
			}
			evt.Msg("event handler failed")
			_ = msg.NakWithDelay(retryDelay)
			return
		}
		_ = msg.Ack()
	}

	sub, err := b.js.Subscribe(subj, handler,
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxDeliver(MaxDeliveries),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subj, err)
	}

	s := &subscription{sub: sub}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s, nil
}

// Discard drops every event. The gateway publishes into it when no NATS URL
// is configured.
type Discard struct{}

func (Discard) Publish(context.Context, string, any) error { return nil }
