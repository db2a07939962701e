package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	eventsSubject = "pisowifi.sessions.>"
	durableName   = "audit-sessions"
	actor         = "gateway"
)

// Subscriber is the bus surface the ingestor needs. *bus.Bus implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// event covers both engine transitions and payment grants; unknown fields
// land in the details.
type event struct {
	Type   string         `json:"type"`
	MAC    string         `json:"mac"`
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	At     time.Time      `json:"at"`
}

// Ingestor turns bus events into audit rows.
type Ingestor struct {
	bus    Subscriber
	writer Writer
	now    func() time.Time
	logger zerolog.Logger

	subMu sync.Mutex
	sub   io.Closer
}

func NewIngestor(bus Subscriber, writer Writer, logger zerolog.Logger) (*Ingestor, error) {
	if bus == nil {
		return nil, errors.New("audit: bus is required")
	}
	if writer == nil {
		return nil, errors.New("audit: writer is required")
	}
	return &Ingestor{
		bus:    bus,
		writer: writer,
		now:    time.Now,
		logger: logger.With().Str("component", "audit").Logger(),
	}, nil
}

// Start subscribes to session events and processes them until ctx is cancelled.
func (i *Ingestor) Start(ctx context.Context) error {
	if i == nil {
		return errors.New("nil ingestor")
	}
	sub, err := i.bus.Subscribe(ctx, eventsSubject, durableName, i.handle)
	if err != nil {
		return err
	}
	i.subMu.Lock()
	i.sub = sub
	i.subMu.Unlock()
	return nil
}

// Close stops the subscription if it was created.
func (i *Ingestor) Close() error {
	if i == nil {
		return nil
	}
	i.subMu.Lock()
	defer i.subMu.Unlock()
	if i.sub == nil {
		return nil
	}
	err := i.sub.Close()
	i.sub = nil
	return err
}

func (i *Ingestor) handle(ctx context.Context, data []byte) error {
	var evt event
	if err := json.Unmarshal(data, &evt); err != nil {
		// A payload we cannot parse will never parse; ack it.
		i.logger.Warn().Err(err).Msg("drop malformed event")
		return nil
	}
	if evt.Type == "" {
		i.logger.Warn().Msg("drop event without type")
		return nil
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	details := map[string]any{}
	for k, v := range raw {
		switch k {
		case "type", "mac", "before", "after", "at":
			continue
		}
		details[k] = v
	}
	if evt.Before != nil || evt.After != nil {
		details["changes"] = computeDiff(evt.Before, evt.After)
	}

	at := evt.At
	if at.IsZero() {
		at = i.now().UTC()
	}
	return i.writer.Write(ctx, Entry{
		Actor:   actor,
		Action:  strings.TrimPrefix(evt.Type, "pisowifi."),
		Obj:     evt.MAC,
		Details: details,
		At:      at,
	})
}

func computeDiff(previous, current map[string]any) map[string]map[string]any {
	if previous == nil {
		previous = map[string]any{}
	}
	if current == nil {
		current = map[string]any{}
	}

	diff := make(map[string]map[string]any)
	for key, prevVal := range previous {
		curVal, ok := current[key]
		if !ok {
			diff[key] = map[string]any{"old": prevVal, "new": nil}
			continue
		}
		if !reflect.DeepEqual(prevVal, curVal) {
			diff[key] = map[string]any{"old": prevVal, "new": curVal}
		}
	}
	for key, curVal := range current {
		if _, seen := previous[key]; seen {
			continue
		}
		diff[key] = map[string]any{"old": nil, "new": curVal}
	}
	return diff
}
