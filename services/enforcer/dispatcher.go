package enforcer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pisowifi/pkg/metrics"
)

const (
	DefaultTimeout       = 5 * time.Second
	DefaultReassignDelay = time.Second
	DefaultRoamingDelay  = 500 * time.Millisecond
)

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	Timeout       time.Duration
	ReassignDelay time.Duration
	Logger        zerolog.Logger
}

// Dispatcher runs backend calls in the background, one queue per device so
// that calls for the same MAC apply in the order they were issued. Failures
// are logged and counted; nothing is retried or rolled back.
type Dispatcher struct {
	backend Backend
	timeout time.Duration
	delay   time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	queues  map[string][]func()
	running map[string]bool
	wg      sync.WaitGroup
}

// NewDispatcher wraps backend.
func NewDispatcher(backend Backend, cfg DispatcherConfig) (*Dispatcher, error) {
	if backend == nil {
		return nil, errors.New("enforcer: backend is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ReassignDelay < 0 {
		cfg.ReassignDelay = 0
	}
	return &Dispatcher{
		backend: backend,
		timeout: cfg.Timeout,
		delay:   cfg.ReassignDelay,
		logger:  cfg.Logger.With().Str("component", "enforcer").Logger(),
		queues:  make(map[string][]func()),
		running: make(map[string]bool),
	}, nil
}

// Whitelist queues an allow decision for mac.
func (d *Dispatcher) Whitelist(mac, ip string) {
	d.enqueue(mac, func() { d.call(context.Background(), ActionWhitelist, mac, ip, d.backend.Whitelist) })
}

// Block queues a deny decision for mac.
func (d *Dispatcher) Block(mac, ip string) {
	d.enqueue(mac, func() { d.call(context.Background(), ActionBlock, mac, ip, d.backend.Block) })
}

// ForceRefresh queues a re-evaluation for mac.
func (d *Dispatcher) ForceRefresh(mac, ip string) {
	d.enqueue(mac, func() { d.call(context.Background(), ActionRefresh, mac, ip, d.backend.ForceRefresh) })
}

// Reassign queues block(old) behind every pending call for the old MAC, then a
// settle delay and whitelist(new) behind every pending call for the new MAC.
// The whitelist never runs before the block has been applied.
func (d *Dispatcher) Reassign(oldMAC, oldIP, newMAC, newIP string) {
	d.reassign(context.Background(), oldMAC, oldIP, newMAC, newIP, d.delay)
}

// ReassignNow queues the same sequence with its own delay and waits until the
// whitelist has been applied. It returns early if ctx is cancelled; a
// cancelled reassignment still blocks the old MAC but skips the whitelist.
func (d *Dispatcher) ReassignNow(ctx context.Context, oldMAC, oldIP, newMAC, newIP string, delay time.Duration) {
	done := d.reassign(ctx, oldMAC, oldIP, newMAC, newIP, delay)
	select {
	case <-ctx.Done():
	case <-done:
	}
}

func (d *Dispatcher) reassign(ctx context.Context, oldMAC, oldIP, newMAC, newIP string, delay time.Duration) <-chan struct{} {
	blocked := make(chan struct{})
	done := make(chan struct{})

	blockOld := func() {
		defer close(blocked)
		if oldIP != "" {
			d.call(context.WithoutCancel(ctx), ActionBlock, oldMAC, oldIP, d.backend.Block)
		}
	}
	whitelistNew := func() {
		defer close(done)
		<-blocked
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return
		}
		d.call(ctx, ActionWhitelist, newMAC, newIP, d.backend.Whitelist)
	}

	// Both jobs are queued under one lock acquisition so no other call can
	// slip between them; a job only waits on a job queued before it.
	d.mu.Lock()
	start := d.pushLocked(oldMAC, blockOld)
	start = append(start, d.pushLocked(newMAC, whitelistNew)...)
	d.mu.Unlock()
	for _, key := range start {
		go d.drain(key)
	}
	return done
}

// Wait blocks until every queued call has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) enqueue(key string, job func()) {
	d.mu.Lock()
	start := d.pushLocked(key, job)
	d.mu.Unlock()
	for _, key := range start {
		go d.drain(key)
	}
}

// pushLocked appends job to key's queue and returns key when a drainer has to
// be started for it.
func (d *Dispatcher) pushLocked(key string, job func()) []string {
	d.queues[key] = append(d.queues[key], job)
	if d.running[key] {
		return nil
	}
	d.running[key] = true
	d.wg.Add(1)
	return []string{key}
}

func (d *Dispatcher) drain(key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queue := d.queues[key]
		if len(queue) == 0 {
			delete(d.queues, key)
			delete(d.running, key)
			d.mu.Unlock()
			return
		}
		job := queue[0]
		d.queues[key] = queue[1:]
		d.mu.Unlock()

		job()
	}
}

func (d *Dispatcher) call(ctx context.Context, action, mac, ip string, fn func(context.Context, string, string) error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	if err := fn(ctx, mac, ip); err != nil {
		metrics.EnforcerCalls.WithLabelValues(action, "error").Inc()
		d.logger.Error().Err(err).Str("action", action).Str("mac", mac).Str("ip", ip).Msg("enforcement failed")
		return
	}
	metrics.EnforcerCalls.WithLabelValues(action, "ok").Inc()
	d.logger.Debug().Str("action", action).Str("mac", mac).Str("ip", ip).Dur("took", time.Since(start)).Msg("enforcement applied")
}
