package enforcer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Action names passed to backends.
const (
	ActionWhitelist = "whitelist"
	ActionBlock     = "block"
	ActionRefresh   = "refresh"
)

// Backend applies network access decisions for one device.
type Backend interface {
	Whitelist(ctx context.Context, mac, ip string) error
	Block(ctx context.Context, mac, ip string) error
	ForceRefresh(ctx context.Context, mac, ip string) error
}

// Script runs an operator-supplied hook as `<command> <action> <mac> <ip>`.
// The hook owns the firewall rules; a non-zero exit is reported as an error.
type Script struct {
	Command string
}

// NewScript validates command.
func NewScript(command string) (*Script, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("enforcer: script command is required")
	}
	return &Script{Command: command}, nil
}

func (s *Script) run(ctx context.Context, action, mac, ip string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.Command, action, mac, ip)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s %s %s: %w: %s", s.Command, action, mac, err, msg)
		}
		return fmt.Errorf("%s %s %s: %w", s.Command, action, mac, err)
	}
	return nil
}

func (s *Script) Whitelist(ctx context.Context, mac, ip string) error {
	return s.run(ctx, ActionWhitelist, mac, ip)
}

func (s *Script) Block(ctx context.Context, mac, ip string) error {
	return s.run(ctx, ActionBlock, mac, ip)
}

func (s *Script) ForceRefresh(ctx context.Context, mac, ip string) error {
	return s.run(ctx, ActionRefresh, mac, ip)
}

// Redis publishes authorization state for a dataplane agent on the access
// device. The current state lives at <prefix><mac>; every change is also
// announced on the channel.
type Redis struct {
	client  *redis.Client
	prefix  string
	channel string
}

// Decision is the payload stored and published for a device.
type Decision struct {
	Action    string    `json:"action"`
	MAC       string    `json:"mac"`
	IP        string    `json:"ip"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewRedis wraps client. Empty prefix and channel fall back to defaults.
func NewRedis(client *redis.Client, prefix, channel string) (*Redis, error) {
	if client == nil {
		return nil, errors.New("enforcer: redis client is required")
	}
	if prefix == "" {
		prefix = "pisowifi:auth:"
	}
	if channel == "" {
		channel = "pisowifi:auth:events"
	}
	return &Redis{client: client, prefix: prefix, channel: channel}, nil
}

// Key returns the state key for mac.
func (r *Redis) Key(mac string) string {
	return r.prefix + mac
}

func (r *Redis) apply(ctx context.Context, action, mac, ip string) error {
	data, err := json.Marshal(Decision{Action: action, MAC: mac, IP: ip, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	switch action {
	case ActionBlock:
		pipe.Del(ctx, r.Key(mac))
	default:
		pipe.Set(ctx, r.Key(mac), data, 0)
	}
	pipe.Publish(ctx, r.channel, data)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis %s %s: %w", action, mac, err)
	}
	return nil
}

func (r *Redis) Whitelist(ctx context.Context, mac, ip string) error {
	return r.apply(ctx, ActionWhitelist, mac, ip)
}

func (r *Redis) Block(ctx context.Context, mac, ip string) error {
	return r.apply(ctx, ActionBlock, mac, ip)
}

func (r *Redis) ForceRefresh(ctx context.Context, mac, ip string) error {
	return r.apply(ctx, ActionRefresh, mac, ip)
}

// Log only records decisions. Used for development without a dataplane.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) record(action, mac, ip string) error {
	l.Logger.Info().Str("action", action).Str("mac", mac).Str("ip", ip).Msg("enforcement (log only)")
	return nil
}

func (l Log) Whitelist(_ context.Context, mac, ip string) error {
	return l.record(ActionWhitelist, mac, ip)
}

func (l Log) Block(_ context.Context, mac, ip string) error { return l.record(ActionBlock, mac, ip) }

func (l Log) ForceRefresh(_ context.Context, mac, ip string) error {
	return l.record(ActionRefresh, mac, ip)
}
