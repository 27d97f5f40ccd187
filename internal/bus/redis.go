package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// RedisBus implements Bus over Redis pub/sub. Members listen on
// <prefix>:bus:member:<name>, watchers on <prefix>:bus:group:<group>, and
// the orchestrator consumes <prefix>:bus:inbound.
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[*redis.PubSub]struct{}
	inbound bool
	closed  bool
}

// NewRedisBus creates a bus on client.
func NewRedisBus(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisBus {
	if prefix == "" {
		prefix = "gleitzeit"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		logger: logger,
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

// Channel helpers
func (b *RedisBus) channelMember(name string) string { return b.prefix + ":bus:member:" + name }
func (b *RedisBus) channelGroup(group string) string { return b.prefix + ":bus:group:" + group }
func (b *RedisBus) channelInbound() string           { return b.prefix + ":bus:inbound" }

// Send publishes env on the member's channel. With no subscriber on that
// channel the message is lost, so it is reported as ErrNoReceiver.
func (b *RedisBus) Send(ctx context.Context, member string, env *types.Envelope) error {
	n, err := b.publish(ctx, b.channelMember(member), env)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNoReceiver, member)
	}
	count(directionOut, env)
	return nil
}

// Broadcast publishes env on the group channel. Having no watchers is fine.
func (b *RedisBus) Broadcast(ctx context.Context, group string, env *types.Envelope) error {
	if _, err := b.publish(ctx, b.channelGroup(group), env); err != nil {
		return err
	}
	count(directionGroup, env)
	return nil
}

// Publish sends env to the orchestrator's inbound channel. Executors written
// in Go use it to report; tests use it to inject events.
func (b *RedisBus) Publish(ctx context.Context, env *types.Envelope) error {
	if _, err := b.publish(ctx, b.channelInbound(), env); err != nil {
		return err
	}
	count(directionIn, env)
	return nil
}

func (b *RedisBus) publish(ctx context.Context, channel string, env *types.Envelope) (int64, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}
	n, err := b.client.Publish(ctx, channel, data).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", channel, err)
	}
	return n, nil
}

// Subscribe starts consuming the inbound channel.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan *types.Envelope, error) {
	b.mu.Lock()
	if b.inbound {
		b.mu.Unlock()
		return nil, ErrSubscribed
	}
	b.inbound = true
	b.mu.Unlock()

	ps, err := b.subscribe(ctx, b.channelInbound())
	if err != nil {
		b.mu.Lock()
		b.inbound = false
		b.mu.Unlock()
		return nil, err
	}
	out := make(chan *types.Envelope)
	go b.forward(ctx, ps, out, true)
	return out, nil
}

// Watch subscribes to a group channel.
func (b *RedisBus) Watch(ctx context.Context, group string) (<-chan *types.Envelope, func(), error) {
	ps, err := b.subscribe(ctx, b.channelGroup(group))
	if err != nil {
		return nil, nil, err
	}
	watchCtx, cancel := context.WithCancel(ctx)
	out := make(chan *types.Envelope, 64)
	go b.forward(watchCtx, ps, out, false)
	return out, cancel, nil
}

// subscribe opens a pub/sub connection and waits for the confirmation so
// no message published after return is missed.
func (b *RedisBus) subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ps.Close()
		return nil, ErrClosed
	}
	b.subs[ps] = struct{}{}
	return ps, nil
}

// forward decodes messages from ps onto out until ctx ends or ps closes.
// With block set, delivery waits for the consumer; otherwise a full buffer
// drops the message.
func (b *RedisBus) forward(ctx context.Context, ps *redis.PubSub, out chan<- *types.Envelope, block bool) {
	defer func() {
		b.mu.Lock()
		delete(b.subs, ps)
		b.mu.Unlock()
		ps.Close()
		close(out)
	}()

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var env types.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("dropping malformed envelope",
					slog.String("channel", msg.Channel),
					slog.String("error", err.Error()))
				continue
			}
			if !block {
				select {
				case out <- &env:
				default:
					b.logger.Warn("watcher buffer full, dropping message", slog.String("channel", msg.Channel))
				}
				continue
			}
			select {
			case out <- &env:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close closes every open subscription. The client is owned by the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ps := range b.subs {
		ps.Close()
	}
	return nil
}

// Ensure RedisBus implements Bus
var _ Bus = (*RedisBus)(nil)
