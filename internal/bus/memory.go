package bus

import (
	"context"
	"sync"

	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// SendHook intercepts MemoryBus.Send. A non-nil error fails the delivery.
type SendHook func(member string, env *types.Envelope) error

// MemoryBus is an in-process Bus for tests and single-process deployments.
// Sent envelopes are recorded per member; inbound envelopes are injected
// with Publish.
type MemoryBus struct {
	mu         sync.Mutex
	inbound    chan *types.Envelope
	done       chan struct{}
	subscribed bool
	closed     bool
	sent       map[string][]*types.Envelope
	broadcasts map[string][]*types.Envelope
	watchers   map[string]map[chan *types.Envelope]struct{}
	hook       SendHook
}

// NewMemoryBus creates a bus whose inbound stream buffers up to size
// envelopes.
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 256
	}
	return &MemoryBus{
		inbound:    make(chan *types.Envelope, size),
		done:       make(chan struct{}),
		sent:       make(map[string][]*types.Envelope),
		broadcasts: make(map[string][]*types.Envelope),
		watchers:   make(map[string]map[chan *types.Envelope]struct{}),
	}
}

// SetSendHook installs hook; nil removes it.
func (b *MemoryBus) SetSendHook(hook SendHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = hook
}

// Send records env for member.
func (b *MemoryBus) Send(ctx context.Context, member string, env *types.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.hook != nil {
		if err := b.hook(member, env); err != nil {
			return err
		}
	}
	b.sent[member] = append(b.sent[member], env)
	count(directionOut, env)
	return nil
}

// Broadcast records env and fans it out to the group's watchers. Slow
// watchers miss messages rather than block the sender.
func (b *MemoryBus) Broadcast(ctx context.Context, group string, env *types.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.broadcasts[group] = append(b.broadcasts[group], env)
	for ch := range b.watchers[group] {
		select {
		case ch <- env:
		default:
		}
	}
	count(directionGroup, env)
	return nil
}

// Publish injects an inbound envelope as if an executor had sent it.
func (b *MemoryBus) Publish(ctx context.Context, env *types.Envelope) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.inbound <- env:
		count(directionIn, env)
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns the inbound stream. Only one subscriber is allowed.
func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan *types.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.subscribed {
		return nil, ErrSubscribed
	}
	b.subscribed = true

	out := make(chan *types.Envelope)
	go func() {
		defer close(out)
		for {
			select {
			case env := <-b.inbound:
				select {
				case out <- env:
				case <-b.done:
					return
				case <-ctx.Done():
					return
				}
			case <-b.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Watch registers a watcher on group.
func (b *MemoryBus) Watch(ctx context.Context, group string) (<-chan *types.Envelope, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrClosed
	}
	ch := make(chan *types.Envelope, 64)
	if b.watchers[group] == nil {
		b.watchers[group] = make(map[chan *types.Envelope]struct{})
	}
	b.watchers[group][ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.watchers[group][ch]; !ok {
				return
			}
			delete(b.watchers[group], ch)
			if len(b.watchers[group]) == 0 {
				delete(b.watchers, group)
			}
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Sent returns the envelopes delivered to member so far.
func (b *MemoryBus) Sent(member string) []*types.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Envelope(nil), b.sent[member]...)
}

// SentOfType returns every delivered envelope of the given type, across
// members.
func (b *MemoryBus) SentOfType(t types.MessageType) []*types.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*types.Envelope
	for _, envs := range b.sent {
		for _, env := range envs {
			if env.Type == t {
				out = append(out, env)
			}
		}
	}
	return out
}

// Broadcasts returns the envelopes published to group so far.
func (b *MemoryBus) Broadcasts(group string) []*types.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Envelope(nil), b.broadcasts[group]...)
}

// Close stops the bus and closes every watcher.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	for group, chans := range b.watchers {
		for ch := range chans {
			close(ch)
		}
		delete(b.watchers, group)
	}
	return nil
}

// Ensure MemoryBus implements Bus
var _ Bus = (*MemoryBus)(nil)
