// Package bus carries envelopes between the orchestrator, executors and
// workflow watchers.
package bus

import (
	"context"
	"errors"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/metrics"
	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// Common errors returned by Bus implementations.
var (
	ErrClosed     = errors.New("bus closed")
	ErrNoReceiver = errors.New("no receiver for member")
	ErrSubscribed = errors.New("inbound stream already subscribed")
)

// Bus is the message transport. Send addresses one member, Broadcast a named
// group such as "workflow:<id>". Implementations must be safe for concurrent
// use.
type Bus interface {
	// Send delivers env to a single member. A member that is not listening
	// is a delivery failure.
	Send(ctx context.Context, member string, env *types.Envelope) error
	// Broadcast publishes env to every watcher of group.
	Broadcast(ctx context.Context, group string, env *types.Envelope) error
	// Subscribe returns the inbound stream from executors. There is one
	// inbound consumer per bus; the channel closes when ctx ends or the bus
	// is closed.
	Subscribe(ctx context.Context) (<-chan *types.Envelope, error)
	// Watch streams the broadcasts of group until cancel is called.
	Watch(ctx context.Context, group string) (<-chan *types.Envelope, func(), error)
	Close() error
}

// WorkflowGroup returns the broadcast group of a workflow.
func WorkflowGroup(workflowID string) string {
	return "workflow:" + workflowID
}

const (
	directionIn    = "inbound"
	directionOut   = "outbound"
	directionGroup = "broadcast"
)

func count(direction string, env *types.Envelope) {
	metrics.BusMessages.WithLabelValues(direction, string(env.Type)).Inc()
}
