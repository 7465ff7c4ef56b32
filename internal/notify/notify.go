// Package notify fans escrow changes out to interested parties. Publishing is
// fire-and-forget: a failed delivery is logged and never fails the caller.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the message delivered on a channel.
type Event struct {
	Type     string    `json:"type"`
	EscrowID uuid.UUID `json:"escrow_id"`
	Status   string    `json:"status,omitempty"`
	Data     any       `json:"data,omitempty"`
	At       time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, channel string, ev Event)
}

// Subscriber streams raw JSON messages published on a channel until the
// returned cancel func is called or ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

func EscrowChannel(id uuid.UUID) string { return "escrow:" + id.String() }

func UserChannel(id uuid.UUID) string { return "user:" + id.String() }

// Multi publishes to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, channel string, ev Event) {
	for _, p := range m {
		p.Publish(ctx, channel, ev)
	}
}
