package eventbus

import (
	"context"

	"github.com/ppiankov/impactgate/internal/eventstore"
)

// publishingStore publishes every committed append on the bus.
type publishingStore struct {
	eventstore.Store
	bus *Bus
}

// Attach returns a store that publishes each successful append to b after
// it has been committed. A subscriber failure never undoes the append.
func (b *Bus) Attach(s eventstore.Store) eventstore.Store {
	return &publishingStore{Store: s, bus: b}
}

func (p *publishingStore) Append(ctx context.Context, streamID string, expected uint64, drafts ...eventstore.Draft) ([]eventstore.Event, error) {
	events, err := p.Store.Append(ctx, streamID, expected, drafts...)
	if err != nil {
		return nil, err
	}
	// Subscribers get their own context so a cancelled request does not
	// cut delivery short.
	p.bus.Publish(context.WithoutCancel(ctx), events...)
	return events, nil
}
