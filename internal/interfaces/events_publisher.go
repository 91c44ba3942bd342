package interfaces

import (
	"context"

	"github.com/sheikh-saqib/offline-ledger-sync/internal/models/events"
)

type EventPublisher interface {
	Publish(ctx context.Context, event events.ChangeEvent) error
}

// ChangeFeed delivers push notifications for one owner. The channel is closed
// when ctx is done or the feed fails permanently.
type ChangeFeed interface {
	Subscribe(ctx context.Context) (<-chan events.ChangeEvent, error)
}
