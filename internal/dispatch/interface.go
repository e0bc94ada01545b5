package dispatch

import (
	"context"

	"github.com/mattjoyce/stevedore/internal/oplog"
	"github.com/mattjoyce/stevedore/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/stevedore/internal/dispatch QueueClient,OperationLog
//go:generate mockgen -destination=mocks/mock_subscription.go -package=mocks github.com/mattjoyce/stevedore/internal/queue Subscription

// QueueClient is the shared connection runners subscribe through.
type QueueClient interface {
	Connect(ctx context.Context, threads int) error
	Disconnect() error
	OpenSubscription(ctx context.Context, req queue.SubscriptionRequest) (queue.Subscription, error)
}

// OperationLog records lifecycle operations.
type OperationLog interface {
	Record(ctx context.Context, ev oplog.Event) error
}
