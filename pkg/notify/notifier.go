package notify

import (
	"fmt"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/example/storefront/pkg/models"
	"go.uber.org/zap"
)

const defaultSendTimeout = 10 * time.Second

// ActorNotifier forwards order events to a NotificationActor. Its methods
// only enqueue and return immediately.
type ActorNotifier struct {
	system *actor.ActorSystem
	pid    *actor.PID
	logger *zap.Logger
}

// NewActorNotifier starts an actor system with one notification actor.
func NewActorNotifier(sender Sender, logger *zap.Logger) (*ActorNotifier, error) {
	system := actor.NewActorSystem()

	props := actor.PropsFromProducer(func() actor.Actor {
		return &NotificationActor{
			sender:  sender,
			timeout: defaultSendTimeout,
			logger:  logger.Named("notification-actor"),
		}
	})
	pid, err := system.Root.SpawnNamed(props, "notification-actor")
	if err != nil {
		return nil, fmt.Errorf("failed to spawn notification actor: %w", err)
	}

	logger.Info("Notification actor spawned", zap.String("pid", pid.Id))

	return &ActorNotifier{
		system: system,
		pid:    pid,
		logger: logger,
	}, nil
}

func (n *ActorNotifier) OrderPlaced(order *models.Order) {
	n.system.Root.Send(n.pid, &OrderPlaced{
		OrderNumber: order.OrderNumber,
		Recipient:   order.UserEmail,
		FullName:    order.FullName,
		Total:       order.TotalAmount.StringFixed(2),
		ItemCount:   len(order.Items),
	})
}

func (n *ActorNotifier) StatusChanged(order *models.Order, from models.OrderStatus) {
	n.system.Root.Send(n.pid, &StatusChanged{
		OrderNumber: order.OrderNumber,
		Recipient:   order.UserEmail,
		From:        string(from),
		To:          string(order.Status),
	})
}

// Stats asks the actor how many notifications it has sent so far. The reply
// reflects every event enqueued before the call.
func (n *ActorNotifier) Stats(timeout time.Duration) (*Stats, error) {
	result, err := n.system.Root.RequestFuture(n.pid, &GetStats{}, timeout).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get notification stats: %w", err)
	}
	stats, ok := result.(*Stats)
	if !ok {
		return nil, fmt.Errorf("unexpected reply %T", result)
	}
	return stats, nil
}

// Stop drains the mailbox and stops the actor.
func (n *ActorNotifier) Stop() error {
	if err := n.system.Root.PoisonFuture(n.pid).Wait(); err != nil {
		return fmt.Errorf("failed to stop notification actor: %w", err)
	}
	return nil
}
