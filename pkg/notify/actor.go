// Package notify delivers customer notifications for order events through a
// protoactor mailbox, so request handlers never wait on delivery.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

// Notification is a message addressed to a customer.
type Notification struct {
	Recipient   string
	Type        string // email, sms, push
	Subject     string
	Message     string
	OrderNumber string
}

// Sender delivers a notification to its recipient.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender writes notifications to the log instead of delivering them.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) Send(_ context.Context, n Notification) error {
	s.Logger.Info("Sending notification",
		zap.String("recipient", n.Recipient),
		zap.String("type", n.Type),
		zap.String("subject", n.Subject),
		zap.String("order_number", n.OrderNumber))
	return nil
}

// Messages

type OrderPlaced struct {
	OrderNumber string
	Recipient   string
	FullName    string
	Total       string
	ItemCount   int
}

type StatusChanged struct {
	OrderNumber string
	Recipient   string
	From        string
	To          string
}

type GetStats struct{}

type Stats struct {
	Sent   int
	Failed int
}

// NotificationActor turns order events into notifications and hands them to
// its Sender one at a time.
type NotificationActor struct {
	sender  Sender
	timeout time.Duration
	logger  *zap.Logger
	stats   Stats
}

func (a *NotificationActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *OrderPlaced:
		a.deliver(Notification{
			Recipient:   msg.Recipient,
			Type:        "email",
			Subject:     fmt.Sprintf("Order %s received", msg.OrderNumber),
			Message:     fmt.Sprintf("Hi %s, we received your order of %d item(s) totalling %s. Payment is due on delivery.", msg.FullName, msg.ItemCount, msg.Total),
			OrderNumber: msg.OrderNumber,
		})

	case *StatusChanged:
		a.deliver(Notification{
			Recipient:   msg.Recipient,
			Type:        "email",
			Subject:     fmt.Sprintf("Order %s is %s", msg.OrderNumber, msg.To),
			Message:     fmt.Sprintf("Your order %s moved from %s to %s.", msg.OrderNumber, msg.From, msg.To),
			OrderNumber: msg.OrderNumber,
		})

	case *GetStats:
		stats := a.stats
		ctx.Respond(&stats)

	case *actor.Started:
		a.logger.Info("Notification actor started")

	case *actor.Stopping:
		a.logger.Info("Notification actor stopping")

	case *actor.Stopped:
		a.logger.Info("Notification actor stopped")
	}
}

func (a *NotificationActor) deliver(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if err := a.sender.Send(ctx, n); err != nil {
		a.stats.Failed++
		a.logger.Warn("Failed to send notification",
			zap.String("recipient", n.Recipient),
			zap.String("order_number", n.OrderNumber),
			zap.Error(err))
		return
	}
	a.stats.Sent++
}
