// Package notification delivers best-effort approval notifications without blocking callers.
package notification

import (
	"context"
	"fmt"

	"github.com/dukex/operion-approval/pkg/eventbus"
	"github.com/dukex/operion-approval/pkg/events"
)

// Kind identifies why a person is being notified.
type Kind string

const (
	KindTaskAssigned    Kind = "task_assigned"
	KindTaskActivated   Kind = "task_activated"
	KindReminder        Kind = "reminder"
	KindUrge            Kind = "urge"
	KindEscalated       Kind = "escalated"
	KindRecordCompleted Kind = "record_completed"
)

// Message is one notification addressed to one recipient.
type Message struct {
	Kind       Kind
	Recipient  string
	Channel    string
	WorkflowID string
	RecordID   string
	TaskID     string
	JobID      string
	Title      string
	Body       string
}

// Notifier hands a message to the delivery system.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, msg Message) error

func (f NotifierFunc) Notify(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// EventBusNotifier publishes messages as approval notification events.
type EventBusNotifier struct {
	publisher eventbus.EventPublisher
}

func NewEventBusNotifier(publisher eventbus.EventPublisher) *EventBusNotifier {
	return &EventBusNotifier{publisher: publisher}
}

func (n *EventBusNotifier) Notify(ctx context.Context, msg Message) error {
	event := events.ApprovalNotification{
		BaseEvent: events.NewBaseEvent(events.ApprovalNotificationEvent, msg.WorkflowID),
		Kind:      string(msg.Kind),
		Recipient: msg.Recipient,
		Channel:   msg.Channel,
		RecordID:  msg.RecordID,
		TaskID:    msg.TaskID,
		JobID:     msg.JobID,
		Title:     msg.Title,
		Message:   msg.Body,
	}

	err := n.publisher.Publish(ctx, msg.Recipient, event)
	if err != nil {
		return fmt.Errorf("failed to publish %s notification for %s: %w", msg.Kind, msg.Recipient, err)
	}

	return nil
}
