package notification

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/operion-approval/pkg/metrics"
)

const defaultSendTimeout = 10 * time.Second

// Dispatcher sends notifications in the background. Failures are logged and counted, never
// returned to the caller.
type Dispatcher struct {
	notifier Notifier
	logger   *slog.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
}

func NewDispatcher(notifier Notifier, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		notifier: notifier,
		logger:   logger.With("module", "notification_dispatcher"),
		timeout:  defaultSendTimeout,
	}
}

// Dispatch sends the messages on a goroutine detached from the caller's cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, messages ...Message) {
	if d == nil || d.notifier == nil || len(messages) == 0 {
		return
	}

	detached := context.WithoutCancel(ctx)

	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		for _, msg := range messages {
			d.send(detached, msg)
		}
	}()
}

func (d *Dispatcher) send(ctx context.Context, msg Message) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "Notifier panicked", "kind", msg.Kind, "recipient", msg.Recipient, "panic", r)
		}
	}()

	err := d.notifier.Notify(ctx, msg)
	metrics.RecordNotification(string(msg.Kind), err)

	if err != nil {
		d.logger.WarnContext(ctx, "Failed to send notification",
			"kind", msg.Kind,
			"recipient", msg.Recipient,
			"task_id", msg.TaskID,
			"error", err,
		)

		return
	}

	d.logger.DebugContext(ctx, "Notification sent", "kind", msg.Kind, "recipient", msg.Recipient)
}

// Wait blocks until every dispatched message has been attempted.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}

	d.wg.Wait()
}
