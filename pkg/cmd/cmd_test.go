package cmd_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/operion-approval/pkg/cmd"
	"github.com/dukex/operion-approval/pkg/eventbus"
	"github.com/dukex/operion-approval/pkg/events"
	"github.com/dukex/operion-approval/pkg/lock"
	"github.com/dukex/operion-approval/pkg/models"
	"github.com/dukex/operion-approval/pkg/nodes/approval"
	"github.com/dukex/operion-approval/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPersistence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		databaseURL string
		wantErr     string
	}{
		{name: "memory", databaseURL: "memory://"},
		{name: "no scheme", databaseURL: "./data", wantErr: "has no scheme"},
		{name: "unsupported", databaseURL: "mysql://localhost/approvals", wantErr: "unsupported persistence provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := cmd.NewPersistence(context.Background(), slog.New(slog.DiscardHandler), tt.databaseURL)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.IsType(t, &memory.Persistence{}, p)
			assert.NoError(t, p.HealthCheck(context.Background()))
		})
	}
}

func TestNewEventBus(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)

	bus, err := cmd.NewEventBus("gochannel", "", "test", logger)
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	_, err = cmd.NewEventBus("rabbitmq", "", "test", logger)
	require.Error(t, err)

	_, err = cmd.NewEventBus("kafka", "", "test", logger)
	require.Error(t, err)
}

func TestNewLocker_Local(t *testing.T) {
	t.Parallel()

	locker, closeFn, err := cmd.NewLocker(context.Background(), slog.New(slog.DiscardHandler), "")
	require.NoError(t, err)
	assert.IsType(t, &lock.LocalLocker{}, locker)
	assert.NoError(t, closeFn())

	_, _, err = cmd.NewLocker(context.Background(), slog.New(slog.DiscardHandler), "not a url")
	require.Error(t, err)
}

func TestNewTracer_Disabled(t *testing.T) {
	t.Parallel()

	tracer, shutdown, err := cmd.NewTracer(context.Background(), false, "test")
	require.NoError(t, err)
	require.NotNil(t, tracer)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	coordinator := approval.NewCoordinator(memory.NewPersistence(), logger)

	reg, err := cmd.NewRegistry(logger, t.TempDir()+"/missing", coordinator)
	require.NoError(t, err)
	assert.True(t, reg.HasNode(approval.NodeType))

	reg, err = cmd.NewRegistry(logger, t.TempDir(), coordinator)
	require.NoError(t, err)
	assert.True(t, reg.HasNode(approval.NodeType))
}

type recordingPublisher struct {
	keys   []string
	events []eventbus.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, key string, event eventbus.Event) error {
	p.keys = append(p.keys, key)
	p.events = append(p.events, event)

	return p.err
}

func TestNewJobObserver(t *testing.T) {
	t.Parallel()

	publisher := &recordingPublisher{}
	observer := cmd.NewJobObserver(publisher, slog.New(slog.DiscardHandler))

	observer.JobUpdated(context.Background(), &models.Job{
		ID:          "job-1",
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		Status:      models.JobStatusRejected,
		Reason:      approval.ReasonWithdrawn,
	})

	require.Len(t, publisher.events, 1)
	assert.Equal(t, "exec-1", publisher.keys[0])

	event, ok := publisher.events[0].(events.ApprovalJobUpdated)
	require.True(t, ok)
	assert.Equal(t, events.ApprovalJobSettledEvent, event.GetType())
	assert.Equal(t, approval.ReasonWithdrawn, event.Reason)

	failing := cmd.NewJobObserver(&recordingPublisher{err: errors.New("broker down")}, slog.New(slog.DiscardHandler))
	assert.NotPanics(t, func() {
		failing.JobUpdated(context.Background(), &models.Job{ID: "job-2", Status: models.JobStatusPending})
	})
}

func TestNewCoordinator_PublishesOverEventBus(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.DiscardHandler)

	bus, err := cmd.NewEventBus("gochannel", "", "test", logger)
	require.NoError(t, err)

	defer func() { _ = bus.Close() }()

	settled := make(chan *events.ApprovalJobUpdated, 1)
	notified := make(chan *events.ApprovalNotification, 4)

	require.NoError(t, bus.Handle(events.ApprovalJobPendingEvent, func(_ context.Context, event any) error {
		return nil
	}))
	require.NoError(t, bus.Handle(events.ApprovalJobSettledEvent, func(_ context.Context, event any) error {
		settled <- event.(*events.ApprovalJobUpdated)

		return nil
	}))
	require.NoError(t, bus.Handle(events.ApprovalNotificationEvent, func(_ context.Context, event any) error {
		notified <- event.(*events.ApprovalNotification)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	p := memory.NewPersistence()
	coordinator, dispatcher := cmd.NewCoordinator(p, bus, nil, logger)

	job, err := coordinator.Run(ctx, "approve", models.NodeConfig{Approvers: []string{"ivan"}, SkipSelfApproval: true}, nil,
		&models.ExecutionContext{ID: "exec-1", WorkflowID: "wf-1", Initiator: "ivan"})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusResolved, job.Status)

	dispatcher.Wait()

	select {
	case event := <-settled:
		assert.Equal(t, job.ID, event.JobID)
		assert.Equal(t, approval.ReasonNoApprovers, event.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("settled event was not delivered")
	}

	job, err = coordinator.Run(ctx, "approve", models.NodeConfig{Approvers: []string{"alice"}}, nil,
		&models.ExecutionContext{ID: "exec-2", WorkflowID: "wf-1", Initiator: "ivan"})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)

	dispatcher.Wait()

	select {
	case event := <-notified:
		assert.Equal(t, "alice", event.Recipient)
		assert.Equal(t, job.RecordID, event.RecordID)
	case <-time.After(5 * time.Second):
		t.Fatal("notification was not delivered")
	}
}
