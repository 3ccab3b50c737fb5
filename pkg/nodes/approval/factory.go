package approval

import (
	"context"

	"github.com/dukex/operion-approval/pkg/models"
	"github.com/dukex/operion-approval/pkg/protocol"
)

// ApprovalNode is a configured approval step bound to a coordinator.
type ApprovalNode struct {
	id          string
	config      models.NodeConfig
	coordinator *Coordinator
}

// NewApprovalNode validates the raw configuration and binds it to the coordinator.
func NewApprovalNode(id string, config map[string]any, coordinator *Coordinator) (*ApprovalNode, error) {
	nodeConfig, err := ParseNodeConfig(config)
	if err != nil {
		return nil, err
	}

	return &ApprovalNode{
		id:          id,
		config:      nodeConfig,
		coordinator: coordinator,
	}, nil
}

func (n *ApprovalNode) ID() string {
	return n.id
}

// Config returns the configuration snapshot the node hands to every run.
func (n *ApprovalNode) Config() models.NodeConfig {
	return n.config
}

func (n *ApprovalNode) Run(ctx context.Context, previous *models.Job, executionCtx *models.ExecutionContext) (*models.Job, error) {
	return n.coordinator.Run(ctx, n.id, n.config, previous, executionCtx)
}

// Resume re-evaluates a job of this node. A job without a node ID is taken to belong to it.
func (n *ApprovalNode) Resume(ctx context.Context, job *models.Job) (*models.Job, error) {
	scoped := *job
	if scoped.NodeID == "" {
		scoped.NodeID = n.id
	}

	return n.coordinator.Resume(ctx, &scoped)
}

// ApprovalNodeFactory creates ApprovalNode instances.
type ApprovalNodeFactory struct {
	coordinator *Coordinator
}

// NewApprovalNodeFactory creates a new factory instance.
func NewApprovalNodeFactory(coordinator *Coordinator) protocol.NodeFactory {
	return &ApprovalNodeFactory{coordinator: coordinator}
}

// Create creates a new ApprovalNode instance.
func (f *ApprovalNodeFactory) Create(_ context.Context, id string, config map[string]any) (protocol.Step, error) {
	return NewApprovalNode(id, config, f.coordinator)
}

func (f *ApprovalNodeFactory) ID() string {
	return NodeType
}

func (f *ApprovalNodeFactory) Name() string {
	return "Approval"
}

func (f *ApprovalNodeFactory) Description() string {
	return "Pauses the execution until the configured approvers reach a verdict (sequential, countersign, or-sign or percentage vote)"
}

func (f *ApprovalNodeFactory) Schema() map[string]any {
	return Schema()
}
