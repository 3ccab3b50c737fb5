package registry

import (
	"github.com/dukex/operion-approval/pkg/nodes/approval"
)

// RegisterDefaultNodes registers the built-in node factories.
func (r *Registry) RegisterDefaultNodes(coordinator *approval.Coordinator) {
	r.RegisterNode(approval.NewApprovalNodeFactory(coordinator))
}
