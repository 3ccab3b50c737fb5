// Package web provides HTTP request and response types for the approval API.
package web

import (
	"github.com/dukex/operion-approval/pkg/models"
	"github.com/dukex/operion-approval/pkg/services"
)

// SubmitTaskRequest represents the request body for deciding on an approval task.
type SubmitTaskRequest struct {
	Action         models.TaskAction `json:"action"                   validate:"required"`
	Comment        string            `json:"comment"                  validate:"max=2000"`
	Attachments    []string          `json:"attachments,omitempty"    validate:"omitempty,max=20,dive,required"`
	ReturnTarget   string            `json:"returnTarget,omitempty"`
	TransferUserID string            `json:"transferUserId,omitempty"`
	AddSignUserIDs []string          `json:"addSignUserIds,omitempty" validate:"omitempty,max=50,dive,required"`
}

// ToService converts the request body into the service request.
func (r SubmitTaskRequest) ToService() services.SubmitRequest {
	return services.SubmitRequest{
		Action:         r.Action,
		Comment:        r.Comment,
		Attachments:    r.Attachments,
		ReturnTarget:   r.ReturnTarget,
		TransferUserID: r.TransferUserID,
		AddSignUserIDs: r.AddSignUserIDs,
	}
}

// BatchSubmitTaskRequest represents the request body for deciding on several tasks at once.
type BatchSubmitTaskRequest struct {
	TaskIDs []string          `json:"taskIds" validate:"required,min=1,max=100,dive,required"`
	Action  models.TaskAction `json:"action"  validate:"required"`
	Comment string            `json:"comment" validate:"max=2000"`
}

// SuccessResponse is returned by the action endpoints.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// BatchSubmitResponse reports how many tasks of a batch were processed.
type BatchSubmitResponse struct {
	Success   bool                      `json:"success"`
	Processed int                       `json:"processed"`
	Total     int                       `json:"total"`
	Errors    []services.BatchItemError `json:"errors,omitempty"`
}

// ListTasksResponse wraps a page of the caller's tasks.
type ListTasksResponse struct {
	Tasks      []*models.ApprovalTask `json:"tasks"`
	Pagination Pagination             `json:"pagination"`
}

type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}
