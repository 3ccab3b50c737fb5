// Package web provides HTTP handlers and REST API endpoints for approval tasks and records.
package web

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/operion-approval/pkg/models"
	"github.com/dukex/operion-approval/pkg/registry"
	"github.com/dukex/operion-approval/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	approvalService *services.Approval
	validator       *validator.Validate
	registry        *registry.Registry
	logger          *slog.Logger
}

func NewAPIHandlers(
	approvalService *services.Approval,
	validator *validator.Validate,
	registry *registry.Registry,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		approvalService: approvalService,
		validator:       validator,
		registry:        registry,
		logger:          logger.With("module", "web"),
	}
}

func (h *APIHandlers) ListMyTasks(c fiber.Ctx) error {
	req, err := parseListMineRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	tasks, err := h.approvalService.ListMine(c.Context(), Caller(c), *req)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	limit := req.Limit
	if limit == 0 {
		limit = services.DefaultListLimit
	}

	return c.JSON(ListTasksResponse{
		Tasks:      tasks,
		Pagination: Pagination{Limit: limit, Offset: req.Offset},
	})
}

// parseListMineRequest reads the status filter and pagination from the query string.
// filter is accepted as a shorthand for status.
func parseListMineRequest(c fiber.Ctx) (*services.ListMineRequest, error) {
	req := &services.ListMineRequest{}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		req.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		req.Offset = offset
	}

	statusStr := c.Query("status", c.Query("filter"))
	if statusStr != "" {
		status := models.TaskStatus(statusStr)
		if !status.IsKnown() {
			return nil, fmt.Errorf("unknown task status %q", statusStr)
		}

		req.Status = &status
	}

	return req, nil
}

func (h *APIHandlers) SubmitTask(c fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return badRequest(c, "Task ID is required")
	}

	var req SubmitTaskRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	err := h.approvalService.Submit(c.Context(), Caller(c), taskID, req.ToService())
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(SuccessResponse{Success: true})
}

func (h *APIHandlers) BatchSubmitTasks(c fiber.Ctx) error {
	var req BatchSubmitTaskRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.approvalService.BatchSubmit(c.Context(), Caller(c), services.BatchSubmitRequest{
		TaskIDs: req.TaskIDs,
		Action:  req.Action,
		Comment: req.Comment,
	})
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(BatchSubmitResponse{
		Success:   true,
		Processed: result.Processed,
		Total:     result.Total,
		Errors:    result.Errors,
	})
}

func (h *APIHandlers) UrgeTask(c fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return badRequest(c, "Task ID is required")
	}

	err := h.approvalService.Urge(c.Context(), Caller(c), taskID)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(SuccessResponse{Success: true})
}

func (h *APIHandlers) TaskStats(c fiber.Ctx) error {
	stats, err := h.approvalService.Stats(c.Context(), Caller(c))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(stats)
}

func (h *APIHandlers) WithdrawRecord(c fiber.Ctx) error {
	recordID := c.Params("recordId")
	if recordID == "" {
		return badRequest(c, "Record ID is required")
	}

	err := h.approvalService.Withdraw(c.Context(), Caller(c), recordID)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(SuccessResponse{Success: true})
}

func (h *APIHandlers) GetRecord(c fiber.Ctx) error {
	recordID := c.Params("recordId")
	if recordID == "" {
		return badRequest(c, "Record ID is required")
	}

	detail, err := h.approvalService.GetRecord(c.Context(), Caller(c), recordID)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(detail)
}

func (h *APIHandlers) ListMyDelegations(c fiber.Ctx) error {
	rules, err := h.approvalService.ListDelegations(c.Context(), Caller(c))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"delegations": rules})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	registryCheck, regOk := h.registry.HealthCheck()
	repositoryCheck, repOk := h.approvalService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Operion Approval API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if regOk && repOk {
		status = "healthy"
		message = "Operion Approval API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"registry":   registryCheck,
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
