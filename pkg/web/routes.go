package web

import (
	"strings"

	"github.com/gofiber/fiber/v3"
)

// CallerHeader carries the identity of the person acting, set by the upstream gateway.
const CallerHeader = "X-User-ID"

type callerKey struct{}

// RequireCaller rejects requests without a caller identity and stores it for the handlers.
func RequireCaller(c fiber.Ctx) error {
	caller := strings.TrimSpace(c.Get(CallerHeader))
	if caller == "" {
		return unauthorized(c, CallerHeader+" header is required")
	}

	c.Locals(callerKey{}, caller)

	return c.Next()
}

// Caller returns the identity stored by RequireCaller.
func Caller(c fiber.Ctx) string {
	caller, _ := c.Locals(callerKey{}).(string)

	return caller
}

// Register mounts the approval endpoints. The colon in each path is part of the resource name,
// so it is escaped to keep fiber from reading it as a parameter.
func (h *APIHandlers) Register(router fiber.Router) {
	router.Get("/approvalTasks\\:listMine", RequireCaller, h.ListMyTasks)
	router.Post("/approvalTasks\\:submit/:taskId", RequireCaller, h.SubmitTask)
	router.Post("/approvalTasks\\:batchSubmit", RequireCaller, h.BatchSubmitTasks)
	router.Post("/approvalTasks\\:urge/:taskId", RequireCaller, h.UrgeTask)
	router.Get("/approvalTasks\\:stats", RequireCaller, h.TaskStats)

	router.Post("/approvalRecords\\:withdraw/:recordId", RequireCaller, h.WithdrawRecord)
	router.Get("/approvalRecords\\:get/:recordId", RequireCaller, h.GetRecord)

	router.Get("/approvalDelegations\\:listMine", RequireCaller, h.ListMyDelegations)
}
