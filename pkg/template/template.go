// Package template renders approver and title expressions against an execution context.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/operion-approval/pkg/models"
)

// ContextData builds the data an expression is rendered against.
func ContextData(executionCtx *models.ExecutionContext) map[string]any {
	return map[string]any{
		"step_results": executionCtx.StepResults,
		"variables":    executionCtx.Variables,
		"vars":         executionCtx.Variables,
		"trigger_data": executionCtx.TriggerData,
		"metadata":     executionCtx.Metadata,
		"initiator":    executionCtx.Initiator,
		"env":          getEnvVars(),
		"execution": map[string]any{
			"id":          executionCtx.ID,
			"workflow_id": executionCtx.WorkflowID,
			"initiator":   executionCtx.Initiator,
		},
	}
}

func RenderWithContext(input string, executionCtx *models.ExecutionContext) (any, error) {
	return Render(input, ContextData(executionCtx))
}

// NeedsTemplating reports whether the input contains a template action.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}

// RenderApprovers evaluates each approver expression and flattens the results into identities.
// Plain strings are literal identities; templates may yield a string, a number or a list.
func RenderApprovers(expressions []string, executionCtx *models.ExecutionContext) ([]string, error) {
	approvers := make([]string, 0, len(expressions))

	var data map[string]any

	for _, expression := range expressions {
		expression = strings.TrimSpace(expression)
		if expression == "" {
			continue
		}

		if !NeedsTemplating(expression) {
			approvers = append(approvers, expression)

			continue
		}

		if data == nil {
			data = ContextData(executionCtx)
		}

		value, err := Render(expression, data)
		if err != nil {
			return nil, fmt.Errorf("failed to render approver expression: %w", err)
		}

		approvers = appendIdentities(approvers, value)
	}

	return approvers, nil
}

// RenderTitle renders a record title; an empty title stays empty.
func RenderTitle(title string, executionCtx *models.ExecutionContext) (string, error) {
	if !NeedsTemplating(title) {
		return title, nil
	}

	var buf strings.Builder

	tmpl, err := newTemplate(title)
	if err != nil {
		return "", err
	}

	err = tmpl.Execute(&buf, ContextData(executionCtx))
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", title, err)
	}

	return strings.TrimSpace(buf.String()), nil
}

func Render(templateStr string, data any) (any, error) {
	tmpl, err := newTemplate(templateStr)
	if err != nil {
		return nil, err
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}

		return jsonResult, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

func newTemplate(templateStr string) (*template.Template, error) {
	tmpl, err := template.
		New("expression").
		Option("missingkey=zero").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"json": func(value any) (string, error) {
				encoded, err := json.Marshal(value)

				return string(encoded), err
			},
		}).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	return tmpl, nil
}

func appendIdentities(approvers []string, value any) []string {
	switch v := value.(type) {
	case nil:
		return approvers
	case string:
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" && part != "<no value>" {
				approvers = append(approvers, part)
			}
		}

		return approvers
	case float64:
		return append(approvers, strconv.FormatFloat(v, 'f', -1, 64))
	case []any:
		for _, item := range v {
			approvers = appendIdentities(approvers, item)
		}

		return approvers
	case map[string]any:
		if id, ok := v["id"]; ok {
			return appendIdentities(approvers, id)
		}

		return approvers
	default:
		return append(approvers, fmt.Sprint(v))
	}
}

// getEnvVars returns environment variables as a map.
func getEnvVars() map[string]any {
	envMap := make(map[string]any)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}

	return envMap
}
