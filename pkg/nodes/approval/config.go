package approval

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dukex/operion-approval/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
)

// NodeType is the registry identifier of the approval node.
const NodeType = "approval"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Schema returns the JSON schema for the approval node configuration.
func Schema() map[string]any {
	duration := map[string]any{
		"type":        []string{"string", "number"},
		"description": "Go duration string such as \"36h\" or a number of seconds",
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"mode": map[string]any{
				"type":        "string",
				"description": "Resolution strategy: sequential, countersign, or_sign or vote. Unknown values behave as sequential.",
				"default":     string(models.ApprovalModeSequential),
				"examples":    []string{"sequential", "countersign", "or_sign", "vote"},
			},
			"vote_threshold": map[string]any{
				"type":        "integer",
				"description": "Approval percentage needed in vote mode",
				"minimum":     1,
				"maximum":     100,
				"default":     models.DefaultVoteThreshold,
			},
			"approvers": map[string]any{
				"type":        "array",
				"description": "Approver identities or templates rendered against the execution context",
				"items":       map[string]any{"type": "string"},
				"examples": []any{
					[]string{"alice", "bob"},
					[]string{"{{ .trigger_data.manager }}", "{{ json .vars.finance_team }}"},
				},
			},
			"allowed_actions": map[string]any{
				"type":        "array",
				"description": "Actions approvers may take. Empty allows every action.",
				"items": map[string]any{
					"type": "string",
					"enum": []string{"approve", "reject", "return", "transfer", "delegate", "add_sign"},
				},
			},
			"skip_self_approval": map[string]any{
				"type":        "boolean",
				"description": "Drop the initiator from the approver list",
				"default":     false,
			},
			"title": map[string]any{
				"type":        "string",
				"description": "Record title, supports templating",
			},
			"notification_channel": map[string]any{
				"type":        "string",
				"description": "Delivery channel hint passed to notifications",
			},
			"timeout": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"enabled":  map[string]any{"type": "boolean"},
					"duration": duration,
					"action": map[string]any{
						"type": "string",
						"enum": []string{"auto_approve", "auto_reject", "remind", "escalate"},
					},
					"escalation_targets": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
					"remind_interval": duration,
				},
			},
		},
		"required": []string{"approvers"},
	}
}

// ParseNodeConfig validates a raw node configuration and decodes it into a snapshot.
func ParseNodeConfig(raw map[string]any) (models.NodeConfig, error) {
	var config models.NodeConfig

	err := validateJSONSchema(raw, Schema())
	if err != nil {
		return config, err
	}

	payload, err := json.Marshal(raw)
	if err != nil {
		return config, fmt.Errorf("failed to encode node config: %w", err)
	}

	err = json.Unmarshal(payload, &config)
	if err != nil {
		return config, fmt.Errorf("failed to decode node config: %w", err)
	}

	err = ValidateNodeConfig(config)
	if err != nil {
		return config, err
	}

	return config, nil
}

// ValidateNodeConfig checks the struct constraints of a decoded configuration.
func ValidateNodeConfig(config models.NodeConfig) error {
	err := validate.Struct(config)
	if err != nil {
		return fmt.Errorf("invalid approval node config: %w", err)
	}

	for _, action := range config.AllowedActions {
		if !action.IsKnown() {
			return fmt.Errorf("invalid approval node config: unknown action %q", action)
		}
	}

	err = config.Timeout.Check()
	if err != nil {
		return fmt.Errorf("invalid approval node config: %w", err)
	}

	return nil
}

func validateJSONSchema(data map[string]any, schema map[string]any) error {
	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("failed to validate node config: %w", err)
	}

	if !result.Valid() {
		var errors []string
		for _, desc := range result.Errors() {
			errors = append(errors, desc.String())
		}

		return fmt.Errorf("invalid approval node config: %s", strings.Join(errors, "; "))
	}

	return nil
}
