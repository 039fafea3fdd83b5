package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/scriptguard/runner/internal/model"
)

// ParseDefinition parses a workflow YAML document (spec §6 workflow
// format) into a WorkflowDefinition, the same shape the teacher's
// /v1/workflows endpoint accepts as JSON in
// services/orchestrator/main.go, here read as YAML per the spec's wire
// format.
func ParseDefinition(data []byte) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("workflow: parse definition: %w", err)
	}
	if def.ID == "" {
		return model.WorkflowDefinition{}, fmt.Errorf("workflow: definition missing id")
	}
	return def, nil
}
