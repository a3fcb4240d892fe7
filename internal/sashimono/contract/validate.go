package contract

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/create_config.schema.json
var schemaFS embed.FS

var overlaySchema *jsonschema.Schema

func init() {
	data, err := schemaFS.ReadFile("schema/create_config.schema.json")
	if err != nil {
		panic(fmt.Sprintf("contract: read embedded schema: %v", err))
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("create_config.schema.json", bytes.NewReader(data)); err != nil {
		panic(fmt.Sprintf("contract: add schema resource: %v", err))
	}
	overlaySchema, err = compiler.Compile("create_config.schema.json")
	if err != nil {
		panic(fmt.Sprintf("contract: compile overlay schema: %v", err))
	}
}

// ValidateOverlay checks the create.config overlay structurally against the
// JSON Schema for the known field set and its enums (spec.md §6), then
// applies the cross-field rules in validateCrossField.
func ValidateOverlay(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("contract: overlay is not valid JSON: %w", err)
	}

	if err := overlaySchema.Validate(doc); err != nil {
		return fmt.Errorf("contract: overlay failed schema validation: %w", err)
	}

	return validateCrossField(doc)
}

// validateCrossField checks constraints the schema leaves to application
// logic: the history_config rules that apply when node.history == "custom".
func validateCrossField(doc interface{}) error {
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return nil
	}

	if node, ok := obj["node"].(map[string]interface{}); ok {
		historyConfig, hasHistoryConfig := node["history_config"].(map[string]interface{})
		history, _ := node["history"].(string)

		if hasHistoryConfig && history != "custom" {
			return fmt.Errorf("contract: node.history_config requires node.history = \"custom\"")
		}
		if history == "custom" && hasHistoryConfig {
			if shards, ok := historyConfig["max_primary_shards"].(float64); ok && shards == 0 {
				return fmt.Errorf("contract: node.history_config.max_primary_shards must be non-zero when node.history = \"custom\"")
			}
		}
	}

	return nil
}
