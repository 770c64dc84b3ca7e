package config

import (
	"fmt"
	"strings"
	"sync"

	configschema "github.com/cordum/extmgr/core/infra/schema"
	"gopkg.in/yaml.v3"
)

var (
	optionsValidatorOnce sync.Once
	optionsValidator     *configschema.Validator
	optionsValidatorErr  error
)

// ValidateOptions checks a merged options document against the embedded
// options schema.
func ValidateOptions(data map[string]any) error {
	optionsValidatorOnce.Do(func() {
		schemaBytes, err := configSchemaFS.ReadFile(optionsSchemaFile)
		if err != nil {
			optionsValidatorErr = fmt.Errorf("load options schema: %w", err)
			return
		}
		optionsValidator, optionsValidatorErr = configschema.Compile("options", schemaBytes)
	})
	if optionsValidatorErr != nil {
		return optionsValidatorErr
	}
	if data == nil {
		data = map[string]any{}
	}
	if err := optionsValidator.Validate(data); err != nil {
		return fmt.Errorf("validate options: %w", err)
	}
	return nil
}

func validateConfigSchema(name, schemaPath string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	schemaBytes, err := configSchemaFS.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("load %s schema: %w", name, err)
	}
	var payload any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("parse %s config: %w", name, err)
	}
	schemaID := strings.ReplaceAll(name, " ", "-")
	if err := configschema.ValidateSchema(schemaID, schemaBytes, payload); err != nil {
		return fmt.Errorf("validate %s config: %w", name, err)
	}
	return nil
}
