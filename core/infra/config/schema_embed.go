package config

import "embed"

const (
	optionsSchemaFile    = "schema/options.schema.json"
	policyFileSchemaFile = "schema/policy_file.schema.json"
)

//go:embed schema/*.json
var configSchemaFS embed.FS
