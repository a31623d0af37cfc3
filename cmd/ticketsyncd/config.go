package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// fileConfig mirrors the daemon's flags; any field left empty falls back to
// the flag/env value. Durations are Go duration strings.
type fileConfig struct {
	BaseURL        string `json:"baseUrl,omitempty"`
	APIToken       string `json:"apiToken,omitempty"`
	UserID         string `json:"userId,omitempty"`
	ListenAddr     string `json:"listenAddr,omitempty"`
	LocalToken     string `json:"localToken,omitempty"`
	TicketInterval string `json:"ticketInterval,omitempty"`
	NotifyInterval string `json:"notifyInterval,omitempty"`
	PresenceFile   string `json:"presenceFile,omitempty"`
	DismissalsDSN  string `json:"dismissalsDsn,omitempty"`
}

const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "baseUrl": { "type": "string", "minLength": 1 },
    "apiToken": { "type": "string", "minLength": 1 },
    "userId": { "type": "string", "minLength": 1 },
    "listenAddr": { "type": "string", "minLength": 1 },
    "localToken": { "type": "string" },
    "ticketInterval": { "type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)([0-9]+(ns|us|µs|ms|s|m|h))*$" },
    "notifyInterval": { "type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)([0-9]+(ns|us|µs|ms|s|m|h))*$" },
    "presenceFile": { "type": "string" },
    "dismissalsDsn": { "type": "string" }
  }
}`

const configSchemaName = "ticketsyncd-config.schema.json"

// loadConfigFile reads and schema-validates an optional JSON config file.
// Validation failures are fatal at startup rather than silently ignored.
func loadConfigFile(path string) (fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, err
	}
	if err := validateConfig(raw); err != nil {
		return fileConfig{}, fmt.Errorf("config file %s: %w", path, err)
	}
	var cfg fileConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func validateConfig(raw []byte) error {
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(configSchemaName, schemaDoc); err != nil {
		return err
	}
	schema, err := compiler.Compile(configSchemaName)
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}

// fallback prefers the flag/env value and fills from the config file only
// when the flag was left unset.
func fallback(current, fromFile string) string {
	if strings.TrimSpace(current) != "" {
		return current
	}
	return strings.TrimSpace(fromFile)
}
