// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
)

const waveProxySchemaFileName = "schema/waveproxy.json"

// writeFileIfDifferent writes data to fileName unless the file already has
// exactly that content. Returns true when a write happened.
func writeFileIfDifferent(fileName string, data []byte) (bool, error) {
	existing, err := os.ReadFile(fileName)
	if err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(fileName), 0755); err != nil {
		return false, err
	}
	if err := os.WriteFile(fileName, data, 0644); err != nil {
		return false, err
	}
	return true, nil
}

func generateSchema(template interface{}, fileName string) error {
	schema := jsonschema.Reflect(template)
	jsonSchema, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}
	jsonSchema = append(jsonSchema, '\n')
	written, err := writeFileIfDifferent(fileName, jsonSchema)
	if err != nil {
		return fmt.Errorf("error writing schema: %w", err)
	}
	if !written {
		fmt.Fprintf(os.Stderr, "no changes to %s\n", fileName)
	}
	return nil
}

func main() {
	if err := generateSchema(&config.Config{}, waveProxySchemaFileName); err != nil {
		log.Fatalf("proxy config schema error: %v", err)
	}
}
