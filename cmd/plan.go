package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/steadyhand/api/schemas"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// loadPlan reads an action plan from a YAML or JSON file and validates it.
func loadPlan(path string) (schemas.ActionPlan, error) {
	var plan schemas.ActionPlan

	data, err := os.ReadFile(path)
	if err != nil {
		return plan, fmt.Errorf("reading plan file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := jsonAPI.Unmarshal(data, &plan); err != nil {
			return plan, fmt.Errorf("parsing plan JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &plan); err != nil {
			return plan, fmt.Errorf("parsing plan YAML: %w", err)
		}
	default:
		return plan, fmt.Errorf("unsupported plan format %q (want .yaml, .yml or .json)", filepath.Ext(path))
	}

	if err := plan.Validate(); err != nil {
		return plan, err
	}
	return plan, nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	out, err := jsonAPI.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
