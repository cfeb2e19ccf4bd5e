package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lowkit/lowkit"
	"github.com/lowkit/lowkit/server"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a route file without serving it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	out := cmd.OutOrStdout()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return fmt.Errorf("reading file: %w", err)
	}

	jsonData, err := yamlToJSONIfNeeded(data, filePath)
	if err != nil {
		return exitError(exitValidation, "parsing %s: %v", filePath, err)
	}

	var rec server.RouteRecord
	if err := json.Unmarshal(jsonData, &rec); err != nil {
		return exitError(exitValidation, "parsing route record: %v", err)
	}

	graph, buildErr := lowkit.BuildGraph(rec.Blocks, rec.Edges)

	if format == "json" {
		result := map[string]any{"valid": buildErr == nil}
		if buildErr != nil {
			result["error"] = buildErr.Error()
		} else {
			result["blocks"] = graph.Len()
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else if buildErr != nil {
		fmt.Fprintf(out, "ERROR: %v\n", buildErr)
	} else {
		fmt.Fprintf(out, "Valid! (%d blocks)\n", graph.Len())
	}

	if buildErr != nil {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

// yamlToJSONIfNeeded converts YAML data to JSON if the file path
// indicates a YAML file. JSON files are returned as-is.
func yamlToJSONIfNeeded(data []byte, path string) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		return json.Marshal(raw)
	}
	return data, nil
}
