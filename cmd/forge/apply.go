package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Submit work items from a YAML batch file",
	Long: `Apply reads a YAML file describing one or more work items and submits
each to a running forge control API via POST /api/work.

Example:
  forge apply -f batch.yaml --addr http://localhost:8080`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().String("addr", "http://localhost:8080", "Control API base address")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// workItemSpec is one entry of an apply batch file.
type workItemSpec struct {
	Repo          string `yaml:"repo"`
	Branch        string `yaml:"branch"`
	Spec          string `yaml:"spec"`
	Description   string `yaml:"description"`
	Priority      string `yaml:"priority"`
	MaxIterations int    `yaml:"maxIterations"`
	Type          string `yaml:"type"`
}

// applyBatch is the top-level document shape; a single work item may also
// be given unwrapped, in which case it is treated as a one-item batch.
type applyBatch struct {
	Items []workItemSpec `yaml:"items"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	addr, _ := cmd.Flags().GetString("addr")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	items, err := parseBatch(data)
	if err != nil {
		return fmt.Errorf("parse batch: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	for _, item := range items {
		if item.Repo == "" {
			return fmt.Errorf("work item missing repo")
		}
		body, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal work item: %w", err)
		}
		resp, err := client.Post(addr+"/api/work", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("submit work item for %s: %w", item.Repo, err)
		}
		if resp.StatusCode != http.StatusCreated {
			var env map[string]any
			_ = json.NewDecoder(resp.Body).Decode(&env)
			resp.Body.Close()
			return fmt.Errorf("submit work item for %s: server returned %s: %v", item.Repo, resp.Status, env)
		}
		resp.Body.Close()
		fmt.Printf("✓ work item submitted: %s\n", item.Repo)
	}
	return nil
}

// parseBatch accepts either a {items: [...]} document or a bare single item.
func parseBatch(data []byte) ([]workItemSpec, error) {
	var batch applyBatch
	if err := yaml.Unmarshal(data, &batch); err == nil && len(batch.Items) > 0 {
		return batch.Items, nil
	}
	var single workItemSpec
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	return []workItemSpec{single}, nil
}
