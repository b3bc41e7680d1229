package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/rzbill/corral/pkg/policy"
	"github.com/rzbill/corral/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	errorColor   = color.New(color.FgRed, color.Bold)
	fileColor    = color.New(color.FgCyan, color.Bold)
	successColor = color.New(color.FgGreen, color.Bold)
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with policy definitions",
	}
	cmd.AddCommand(newPolicyValidateCmd())
	return cmd
}

func newPolicyValidateCmd() *cobra.Command {
	var files []string
	cmd := &cobra.Command{
		Use:   "validate -f FILE...",
		Short: "Validate policy YAML files",
		Long: `Validate policy definitions against their registered types.

A file may hold several definitions separated by '---'. Each one needs a
name, a type, a version and its properties:

  name: web-lb
  type: corral.policy.loadbalance
  version: "1.0"
  properties:
    pool:
      subnet: private
    vip:
      subnet: public`,
		RunE: func(cmd *cobra.Command, args []string) error {
			files = append(files, args...)
			if len(files) == 0 {
				return fmt.Errorf("at least one file is required")
			}
			return validatePolicyFiles(cmd.Context(), cmd.OutOrStdout(), files)
		},
	}
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "policy file to validate (repeatable)")
	return cmd
}

// validatePolicyFiles reports every definition in files and fails if any
// is invalid.
func validatePolicyFiles(ctx context.Context, out io.Writer, files []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	reg := newRegistry()

	invalid := 0
	for _, path := range files {
		fileColor.Fprintf(out, "%s\n", path)
		defs, err := readPolicyFile(path)
		if err != nil {
			errorColor.Fprintf(out, "  ✗ %v\n", err)
			invalid++
			continue
		}
		for _, def := range defs {
			if _, err := reg.Create(ctx, def, policy.Env{}); err != nil {
				errorColor.Fprintf(out, "  ✗ %s: %v\n", policySummary(def), err)
				invalid++
				continue
			}
			successColor.Fprintf(out, "  ✓ %s\n", policySummary(def))
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%d invalid policy definition(s)", invalid)
	}
	return nil
}

// readPolicyFile decodes every YAML document in path.
func readPolicyFile(path string) ([]*types.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var defs []*types.Policy
	for i := 0; ; i++ {
		def := &types.Policy{}
		err := dec.Decode(def)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: document %d: %w", path, i+1, err)
		}
		if def.Name == "" && def.Type == "" {
			continue
		}
		if def.Name == "" {
			return nil, fmt.Errorf("%s: document %d: name is required", path, i+1)
		}
		if def.Spec == nil {
			def.Spec = map[string]interface{}{}
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%s: no policy definitions found", path)
	}
	return defs, nil
}

// policySummary is a one-line description used in logs and CLI output.
func policySummary(def *types.Policy) string {
	if def.ID != "" {
		return fmt.Sprintf("%s (%s, id %s)", def.Name, def.TypeName(), def.ID)
	}
	return fmt.Sprintf("%s (%s)", def.Name, def.TypeName())
}
