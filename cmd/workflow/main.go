// Command workflow is a minimal operator CLI over the core: `validate`
// loads a workflow document and runs the static Validator against it,
// `impact` classifies a proposed TaskDefinition change against a workflow's
// field usage, and `version` prints the build version. The interactive
// surface spec.md names (init/explain/tasks/run/test/debug) is out of
// scope per spec.md §1 ("CLI scaffolding" is a named external
// collaborator).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/jordigilh/workflowcore/internal/notify"
	"github.com/jordigilh/workflowcore/pkg/contract"
	"github.com/jordigilh/workflowcore/pkg/validator"
	"github.com/jordigilh/workflowcore/pkg/workflow"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "workflow",
		Short: "Static checks for workflow definitions",
	}
	root.AddCommand(newValidateCommand())
	root.AddCommand(newImpactCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the binary version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

// newImpactCommand classifies the effect of one proposed TaskDefinition
// field change against the consumers a workflow document declares
// (spec.md §4.9): it runs AnalyzeUsage over the document to build the
// ConsumerContract set, then Impact against that taskRef/change. When
// WORKFLOWCORE_SLACK_TOKEN is set, a blocked result is also posted to
// WORKFLOWCORE_SLACK_CHANNEL.
func newImpactCommand() *cobra.Command {
	var taskRef, kind, field string
	cmd := &cobra.Command{
		Use:   "impact [file]",
		Short: "Classify the impact of a proposed task contract change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			var spec workflow.WorkflowSpec
			if err := yaml.Unmarshal(raw, &spec); err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}

			change := contract.ProposedChange{Kind: contract.ChangeKind(kind), Field: field}
			contracts := contract.AnalyzeUsage(&spec)

			var notifier contract.Notifier
			if token := os.Getenv("WORKFLOWCORE_SLACK_TOKEN"); token != "" {
				notifier = notify.NewSlackSink(token, os.Getenv("WORKFLOWCORE_SLACK_CHANNEL"))
			}

			result := contract.Impact(context.Background(), taskRef, change, contracts, notifier)
			fmt.Fprintf(cmd.OutOrStdout(), "impact: %s blocked=%t affected=%v\n", result.Level, result.Blocked, result.AffectedWorkflows)
			for _, action := range result.SuggestedActions {
				fmt.Fprintf(cmd.OutOrStdout(), "suggested action: %s\n", action)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskRef, "task", "", "taskRef the change applies to")
	cmd.Flags().StringVar(&kind, "kind", "", "change kind: RemoveField, RenameField, ChangeFieldType, AddOptionalField, AddRequiredField")
	cmd.Flags().StringVar(&field, "field", "", "field the change applies to")
	cmd.MarkFlagRequired("task")
	cmd.MarkFlagRequired("kind")
	cmd.MarkFlagRequired("field")
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Run static graph/template/control-flow checks against a workflow document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			var spec workflow.WorkflowSpec
			if err := yaml.Unmarshal(raw, &spec); err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}

			result := validator.Validate(&spec, nil)
			for _, w := range result.Warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", w)
			}
			for _, e := range result.Errors {
				fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", e)
			}
			if !result.Valid {
				return fmt.Errorf("%s is invalid (%d error(s))", args[0], len(result.Errors))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", args[0])
			return nil
		},
	}
}
