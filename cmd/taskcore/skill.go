package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/c360studio/taskcore/internal/skill"
)

// newSkillCmd groups skill-authoring subcommands.
func newSkillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skill",
		Short: "Skill authoring tools",
	}
	cmd.AddCommand(newSkillValidateCmd())
	return cmd
}

// newSkillValidateCmd dry-runs a skill document against the same
// structural checks Install applies, without touching the database.
func newSkillValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a skill document without installing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read skill file: %w", err)
			}

			doc, errs, err := skill.LoadAndValidate(data)
			if err != nil {
				return fmt.Errorf("parse skill file: %w", err)
			}
			if len(errs) > 0 {
				for _, e := range errs {
					fmt.Fprintln(cmd.OutOrStdout(), e.String())
				}
				return fmt.Errorf("%d validation error(s)", len(errs))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s@%s is valid\n", doc.Metadata.Name, doc.Metadata.Version)
			return nil
		},
	}
}
