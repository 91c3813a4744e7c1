package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/drawbridge-io/drawbridge/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "drawbridge.json"
			}
			force, _ := cmd.Flags().GetBool("force")

			if _, err := os.Stat(output); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", output)
			}

			data, err := json.MarshalIndent(config.Default(), "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, append(data, '\n'), 0o600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			fmt.Printf("wrote %s\n", output)
			fmt.Println("Set ai.api_key before starting the server.")
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./drawbridge.json)")
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}
