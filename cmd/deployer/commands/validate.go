package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the manifest",
		Long: `Validate the manifest without touching the state database.

This command checks:
  - YAML or CUE syntax and the manifest schema
  - Resource IDs are unique and every dependency is declared
  - Series only name declared resources, each once`,
		Example: `  # Validate deployer.yaml in the current directory
  deployer validate

  # Validate a CUE package
  deployer validate -m ./manifests`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := config.NewLoader().Load(manifestPath)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"name":      m.Name,
					"resources": len(m.Resources),
					"series":    len(m.Series),
					"files":     m.SourceFiles,
					"valid":     true,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "manifest %s is valid: %d resources\n", m.Name, len(m.Resources))
			return nil
		},
	}

	return cmd
}
