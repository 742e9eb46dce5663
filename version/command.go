package version

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

// NewVersionCommand returns a CLI command to print the application binary
// version information.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the application binary version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			bz, err := json.MarshalIndent(NewInfo(), "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(bz))
			return nil
		},
	}
}
