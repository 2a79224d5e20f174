package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eachlabs/tether/internal/orchestrator"
	"github.com/eachlabs/tether/internal/rpc"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the host protocol JSON Schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := rpc.MarshalSchema(orchestrator.Methods())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
