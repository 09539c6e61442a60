package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/ggoodman/subscription-transport-go/protocol"
)

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schemas of the wire messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(protocol.Schemas())
		},
	}
}
