package main

import (
	"github.com/spf13/cobra"
	"github.com/stripe/pg-schema-deploy/pkg/log"
)

func buildGraphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the dependency graph of the model in DOT format",
		Long:  "Print the dependency graph of the model in DOT format, e.g. pg-schema-deploy graph --model model.yaml | dot -Tsvg",
	}

	mdlFlags := createModelFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		m, err := mdlFlags.load(log.NopLogger())
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true
		return m.EncodeDOT(cmd.OutOrStdout())
	}

	return cmd
}
