package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/consulhelper/internal/version"
)

func newVersionCommand() *cobra.Command {
	var short, asYAML bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the consulhelper version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Read()
			switch {
			case short:
				_, err := fmt.Fprintln(cmd.OutOrStdout(), info.Version)
				return err
			case asYAML:
				out, err := yaml.Marshal(&info)
				if err != nil {
					return fmt.Errorf("marshal version: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), info.String())
			return err
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print build details as YAML")
	return cmd
}
