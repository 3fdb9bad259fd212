package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kolkov/raceinstr/race"
)

// versionInfo is race.Info with a text form.
type versionInfo race.Info

func (v versionInfo) String() string {
	return fmt.Sprintf("racedetector version %s\n", v.Version)
}

// newVersionCommand creates the version command.
func newVersionCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.formatter(cmd).Success(versionInfo(race.GetInfo()))
		},
	}
}
