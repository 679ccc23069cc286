package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/modelmux/modelmux/pkg/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of modelmux",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version.Get())
		},
	}
}
