package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version  = "0.9.0"
	codename = "xpanel"
	intro    = "A lightweight admin panel for Xray and Psiphon"

	versionCommand = &cobra.Command{
		Use:   "version",
		Short: "Print current version of xpanel",
		Run: func(cmd *cobra.Command, args []string) {
			showVersion()
		},
	}
)

func init() {
	rootCmd.AddCommand(versionCommand)
}

func showVersion() {
	fmt.Printf("%s %s (%s) \n", codename, version, intro)
}
