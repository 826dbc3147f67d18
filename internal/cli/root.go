// Package cli wires the server and the two device agents behind one
// binary: `attendease serve` runs the verification API, `attendease
// present` runs the presenter-side broadcaster, `attendease scan` runs
// the participant-side scanner.
package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "attendease",
	Short: "Proximity-verified attendance service and device agents",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(cmd.UsageString())
		os.Exit(2)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	cobra.OnInitialize(func() {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		if debug, _ := rootCmd.PersistentFlags().GetBool("debug"); debug {
			logrus.SetLevel(logrus.DebugLevel)
		}
	})
}
