// Package app wires together the rdvd command tree.
package app

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/criticalstack/rendezvous/cmd/rdvd/app/run"
	"github.com/criticalstack/rendezvous/cmd/rdvd/app/version"
	"github.com/criticalstack/rendezvous/pkg/log"
)

var opts struct {
	Verbose bool
}

// NewCommand builds the rdvd root command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rdvd",
		Short: "rendezvous cluster discovery daemon",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.Verbose {
				log.SetLevel(zapcore.DebugLevel)
			}
		},
	}

	cmd.AddCommand(
		newCompletionCmd(cmd),
		run.NewCommand(),
		version.NewCommand(),
	)

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose log output (debug)")
	return cmd
}

func newCompletionCmd(rootCmd *cobra.Command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion",
		Short: "Generates bash completion scripts",
		Run: func(cmd *cobra.Command, args []string) {
			w := os.Stdout
			if len(args) > 0 {
				var err error
				w, err = os.OpenFile(args[0], os.O_RDWR|os.O_CREATE, 0644)
				if err != nil {
					log.Fatal(err)
				}
				defer w.Close()
			}
			if err := rootCmd.GenBashCompletion(w); err != nil {
				log.Fatal(err)
			}
		},
	}
	return cmd
}
