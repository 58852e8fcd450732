package version

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/criticalstack/rendezvous/pkg/buildinfo"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "version",
		Short:         "rdvd version",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.Marshal(map[string]string{
				"Version":   buildinfo.Version,
				"GitSHA":    buildinfo.GitSHA,
				"Date":      buildinfo.Date,
				"GoVersion": buildinfo.GoVersion,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", data)
			return nil
		},
	}
	return cmd
}
