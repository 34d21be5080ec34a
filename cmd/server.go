package cmd

import (
	"github.com/spf13/cobra"

	"dvr-uploader/config"
	server2 "dvr-uploader/server"
)

func server(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "watch the recordings tree and run the upload pipeline",
		Run: func(cmd *cobra.Command, args []string) {
			server2.RunHttp(config)
		},
	}
}
