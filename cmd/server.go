package cmd

import (
	"JamFM/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动JamFM服务器",
	Long:  `启动JamFM一起听系统的HTTP服务器，提供会话API与WebSocket服务`,
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
