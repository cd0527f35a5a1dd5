package cmd

import (
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	authToken  string
	callerName string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "relayctl",
	Short:         "Client for the agent relay server",
	Long:          "relayctl talks to a running relayd: list agents, send and read messages, and manage tasks.",
	SilenceUsage:  true,
	SilenceErrors: false,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:7350", "relayd base URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "bearer token (or RELAY_AUTH_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&callerName, "as", "", "act as this agent (default: the orchestrator)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON responses")

	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(statusCmd)
}
