package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coder/agentchat/cmd/attach"
	"github.com/coder/agentchat/cmd/server"
	"github.com/coder/agentchat/lib/httpapi"
)

var rootCmd = &cobra.Command{
	Use:     "agentchat",
	Short:   "Conversation client for a coding agent",
	Long:    `Keeps the message tree of a coding agent's sessions and exposes it over a local HTTP API.`,
	Version: httpapi.Version,
}

func main() {
	rootCmd.AddCommand(server.CreateServerCmd())
	rootCmd.AddCommand(attach.AttachCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
