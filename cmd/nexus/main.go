package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "nexus",
	Short: "Chat backend that lets a model call user-authorized tool servers",
	Long: `nexus serves conversations whose answers may call tools on remote
JSON-RPC tool servers, authenticating to them with the caller's own OAuth
connections, API keys or session token.

Examples:
  nexus serve --config toolchat.yaml
  nexus issue-token --user alice
  nexus gen-key`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	SilenceUsage:      true,
	RunE:              runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file (default: toolchat.yaml or $TOOLCHAT_CONFIG)")
	rootCmd.AddCommand(serveCmd, issueTokenCmd, genKeyCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Printf("❌ %v", err)
		os.Exit(1)
	}
}
