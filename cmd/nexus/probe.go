package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pysugar/toolchat-nexus/internal/apperr"
	"github.com/pysugar/toolchat-nexus/internal/db/models"
	"github.com/pysugar/toolchat-nexus/internal/mcp"
	"github.com/pysugar/toolchat-nexus/internal/secret"
	"github.com/spf13/cobra"
)

var (
	probeAPIKey string
	probeBearer string
	probeCall   string
	probeArgs   string
)

// probeCmd talks to a tool server directly, without a database.
var probeCmd = &cobra.Command{
	Use:   "probe <url>",
	Short: "List (or call) the tools of a JSON-RPC tool server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := secret.GenerateKey()
		if err != nil {
			return err
		}
		cipher, err := secret.NewAESGCM(key)
		if err != nil {
			return err
		}

		server := models.ToolServer{ID: "probe", UserID: "probe", Name: "probe", URL: args[0], AuthType: models.AuthTypeNone, IsEnabled: true}
		switch {
		case probeAPIKey != "":
			server.AuthType = models.AuthTypeAPIKey
			if server.APIKeyEncrypted, err = cipher.Encrypt(probeAPIKey); err != nil {
				return err
			}
		case probeBearer != "":
			server.AuthType = models.AuthTypeBearerDelegated
		}

		client := mcp.NewClient(singleServer{server}, nil, cipher)
		caller := mcp.Caller{UserID: "probe", BearerToken: probeBearer}
		ctx := context.Background()
		out := cmd.OutOrStdout()

		if probeCall != "" {
			result, err := client.CallTool(ctx, caller, server.ID, probeCall, json.RawMessage(probeArgs))
			if err != nil {
				return err
			}
			fmt.Fprintln(out, result)
			return nil
		}

		tools, err := client.ListTools(ctx, caller, server.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "✅ %d tools\n", len(tools))
		for _, t := range tools {
			fmt.Fprintf(out, "  %-32s %s\n", t.Name, strings.TrimSpace(t.Description))
		}
		return nil
	},
}

type singleServer struct{ server models.ToolServer }

func (s singleServer) Get(_ context.Context, _, serverID string) (*models.ToolServer, error) {
	if serverID != s.server.ID {
		return nil, apperr.ErrNotFound
	}
	srv := s.server
	return &srv, nil
}

func (s singleServer) List(context.Context, string) ([]models.ToolServer, error) {
	return []models.ToolServer{s.server}, nil
}

func init() {
	probeCmd.Flags().StringVar(&probeAPIKey, "api-key", "", "Send X-API-Key")
	probeCmd.Flags().StringVar(&probeBearer, "bearer", "", "Send Authorization: Bearer")
	probeCmd.Flags().StringVar(&probeCall, "call", "", "Call this tool instead of listing")
	probeCmd.Flags().StringVar(&probeArgs, "args", "{}", "JSON arguments for --call")
	rootCmd.AddCommand(probeCmd)
}

