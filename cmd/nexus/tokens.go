package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pysugar/toolchat-nexus/internal/config"
	"github.com/pysugar/toolchat-nexus/internal/db"
	"github.com/pysugar/toolchat-nexus/internal/secret"
	"github.com/pysugar/toolchat-nexus/internal/version"
	"github.com/spf13/cobra"
)

var (
	issueUser string
	issueTTL  time.Duration
)

var issueTokenCmd = &cobra.Command{
	Use:   "issue-token",
	Short: "Create a session token for a user (printed once)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if issueUser == "" {
			return errors.New("--user is required")
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		tok, err := db.NewSessionStore(database).Issue(context.Background(), issueUser, issueTTL)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

var genKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Print a fresh 32-byte hex encryption key",
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := secret.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "toolchat-nexus %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildTime)
	},
}

func init() {
	issueTokenCmd.Flags().StringVar(&issueUser, "user", "", "User id the token authenticates")
	issueTokenCmd.Flags().DurationVar(&issueTTL, "ttl", 30*24*time.Hour, "Token lifetime (0 for no expiry)")
}
