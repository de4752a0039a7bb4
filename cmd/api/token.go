package main

import (
	"errors"
	"fmt"
	"time"

	"chatdesk/internal/auth"
	"chatdesk/internal/config"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Service token utilities",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a service token for a collaborator (agent UI, integrations)",
	RunE:  runTokenIssue,
}

var tokenSubject string

func init() {
	tokenIssueCmd.Flags().StringVar(&tokenSubject, "subject", "", "name of the collaborator the token is issued to")
	_ = tokenIssueCmd.MarkFlagRequired("subject")
	tokenCmd.AddCommand(tokenIssueCmd)
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !cfg.AuthEnabled() {
		return errors.New("API_TOKEN_SECRET is not set")
	}
	m, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}
	tok, err := m.Issue(time.Now(), tokenSubject)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
