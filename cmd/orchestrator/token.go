package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/auth"
)

var (
	tokenSubject string
	tokenRoles   []string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a service token for an automated API client",
	Long: `token signs a bearer token with the configured service token secret
(AUTH_SERVICE_SECRET). The API accepts it when authentication is enabled.`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "client identity (required)")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", nil, "role granted to the client (repeatable)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime (0 = never expires)")
	_ = tokenCmd.MarkFlagRequired("subject")
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.AuthServiceSecret == "" {
		return errors.New("no service token secret configured")
	}
	tokens, err := auth.NewServiceTokens(cfg.AuthServiceSecret, cfg.AuthServiceIssuer)
	if err != nil {
		return err
	}
	token, err := tokens.Issue(tokenSubject, tokenRoles, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
