package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	chatsync "github.com/Prismer-AI/chatsync"
)

var (
	authRefreshToken string
	authUsername     string
	authRole         string
)

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authSetTokenCmd)
	authCmd.AddCommand(authShowCmd)

	authSetTokenCmd.Flags().StringVar(&authRefreshToken, "refresh-token", "", "refresh token used to renew the access token")
	authSetTokenCmd.Flags().StringVar(&authUsername, "username", "", "username, when the token does not carry one")
	authSetTokenCmd.Flags().StringVar(&authRole, "role", "", "role (USER or ADMIN)")
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage stored credentials",
	Long:  "Store and inspect the token pair kept in ~/.chatsync/credentials.toml.",
}

var authSetTokenCmd = &cobra.Command{
	Use:   "set-token <access-token>",
	Short: "Store an access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, _ := newCredentialStore(cfg)
		c := chatsync.Credentials{
			AccessToken:  args[0],
			RefreshToken: authRefreshToken,
			Username:     authUsername,
			Role:         chatsync.Role(authRole),
		}
		if err := creds.Save(c); err != nil {
			return fmt.Errorf("failed to save credentials: %w", err)
		}

		ident, err := creds.Restore(cmd.Context())
		if err != nil {
			fmt.Printf("Credentials saved to %s, but no identity could be derived: %v\n", creds.Path(), err)
			return nil
		}
		fmt.Printf("Credentials saved to %s (user %s, role %s)\n", creds.Path(), ident.Username, ident.Role)
		return nil
	},
}

var authShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored identity and token expiry",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, _ := newCredentialStore(cfg)
		c, err := creds.Load()
		if err != nil {
			return err
		}
		fmt.Printf("File:          %s\n", creds.Path())
		fmt.Printf("Username:      %s\n", valueOrDefault(c.Username, "(from token)"))
		fmt.Printf("Access token:  %s\n", maskToken(c.AccessToken))
		fmt.Printf("Refresh token: %s\n", valueOrDefault(maskToken(c.RefreshToken), "(none)"))
		fmt.Printf("Expiry:        %s\n", tokenStatus(c.AccessToken, time.Now()))
		return nil
	},
}

// tokenStatus describes when an access token expires, relative to now.
func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	exp, ok := chatsync.TokenExpiry(token)
	if !ok {
		return "present (no expiry claim)"
	}
	if now.Before(exp) {
		return fmt.Sprintf("valid (expires %s)", humanize.RelTime(exp, now, "ago", "from now"))
	}
	return fmt.Sprintf("EXPIRED (%s)", humanize.RelTime(exp, now, "ago", "from now"))
}
