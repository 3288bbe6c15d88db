package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, credentials and cached state",
	Long:  "Display the effective configuration, check whether the access token has expired, and summarize the local cache without contacting the server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Configuration:")
		fmt.Printf("  Server:      %s\n", cfg.Server.BaseURL)
		fmt.Printf("  Cache:       %s %s\n", cfg.Cache.Backend, cfg.Cache.Path)
		fmt.Printf("  Reconnect:   every %s (max %s, exponential %t)\n",
			cfg.Transport.ReconnectDelay, cfg.Transport.ReconnectMaxDelay, cfg.Transport.Exponential)

		fmt.Println()
		fmt.Println("Auth:")
		creds, _ := newCredentialStore(cfg)
		c, err := creds.Load()
		if err != nil {
			fmt.Println("  Token:       (not set) - run 'chatsync auth set-token'")
		} else {
			fmt.Printf("  Username:    %s\n", valueOrDefault(c.Username, "(from token)"))
			fmt.Printf("  Token:       %s\n", tokenStatus(c.AccessToken, time.Now()))
		}

		if cfg.Cache.Backend == "memory" {
			return nil
		}
		s, err := openSession(cfg)
		if err != nil {
			fmt.Printf("\nCache unavailable: %v\n", err)
			return nil
		}
		defer s.Close()

		st := s.engine.State()
		messages := 0
		for _, c := range st.Conversations {
			msgs, err := s.cache.LoadHistory(c.ID)
			if err != nil {
				return fmt.Errorf("read cached history for #%d: %w", c.ID, err)
			}
			messages += len(msgs)
		}
		fmt.Println()
		fmt.Println("Cache:")
		fmt.Printf("  Conversations: %s\n", humanize.Comma(int64(len(st.Conversations))))
		fmt.Printf("  Messages:      %s\n", humanize.Comma(int64(messages)))
		fmt.Printf("  Queued:        %s\n", humanize.Comma(int64(st.PendingCount)))
		if id, ok, err := s.cache.LoadLastActive(); err == nil && ok {
			fmt.Printf("  Last active:   #%d\n", id)
		}
		return nil
	},
}
