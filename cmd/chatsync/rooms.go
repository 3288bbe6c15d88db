package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/Prismer-AI/chatsync"
)

var startTimeout time.Duration

func init() {
	rootCmd.AddCommand(roomsCmd)
	roomsCmd.AddCommand(roomsListCmd)
	roomsCmd.AddCommand(roomsCreateCmd)

	rootCmd.PersistentFlags().DurationVar(&startTimeout, "timeout", 30*time.Second, "bound on startup and remote calls")
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List and create conversations",
}

var roomsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, falling back to the cache when offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), startTimeout)
		defer cancel()
		if err := s.start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (showing cached conversations)\n", err)
		}

		st := s.engine.State()
		if len(st.Conversations) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range st.Conversations {
			marker := " "
			if st.ActiveConversationID != nil && *st.ActiveConversationID == c.ID {
				marker = "*"
			}
			fmt.Printf("%s #%-6d %s\n", marker, c.ID, participantNames(c))
		}
		return nil
	},
}

var roomsCreateCmd = &cobra.Command{
	Use:   "create <username>...",
	Short: "Create a conversation with the given participants",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), startTimeout)
		defer cancel()
		if err := s.start(ctx); err != nil {
			return err
		}

		conv, err := s.client.CreateConversation(ctx, args)
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		s.engine.AddConversation(ctx, conv)
		fmt.Printf("Created conversation #%d with %s\n", conv.ID, participantNames(conv))
		return nil
	},
}

// parseConversationID parses a "#12" or "12" argument.
func parseConversationID(arg string) (int64, error) {
	if len(arg) > 0 && arg[0] == '#' {
		arg = arg[1:]
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, &chatsync.ValidationError{Field: "conversation", Reason: fmt.Sprintf("%q is not a conversation id", arg)}
	}
	return id, nil
}
