package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/Prismer-AI/chatsync"
)

var sendWait time.Duration

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().DurationVar(&sendWait, "wait", 10*time.Second, "how long to wait for a connection before leaving the message queued")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>...",
	Short: "Send a message, queueing it if the server is unreachable",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		content := strings.Join(args[1:], " ")

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

		msg, err := s.engine.Submit(id, content)
		if err != nil && !chatsync.IsPersistence(err) {
			return err
		}
		if err != nil {
			fmt.Printf("Warning: %v\n", err)
		}

		if !waitConnected(ctx, s.engine, sendWait) {
			fmt.Printf("Queued message %d; it will be sent on the next connection.\n", msg.ID)
			return nil
		}
		if _, err := s.engine.Drain(ctx); err != nil {
			fmt.Printf("Queued message %d; delivery interrupted: %v\n", msg.ID, err)
			return nil
		}
		if pending := s.engine.State().PendingCount; pending > 0 {
			fmt.Printf("Sent; %d message(s) still queued.\n", pending)
			return nil
		}
		fmt.Println("Sent.")
		return nil
	},
}

// waitConnected blocks until the engine reports CONNECTED, the timeout
// passes or ctx ends.
func waitConnected(ctx context.Context, e *chatsync.Engine, timeout time.Duration) bool {
	connected := make(chan struct{})
	var once sync.Once
	unsubscribe := e.Subscribe(func(st chatsync.State) {
		if st.ConnectionStatus == chatsync.StatusConnected {
			once.Do(func() { close(connected) })
		}
	})
	defer unsubscribe()
	if e.State().ConnectionStatus == chatsync.StatusConnected {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-connected:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
