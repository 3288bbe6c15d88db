package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	chatsync "github.com/Prismer-AI/chatsync"
)

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 16 {
		return token[:2] + "..."
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// participantNames joins the usernames of a conversation.
func participantNames(c chatsync.Conversation) string {
	names := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		names = append(names, p.Username)
	}
	if len(names) == 0 {
		return "(nobody)"
	}
	return strings.Join(names, ", ")
}

// formatMessage renders one history line.
func formatMessage(m chatsync.Message, now time.Time) string {
	when := humanize.RelTime(m.SentAt, now, "ago", "from now")
	if m.Approximate {
		when = "~" + when
	}
	marker := ""
	switch m.State {
	case chatsync.MessagePending:
		marker = " [queued]"
	case chatsync.MessageSent:
		marker = " [sent]"
	case chatsync.MessageFailed:
		marker = " [failed]"
	}
	return fmt.Sprintf("%-14s %s: %s%s", when, m.SenderUsername, m.Content, marker)
}
