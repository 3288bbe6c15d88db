package chatsync

import (
	"sort"
	"strings"
	"time"
)

// DedupWindow is the tolerance within which two messages with the same
// sender and content are treated as one.
const DedupWindow = time.Second

type dedupKey struct {
	conversationID int64
	sender         string
	content        string
	bucket         int64
}

func keyOf(m Message) dedupKey {
	ms := m.SentAt.UnixMilli()
	bucket := ms / DedupWindow.Milliseconds()
	if ms < 0 && ms%DedupWindow.Milliseconds() != 0 {
		bucket--
	}
	return dedupKey{
		conversationID: m.ConversationID,
		sender:         m.SenderUsername,
		content:        m.Content,
		bucket:         bucket,
	}
}

// sameMessage reports whether a and b fall in the dedup window. Messages in
// the same one-second bucket always match; neighbouring buckets match when
// the timestamps are less than a window apart.
func sameMessage(a, b Message) bool {
	ka, kb := keyOf(a), keyOf(b)
	if ka.conversationID != kb.conversationID || ka.sender != kb.sender || ka.content != kb.content {
		return false
	}
	if ka.bucket == kb.bucket {
		return true
	}
	d := a.SentAt.Sub(b.SentAt)
	if d < 0 {
		d = -d
	}
	return d < DedupWindow
}

// findDuplicate returns the index of the message in msgs matching m, or -1.
func findDuplicate(msgs []Message, m Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if sameMessage(msgs[i], m) {
			return i
		}
	}
	return -1
}

// insertOrdered places m after every message sent at or before it, so
// equal timestamps keep arrival order.
func insertOrdered(msgs []Message, m Message) []Message {
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].SentAt.After(m.SentAt) })
	msgs = append(msgs, Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs
}

// mergeHistory combines a freshly fetched remote history with the local
// one. Remote messages win; local messages survive unless a remote message
// matches them. Placeholders matched this way are returned as superseded.
func mergeHistory(conversationID int64, remote, local []Message) (merged, superseded []Message) {
	merged = make([]Message, 0, len(remote)+len(local))
	for _, m := range remote {
		if m.ConversationID != conversationID {
			continue
		}
		m.State = MessageConfirmed
		if findDuplicate(merged, m) >= 0 {
			continue
		}
		merged = append(merged, m)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].SentAt.Before(merged[j].SentAt) })

	confirmed := len(merged)
	for _, m := range local {
		if matchesAny(merged[:confirmed], m) {
			if m.Local() {
				superseded = append(superseded, m)
			}
			continue
		}
		merged = insertOrdered(merged, m)
	}
	return merged, superseded
}

func matchesAny(msgs []Message, m Message) bool {
	for _, c := range msgs {
		if (m.ID > 0 && c.ID == m.ID) || sameMessage(c, m) {
			return true
		}
	}
	return false
}

// latestSentAt returns the newest timestamp in msgs.
func latestSentAt(msgs []Message) (time.Time, bool) {
	if len(msgs) == 0 {
		return time.Time{}, false
	}
	latest := msgs[0].SentAt
	for _, m := range msgs[1:] {
		if m.SentAt.After(latest) {
			latest = m.SentAt
		}
	}
	return latest, true
}

// withContent drops messages whose content is blank after trimming.
func withContent(msgs []Message) []Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) != "" {
			out = append(out, m)
		}
	}
	return out
}
