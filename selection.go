package chatsync

import "time"

// ChooseConversation picks the conversation to surface when none is
// active: the last active one if it still exists, else the one with the
// most recent message, else the lowest id. It reports false when convs is
// empty.
func ChooseConversation(convs []Conversation, lastActive *int64, latest map[int64]time.Time) (int64, bool) {
	if len(convs) == 0 {
		return 0, false
	}

	if lastActive != nil {
		for _, c := range convs {
			if c.ID == *lastActive {
				return c.ID, true
			}
		}
	}

	var (
		best     int64
		bestAt   time.Time
		haveBest bool
	)
	for _, c := range convs {
		at, ok := latest[c.ID]
		if !ok {
			continue
		}
		if !haveBest || at.After(bestAt) || (at.Equal(bestAt) && c.ID < best) {
			best, bestAt, haveBest = c.ID, at, true
		}
	}
	if haveBest {
		return best, true
	}

	lowest := convs[0].ID
	for _, c := range convs[1:] {
		if c.ID < lowest {
			lowest = c.ID
		}
	}
	return lowest, true
}
