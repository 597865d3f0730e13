package model

import "time"

// ThreadSummary is a derived per-conversation aggregate. It is recomputed
// on every query from current Email rows; nothing persists it. Emails with
// no assigned thread id group as singleton threads under their message id.
type ThreadSummary struct {
	ThreadKey    string // COALESCE(thread_id, message_id)
	MessageCount int
	UnreadCount  int
	LatestDate   time.Time
	Latest       Email // most recent email in the group, for display
}

// IsLatestUnread reports whether the thread's most recent message is unread.
func (t ThreadSummary) IsLatestUnread() bool {
	return !t.Latest.IsRead
}
