// ABOUTME: Render-ready view of the feed: messages paired with the date
// ABOUTME: separator labels a conversation view draws between days.

package feed

import (
	"time"

	"github.com/skillswap/chat-client/internal/wire"
)

// Entry is one timeline row: a message plus the date separator shown above
// it, empty when the previous message falls on the same calendar day.
type Entry struct {
	Message   wire.Message
	DateLabel string
}

// Timeline returns the current sequence with date labels resolved against
// the local calendar. The first message always carries a label.
func (c *Controller) Timeline() []Entry {
	now := c.clk.Now()

	c.mu.Lock()
	msgs := make([]wire.Message, len(c.messages))
	copy(msgs, c.messages)
	c.mu.Unlock()

	entries := make([]Entry, len(msgs))
	for i, m := range msgs {
		entries[i] = Entry{Message: m}
		if i == 0 || !sameCalendarDay(msgs[i-1].CreatedAt, m.CreatedAt) {
			entries[i].DateLabel = DateLabel(m.CreatedAt, now)
		}
	}
	return entries
}

// DateLabel renders a timestamp as a conversational day name: "Today",
// "Yesterday", or the weekday and date for anything older.
func DateLabel(t, now time.Time) string {
	t = t.Local()
	now = now.Local()

	switch {
	case sameCalendarDay(t, now):
		return "Today"
	case sameCalendarDay(t, now.AddDate(0, 0, -1)):
		return "Yesterday"
	default:
		return t.Format("Monday, Jan 2")
	}
}

func sameCalendarDay(a, b time.Time) bool {
	ay, am, ad := a.Local().Date()
	by, bm, bd := b.Local().Date()
	return ay == by && am == bm && ad == bd
}
