package notify

import "time"

// Event is a completion notification addressed to the user who owns a relay
// session. The front-end consuming the queue renders Text to the user.
type Event struct {
	UserID     int64     `json:"userId"`
	Title      string    `json:"title"`
	Text       string    `json:"text"`
	OccurredAt time.Time `json:"occurredAt"`
}
