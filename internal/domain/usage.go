package domain

import "time"

// UsageEvent is one recorded command invocation. Immutable once written.
type UsageEvent struct {
	ID          string
	UserID      string
	CommandName string
	CreatedAt   time.Time
}
