package provision

import (
	"errors"
	"fmt"
	"time"
)

// Validation failures, resolved before any cloud call.
var (
	ErrUnknownTemplate = errors.New("provision: unknown template")
	ErrMalformedParams = errors.New("provision: malformed custom parameters")
	ErrMissingParam    = errors.New("provision: missing required parameter")
	ErrShutdownHours   = errors.New("provision: auto-shutdown hours out of range")
)

// QuotaError rejects a create when the requester is at the active-instance
// limit.
type QuotaError struct {
	ActiveCount int
	Limit       int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("active instance limit reached: %d of %d", e.ActiveCount, e.Limit)
}

// CooldownError rejects a create issued before the creation cooldown expires.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("creation cooldown active: retry in %ds", int(e.Remaining.Seconds()))
}
