package command

import "context"

// Outcome is the three-way result of an interactive confirmation.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Confirmer asks the requesting user to approve a destructive action. The
// implementation owns the transport and the timeout; a timeout is an Outcome,
// not an error.
type Confirmer interface {
	Confirm(ctx context.Context, userID, prompt string) (Outcome, error)
}
