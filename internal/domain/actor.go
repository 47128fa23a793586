package domain

// Actor identifies the user behind a command as seen by the chat gateway.
// Roles are opaque strings resolved by the gateway; the guard layer only
// compares them against configured role names.
type Actor struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

// HasRole reports whether the actor carries the named role.
func (a Actor) HasRole(role string) bool {
	if role == "" {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}
