package command

import (
	"github.com/cloudpad/gameserv/internal/domain"
	"github.com/cloudpad/gameserv/pkg/config"
)

// Tier orders the capability levels a command may demand. Each tier implies
// every tier below it.
type Tier int

const (
	// TierAnyone admits every authenticated actor.
	TierAnyone Tier = iota
	// TierResourceOwner admits the owner of the target instance and every
	// operator-or-above actor.
	TierResourceOwner
	// TierOperator admits holders of the operator or admin role and owners.
	TierOperator
	// TierAdmin admits holders of the admin role and owners.
	TierAdmin
	// TierOwner admits only configured bot owners.
	TierOwner
)

// Authorizer resolves actor capabilities against configured roles.
type Authorizer struct {
	owners       map[string]struct{}
	adminRole    string
	operatorRole string
}

// NewAuthorizer builds the guard table from configuration.
func NewAuthorizer(cfg config.BotConfig) *Authorizer {
	owners := make(map[string]struct{}, len(cfg.OwnerIDs))
	for _, id := range cfg.OwnerIDs {
		owners[id] = struct{}{}
	}
	return &Authorizer{
		owners:       owners,
		adminRole:    cfg.AdminRole,
		operatorRole: cfg.OperatorRole,
	}
}

// IsOwner reports whether the actor is a configured bot owner.
func (a *Authorizer) IsOwner(actor domain.Actor) bool {
	_, ok := a.owners[actor.UserID]
	return ok
}

// IsAdmin reports whether the actor holds admin capability or better.
func (a *Authorizer) IsAdmin(actor domain.Actor) bool {
	return a.IsOwner(actor) || actor.HasRole(a.adminRole)
}

// IsOperator reports whether the actor holds operator capability or better.
func (a *Authorizer) IsOperator(actor domain.Actor) bool {
	return a.IsAdmin(actor) || actor.HasRole(a.operatorRole)
}

// Allows checks a tier demand that does not involve a specific resource.
// TierResourceOwner without a resource degrades to TierOperator.
func (a *Authorizer) Allows(actor domain.Actor, tier Tier) bool {
	switch tier {
	case TierAnyone:
		return true
	case TierResourceOwner, TierOperator:
		return a.IsOperator(actor)
	case TierAdmin:
		return a.IsAdmin(actor)
	case TierOwner:
		return a.IsOwner(actor)
	default:
		return false
	}
}

// AllowsResource checks a tier demand against a concrete instance record.
// Checks run from the strongest capability down; plain ownership of the
// record is the weakest grant and never confers bypass rights elsewhere.
func (a *Authorizer) AllowsResource(actor domain.Actor, tier Tier, record *domain.ManagedInstance) bool {
	if tier == TierResourceOwner && record != nil && record.OwnerUserID == actor.UserID {
		return true
	}
	return a.Allows(actor, tier)
}
