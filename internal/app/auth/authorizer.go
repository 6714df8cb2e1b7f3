// Package auth turns directory roles into the capabilities the ownership
// engine checks before administrative transitions.
package auth

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/R3E-Network/crm_service/internal/app/domain/user"
	"github.com/R3E-Network/crm_service/internal/app/storage"
	"github.com/R3E-Network/crm_service/internal/errors"
)

// Capability names an action gated by role.
type Capability string

const (
	// CapabilityAssign allows administrative assignment, bypassing capacity.
	CapabilityAssign Capability = "customers:assign"
	// CapabilityRelease allows releasing customers held by someone else.
	CapabilityRelease Capability = "customers:release"
	// CapabilityViewAll allows per-user holding reports.
	CapabilityViewAll Capability = "customers:view_all"
)

// SystemActor is recorded as the actor of scheduled transitions. The id is
// reserved: tokens and seeded users may not use it. Holding the name grants
// nothing; only a context marked by AsSystem bypasses capability checks.
const SystemActor = "system"

type systemKey struct{}

// AsSystem marks ctx as running on behalf of the scheduler.
func AsSystem(ctx context.Context) context.Context {
	return context.WithValue(ctx, systemKey{}, true)
}

// IsSystem reports whether ctx was marked by AsSystem.
func IsSystem(ctx context.Context) bool {
	v, _ := ctx.Value(systemKey{}).(bool)
	return v
}

var roleCapabilities = map[user.Role][]Capability{
	user.RoleAdmin:    {CapabilityAssign, CapabilityRelease, CapabilityViewAll},
	user.RoleManager:  {CapabilityAssign, CapabilityRelease, CapabilityViewAll},
	user.RoleEmployee: nil,
}

// Authorizer answers capability checks for an actor.
type Authorizer interface {
	RequireCapability(ctx context.Context, actor string, capability Capability) error
}

// RoleAuthorizer derives capabilities from the user directory.
type RoleAuthorizer struct {
	users storage.UserStore
}

var _ Authorizer = (*RoleAuthorizer)(nil)

// NewRoleAuthorizer returns an authorizer backed by users.
func NewRoleAuthorizer(users storage.UserStore) *RoleAuthorizer {
	return &RoleAuthorizer{users: users}
}

// RequireCapability returns a Forbidden service error unless actor is an
// active user whose role grants capability.
func (a *RoleAuthorizer) RequireCapability(ctx context.Context, actor string, capability Capability) error {
	if IsSystem(ctx) && actor == SystemActor {
		return nil
	}
	if actor == "" {
		return errors.Unauthorized("missing actor")
	}
	if actor == SystemActor {
		return errors.Forbidden("system actor outside a scheduled job")
	}
	u, err := a.users.GetUser(ctx, actor)
	if stderrors.Is(err, storage.ErrNotFound) {
		return errors.Forbidden(fmt.Sprintf("unknown actor %s", actor))
	}
	if err != nil {
		return fmt.Errorf("load actor %s: %w", actor, err)
	}
	if !u.Active {
		return errors.Forbidden(fmt.Sprintf("actor %s is inactive", actor))
	}
	if !Grants(u.Role, capability) {
		return errors.Forbidden(fmt.Sprintf("role %s lacks %s", u.Role, capability)).
			WithDetails("capability", string(capability))
	}
	return nil
}

// Grants reports whether role carries capability.
func Grants(role user.Role, capability Capability) bool {
	for _, c := range roleCapabilities[role] {
		if c == capability {
			return true
		}
	}
	return false
}
