package auth

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

// Role is the closed set of account roles authorized for content operations.
type Role string

const (
	RoleUser   Role = "user"
	RoleAuthor Role = "author"
	RoleAdmin  Role = "admin"
)

// ParseRole maps a stored role column onto the Role type.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAuthor, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Capability names an action class against content.
type Capability string

const (
	CapRead     Capability = "read"
	CapWriteOwn Capability = "write-own"
	CapWriteAll Capability = "write-all"
)

// casbinModel grants capabilities per role with role inheritance:
// author inherits user, admin inherits author.
const casbinModel = `
[request_definition]
r = sub, act

[policy_definition]
p = sub, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.act == p.act
`

// Authorizer answers capability questions for content operations using a
// fixed in-code policy table rather than ad hoc role comparisons.
type Authorizer struct {
	enforcer *casbin.Enforcer
}

// NewAuthorizer builds the enforcer and seeds the capability table:
// user: read; author: read + write-own; admin: read + write-all.
func NewAuthorizer() (*Authorizer, error) {
	m, err := model.NewModelFromString(casbinModel)
	if err != nil {
		return nil, fmt.Errorf("failed to parse authz model: %w", err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create enforcer: %w", err)
	}

	policies := [][]string{
		{string(RoleUser), string(CapRead)},
		{string(RoleAuthor), string(CapWriteOwn)},
		{string(RoleAdmin), string(CapWriteAll)},
	}
	for _, p := range policies {
		if _, err := e.AddPolicy(p); err != nil {
			return nil, fmt.Errorf("failed to add policy %v: %w", p, err)
		}
	}
	groups := [][]string{
		{string(RoleAuthor), string(RoleUser)},
		{string(RoleAdmin), string(RoleAuthor)},
	}
	for _, g := range groups {
		if _, err := e.AddGroupingPolicy(g); err != nil {
			return nil, fmt.Errorf("failed to add role inheritance %v: %w", g, err)
		}
	}
	return &Authorizer{enforcer: e}, nil
}

// Can reports whether the role holds the capability.
func (a *Authorizer) Can(role Role, cap Capability) bool {
	ok, err := a.enforcer.Enforce(string(role), string(cap))
	if err != nil {
		return false
	}
	return ok
}

// CanEdit reports whether an actor may edit content owned by ownerID.
// A nil ownerID means the original author was removed; only write-all
// roles may touch orphaned content.
func (a *Authorizer) CanEdit(role Role, actorID int64, ownerID *int64) bool {
	if a.Can(role, CapWriteAll) {
		return true
	}
	if a.Can(role, CapWriteOwn) {
		return ownerID != nil && *ownerID == actorID
	}
	return false
}
