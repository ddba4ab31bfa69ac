package rbac

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

// Roles accepted in API key configuration.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Objects guarded by the control API.
const (
	ObjectService  = "service"
	ObjectConfig   = "config"
	ObjectQueue    = "queue"
	ObjectEvents   = "events"
	ObjectTriggers = "triggers"
	ObjectStatus   = "status"
)

const (
	ActionRead  = "read"
	ActionWrite = "write"
)

const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (p.obj == "*" || r.obj == p.obj) && (p.act == "*" || r.act == p.act)
`

// Enforcer answers "may this role do this to that" for the control API.
// Viewers read everything, operators additionally drive the service and the
// queue, admins additionally rewrite configuration.
type Enforcer struct {
	enforcer *casbin.Enforcer
}

func New() (*Enforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("parse rbac model: %w", err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("build enforcer: %w", err)
	}

	policies := [][]string{
		{RoleViewer, "*", ActionRead},
		{RoleOperator, ObjectService, ActionWrite},
		{RoleOperator, ObjectQueue, ActionWrite},
		{RoleOperator, ObjectTriggers, ActionWrite},
		{RoleAdmin, "*", "*"},
	}
	for _, p := range policies {
		if _, err := e.AddPolicy(p[0], p[1], p[2]); err != nil {
			return nil, fmt.Errorf("add policy %v: %w", p, err)
		}
	}
	groupings := [][]string{
		{RoleOperator, RoleViewer},
		{RoleAdmin, RoleOperator},
	}
	for _, g := range groupings {
		if _, err := e.AddGroupingPolicy(g[0], g[1]); err != nil {
			return nil, fmt.Errorf("add role inheritance %v: %w", g, err)
		}
	}
	return &Enforcer{enforcer: e}, nil
}

// Allow never errors toward access: any evaluation failure denies.
func (e *Enforcer) Allow(role, object, action string) bool {
	ok, err := e.enforcer.Enforce(role, object, action)
	if err != nil {
		return false
	}
	return ok
}

func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleViewer:
		return true
	}
	return false
}
