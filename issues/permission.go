package issues

import (
	"context"
	"sync"

	"github.com/songzhibin97/issue-workflow/types"
)

// Permission kinds checked by the engine and named by permission conditions.
const (
	PermissionCreateIssue     = "create"
	PermissionTransitionIssue = "transition"
	PermissionResolveIssue    = "resolve"
	PermissionCloseIssue      = "close"
	PermissionBrowse          = "browse"
)

// Roles a grant can name instead of a user key.
const (
	RoleAnyone   = "*"
	RoleAssignee = "@assignee"
	RoleReporter = "@reporter"
)

// PermissionOracle answers yes/no permission questions.
type PermissionOracle interface {
	HasPermission(ctx context.Context, permission string, issue *types.Issue, user *types.User) bool
}

// AllowAll grants every permission.
type AllowAll struct{}

// HasPermission implements PermissionOracle.
func (AllowAll) HasPermission(context.Context, string, *types.Issue, *types.User) bool { return true }

// Grants is a permission table of user keys and roles per permission and project.
// Project zero holds grants that apply to every project.
type Grants struct {
	mu     sync.RWMutex
	grants map[int64]map[string]map[string]bool
}

// NewGrants creates an empty table: nothing is permitted.
func NewGrants() *Grants {
	return &Grants{grants: make(map[int64]map[string]map[string]bool)}
}

// Grant permits holder (a user key or role) to use permission in projectID.
func (g *Grants) Grant(projectID int64, permission, holder string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	byPerm, ok := g.grants[projectID]
	if !ok {
		byPerm = make(map[string]map[string]bool)
		g.grants[projectID] = byPerm
	}
	holders, ok := byPerm[permission]
	if !ok {
		holders = make(map[string]bool)
		byPerm[permission] = holders
	}
	holders[holder] = true
}

// Revoke removes a grant.
func (g *Grants) Revoke(projectID int64, permission, holder string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.grants[projectID][permission], holder)
}

// HasPermission implements PermissionOracle.
func (g *Grants) HasPermission(_ context.Context, permission string, issue *types.Issue, user *types.User) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var projectID int64
	if issue != nil {
		projectID = issue.ProjectID
	}
	if g.holds(g.grants[projectID][permission], issue, user) {
		return true
	}
	return projectID != 0 && g.holds(g.grants[0][permission], issue, user)
}

func (g *Grants) holds(holders map[string]bool, issue *types.Issue, user *types.User) bool {
	if holders[RoleAnyone] {
		return true
	}
	key := types.KeyOf(user)
	if key == "" {
		return false
	}
	if holders[key] {
		return true
	}
	if issue == nil {
		return false
	}
	return (holders[RoleAssignee] && issue.AssigneeKey == key) ||
		(holders[RoleReporter] && issue.ReporterKey == key)
}
