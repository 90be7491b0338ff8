package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	// RoleViewer reads playbooks, runs, approvals and audit journals.
	RoleViewer = "viewer"
	// RoleOperator drives runs: start, advance, pause, resume, abort,
	// simulate and trigger matching.
	RoleOperator = "operator"
	// RoleEditor also authors playbooks and publishes new versions.
	RoleEditor = "editor"
	// RoleApprover resolves approval gates. It is not implied by operator or
	// editor so that whoever drives a run cannot also sign it off.
	RoleApprover = "approver"
	RoleAdmin    = "admin"
)

// roleLevels orders the roles that imply one another. An approver can read
// but sits outside the ladder for everything else.
var roleLevels = map[string]int{
	RoleViewer:   1,
	RoleApprover: 1,
	RoleOperator: 2,
	RoleEditor:   3,
	RoleAdmin:    4,
}

func HasAtLeast(roles []string, required string) bool {
	required = strings.ToLower(strings.TrimSpace(required))
	if required == RoleApprover {
		return hasRole(roles, RoleApprover) || hasRole(roles, RoleAdmin)
	}
	requiredLevel := roleLevels[required]
	if requiredLevel == 0 {
		return false
	}
	maxLevel := 0
	for _, role := range roles {
		level := roleLevels[strings.ToLower(strings.TrimSpace(role))]
		if level > maxLevel {
			maxLevel = level
		}
	}
	return maxLevel >= requiredLevel
}

func hasRole(roles []string, want string) bool {
	for _, role := range roles {
		if strings.EqualFold(strings.TrimSpace(role), want) {
			return true
		}
	}
	return false
}

// RequiredRoleForRequest maps an engine route to the role it needs.
func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	}
	path := strings.TrimRight(r.URL.Path, "/")
	switch {
	case strings.HasPrefix(path, "/approvals/") && strings.HasSuffix(path, "/resolve"):
		return RoleApprover
	case path == "/playbooks" || strings.HasPrefix(path, "/playbooks/"):
		return RoleEditor
	default:
		return RoleOperator
	}
}
