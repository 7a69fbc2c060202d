// Package rbac provides role-based access control checks.
package rbac

import "github.com/duochat/duochat/pkg/model"

// permissionMatrix maps roles to their allowed permissions. Master
// admin is not a role: its extra power (changing roles, immunity to
// deletion) is checked against the user flag, not here.
var permissionMatrix = map[model.Role]map[model.Permission]bool{
	model.RoleAdmin: {
		model.PermViewUsers:     true,
		model.PermViewReports:   true,
		model.PermModerateUsers: true,
	},
	model.RoleUser: {
		// No special permissions — can only chat
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role model.Role, perm model.Permission) bool {
	perms, ok := permissionMatrix[role]
	if !ok {
		return false
	}
	return perms[perm]
}
