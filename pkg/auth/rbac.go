package auth

import (
	"fmt"

	"github.com/cordonlabs/cordon/pkg/errdef"
	"github.com/cordonlabs/cordon/pkg/types"
)

// Action classifies what a caller is trying to do; the RBAC check
// maps (actor, action, cluster) to allow or deny.
type Action string

const (
	// ActionRead covers every read of cluster state.
	ActionRead Action = "read"
	// ActionWriteService covers service and mapping mutations.
	ActionWriteService Action = "write_service"
	// ActionAdmin covers users, keys, CA material, proxy revocation
	// and cluster lifecycle.
	ActionAdmin Action = "admin"
)

// roleAllows is the per-role capability table.
func roleAllows(role types.Role, action Action) bool {
	switch role {
	case types.RoleAdministrator:
		return true
	case types.RoleServiceOwner:
		return action == ActionRead || action == ActionWriteService
	}
	return false
}

// Authorize checks whether the claims permit action on the cluster.
// A role assigned at GlobalScope applies to every cluster. Denials
// return ErrForbidden wrapped as an authorization kind.
func Authorize(claims *Claims, action Action, clusterID string) error {
	if role, ok := claims.Roles[types.GlobalScope]; ok && roleAllows(role, action) {
		return nil
	}
	if clusterID != "" {
		if role, ok := claims.Roles[clusterID]; ok && roleAllows(role, action) {
			return nil
		}
	}
	return errdef.Wrap(errdef.KindAuthorization,
		fmt.Sprintf("user %s may not %s on cluster %s", claims.Login, action, clusterID),
		ErrForbidden)
}

// IsGlobalAdmin reports whether the claims carry the global
// administrator role. Cluster creation and user management require
// it.
func IsGlobalAdmin(claims *Claims) bool {
	return claims.Roles[types.GlobalScope] == types.RoleAdministrator
}
