package superset

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// PermissionMatch selects how a database_access permission is matched to
// a database name.
type PermissionMatch int

const (
	// MatchExact requires the view menu to name exactly the database, as in
	// "[Sales (sales)].(id:3)".
	MatchExact PermissionMatch = iota
	// MatchSubstring accepts any view menu containing "[<name>]".
	MatchSubstring
)

// ParsePermissionMatch parses "exact" or "substring".
func ParsePermissionMatch(s string) (PermissionMatch, error) {
	switch s {
	case "", "exact":
		return MatchExact, nil
	case "substring":
		return MatchSubstring, nil
	}
	return 0, fmt.Errorf("unknown permission match %q", s)
}

func (m PermissionMatch) matches(viewMenu, databaseName string) bool {
	label := "[" + databaseName + "]"
	if m == MatchSubstring {
		return strings.Contains(viewMenu, label)
	}
	rest, ok := strings.CutPrefix(viewMenu, label)
	return ok && (rest == "" || strings.HasPrefix(rest, ".(id:"))
}

const (
	rolesPath               = "/api/v1/security/roles/"
	permissionResourcesPath = "/api/v1/security/permissions-resources/"
	databaseAccess          = "database_access"
)

// RoleID looks up a role by name. The boolean is false when no role has
// that name.
func (c *Client) RoleID(ctx context.Context, name string) (int, bool, error) {
	results, err := c.listPaginated(ctx, rolesPath, []Filter{{Col: "name", Opr: "eq", Value: name}})
	if err != nil {
		return 0, false, fmt.Errorf("looking up role %q: %w", name, err)
	}

	for _, raw := range results {
		var r role
		if err := json.Unmarshal(raw, &r); err != nil || r.ID == 0 {
			continue
		}
		return r.ID, true, nil
	}
	return 0, false, nil
}

// DatabaseAccessPermissionID finds the permission-view-menu granting
// database_access on the named database. The boolean is false when there
// is none.
func (c *Client) DatabaseAccessPermissionID(ctx context.Context, databaseName string) (int, bool, error) {
	results, err := c.listPaginated(ctx, permissionResourcesPath, nil)
	if err != nil {
		return 0, false, fmt.Errorf("listing permissions: %w", err)
	}

	for _, raw := range results {
		var p permissionResource
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		if p.Permission.Name == databaseAccess && c.match.matches(p.ViewMenu.Name, databaseName) {
			return p.ID, true, nil
		}
	}
	return 0, false, nil
}

// RolePermissionIDs returns the permission-view-menu IDs granted to a role.
func (c *Client) RolePermissionIDs(ctx context.Context, roleID int) ([]int, error) {
	var resp rolePermissionsResponse
	if err := c.send(ctx, http.MethodGet, fmt.Sprintf("%s%d/permissions/", rolesPath, roleID), nil, &resp); err != nil {
		return nil, fmt.Errorf("listing permissions of role %d: %w", roleID, err)
	}

	ids := make([]int, 0, len(resp.Result))
	for _, p := range resp.Result {
		if p.ID != 0 {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

// GrantPermission adds a permission-view-menu to a role, keeping every
// permission it already has. It reports false when the role already had
// the permission and nothing was sent.
func (c *Client) GrantPermission(ctx context.Context, roleID, permissionID int) (bool, error) {
	existing, err := c.RolePermissionIDs(ctx, roleID)
	if err != nil {
		return false, err
	}
	if slices.Contains(existing, permissionID) {
		log.FromContext(ctx).V(1).Info("permission already granted",
			"role", roleID, "permission", permissionID)
		return false, nil
	}

	body := rolePermissionsRequest{PermissionViewMenuIDs: append(existing, permissionID)}
	if err := c.send(ctx, http.MethodPost, fmt.Sprintf("%s%d/permissions", rolesPath, roleID), body, nil); err != nil {
		return false, fmt.Errorf("granting permission %d to role %d: %w", permissionID, roleID, err)
	}
	return true, nil
}

// Security API request/response types.

type role struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type permissionResource struct {
	ID         int `json:"id"`
	Permission struct {
		Name string `json:"name"`
	} `json:"permission"`
	ViewMenu struct {
		Name string `json:"name"`
	} `json:"view_menu"`
}

type rolePermissionsResponse struct {
	Result []struct {
		ID int `json:"id"`
	} `json:"result"`
}

type rolePermissionsRequest struct {
	PermissionViewMenuIDs []int `json:"permission_view_menu_ids"`
}
