// Package models defines the domain types shared across bibshelf packages.
package models

import "strings"

// FileRole tags an open citation file with the part it plays in the library.
type FileRole uint32

const (
	RoleUser      FileRole = 1 << iota // ordinary user file
	RoleTrash                          // trashed entries
	RoleQueue                          // reading queue
	RoleImported                       // buffer for imported entries
	RoleTransient                      // opened for a single operation
)

// Category masks.
const (
	RoleSystem  = RoleTrash | RoleQueue | RoleImported
	RoleVisible = RoleUser | RoleSystem
	RoleAny     = RoleVisible | RoleTransient
)

var roleNames = []struct {
	role FileRole
	name string
}{
	{RoleUser, "user"},
	{RoleTrash, "trash"},
	{RoleQueue, "queue"},
	{RoleImported, "imported"},
	{RoleTransient, "transient"},
}

// Is reports whether r belongs to any category in mask.
func (r FileRole) Is(mask FileRole) bool {
	return r&mask != 0
}

// Visible reports whether files with this role contribute index rows.
func (r FileRole) Visible() bool {
	return r.Is(RoleVisible)
}

func (r FileRole) String() string {
	var parts []string
	for _, rn := range roleNames {
		if r&rn.role != 0 {
			parts = append(parts, rn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseRole converts a single role name back to its FileRole.
func ParseRole(s string) (FileRole, bool) {
	for _, rn := range roleNames {
		if rn.name == s {
			return rn.role, true
		}
	}
	return 0, false
}

// MarshalText renders the role by name.
func (r FileRole) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}
