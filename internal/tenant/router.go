// Package tenant maps owner identities to the storage partitions that hold
// their projects and users.
package tenant

import "strings"

// Kind selects which family of partitions an owner is routed into.
type Kind string

const (
	KindProjects Kind = "projects"
	KindUsers    Kind = "users"
)

// DefaultReservedAdmin is the built-in super-administrator identity.
const DefaultReservedAdmin = "narendra@gmail.com"

const (
	// AdminProjects holds projects created by the reserved administrator.
	AdminProjects = "admin_projects"
	// GlobalUsers holds administrator accounts and every user an
	// administrator creates.
	GlobalUsers = "users"
)

// Router computes partition names. The zero value routes with
// DefaultReservedAdmin.
type Router struct {
	ReservedAdmin string
}

func NewRouter(reservedAdmin string) Router {
	return Router{ReservedAdmin: strings.TrimSpace(reservedAdmin)}
}

// Admin returns the reserved super-administrator identity.
func (r Router) Admin() string {
	if r.ReservedAdmin == "" {
		return DefaultReservedAdmin
	}
	return r.ReservedAdmin
}

// IsReservedAdmin reports whether identity is the super-administrator.
func (r Router) IsReservedAdmin(identity string) bool {
	return identity == r.Admin()
}

// PartitionFor returns the partition holding owner's resources of the given
// kind. It is total: any input yields a valid name.
//
// Normalization is lossy. "a.b@x.com" and "a_b@x_com" share a partition.
func (r Router) PartitionFor(owner string, kind Kind) string {
	if r.IsReservedAdmin(owner) {
		if kind == KindUsers {
			return GlobalUsers
		}
		return AdminProjects
	}
	prefix := "pm_projects_"
	if kind == KindUsers {
		prefix = "pm_users_"
	}
	return prefix + Normalize(owner)
}

// Normalize rewrites an identity into the character set allowed in
// partition names.
func Normalize(identity string) string {
	identity = strings.TrimSpace(identity)
	var b strings.Builder
	b.Grow(len(identity))
	for _, ch := range identity {
		switch {
		case ch == '@' || ch == '.':
			b.WriteByte('_')
		case ch == '_',
			ch >= 'a' && ch <= 'z',
			ch >= 'A' && ch <= 'Z',
			ch >= '0' && ch <= '9':
			b.WriteRune(ch)
		}
	}
	return b.String()
}
