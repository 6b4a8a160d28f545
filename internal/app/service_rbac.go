package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"crewboard/api/internal/authpw"
	"crewboard/api/internal/chat"
	"crewboard/api/internal/rbac"
	"crewboard/api/internal/store"
	"crewboard/api/internal/tenant"
)

func (s *Service) require(session Session, action rbac.Action) error {
	if !s.Can(session.Role, action) {
		return forbidden("Forbidden")
	}
	return nil
}

func (s *Service) isAdmin(session Session) bool {
	return rbac.Normalize(session.Role) == rbac.RoleAdmin
}

// projectIndex locates a project through the index, independent of the
// partition it lives in.
func (s *Service) projectIndex(ctx context.Context, projectID string) (store.ProjectIndexEntry, error) {
	entry, err := s.store.GetProjectIndex(ctx, strings.TrimSpace(projectID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ProjectIndexEntry{}, notFound("Project")
		}
		return store.ProjectIndexEntry{}, err
	}
	return entry, nil
}

func membership(entry store.ProjectIndexEntry) chat.Membership {
	return chat.Membership{CreatedBy: entry.CreatedBy, TeamMembers: entry.TeamMembers}
}

// authorizeProject loads a project's index entry and checks that the caller
// may work in it: project members, plus the administrator who created the
// project's manager.
func (s *Service) authorizeProject(ctx context.Context, session Session, projectID string) (store.ProjectIndexEntry, error) {
	if err := s.require(session, rbac.ActionCollaborate); err != nil {
		return store.ProjectIndexEntry{}, err
	}
	entry, err := s.projectIndex(ctx, projectID)
	if err != nil {
		return store.ProjectIndexEntry{}, err
	}
	if chat.Contains(membership(entry).Members(s.router.Admin()), session.Username) {
		return entry, nil
	}
	if s.isAdmin(session) {
		manager, err := s.store.LookupUser(ctx, entry.CreatedBy)
		if err == nil && manager.CreatedBy == session.Username {
			return entry, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return store.ProjectIndexEntry{}, err
		}
	}
	return store.ProjectIndexEntry{}, forbidden("Not a member of this project")
}

// authorizeRoster admits only the group chat roster. Project event
// subscribers receive group message bodies, so the overseeing administrator
// allowed by authorizeProject is not enough here.
func (s *Service) authorizeRoster(ctx context.Context, session Session, projectID string) (store.ProjectIndexEntry, error) {
	if err := s.require(session, rbac.ActionCollaborate); err != nil {
		return store.ProjectIndexEntry{}, err
	}
	entry, err := s.projectIndex(ctx, projectID)
	if err != nil {
		return store.ProjectIndexEntry{}, err
	}
	if !chat.Contains(membership(entry).Members(s.router.Admin()), session.Username) {
		return store.ProjectIndexEntry{}, forbidden("Not a member of this project")
	}
	return entry, nil
}

type CreateUserInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Name     string `json:"name" validate:"required,max=120"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	Role     string `json:"role" validate:"required"`
}

// CreateUser adds an account owned by the caller. Administrators keep their
// managers and members in the global users partition; a manager's members
// go to the manager's own partition.
func (s *Service) CreateUser(ctx context.Context, session Session, input CreateUserInput) (store.User, error) {
	role := rbac.Normalize(input.Role)
	if role == "" {
		return store.User{}, validation("role must be Project Manager or Team Member")
	}
	if !rbac.CanCreate(rbac.Normalize(session.Role), role) {
		return store.User{}, forbidden("Forbidden")
	}

	partition := tenant.GlobalUsers
	if !s.isAdmin(session) {
		var err error
		partition, err = s.ResolvePartition(ctx, session.Username, tenant.KindUsers)
		if err != nil {
			return store.User{}, err
		}
	} else if err := s.store.EnsurePartition(ctx, partition); err != nil {
		return store.User{}, fmt.Errorf("open partition %s: %w", partition, err)
	}

	user, err := s.accounts.CreateUser(ctx, authpw.CreateUserRequest{
		Email:     input.Email,
		Name:      input.Name,
		Password:  input.Password,
		Role:      role,
		CreatedBy: session.Username,
		Partition: partition,
	})
	if err != nil {
		return store.User{}, accountError(err)
	}
	s.logger.Info().
		Str("username", user.Username).
		Str("role", user.Role).
		Str("created_by", user.CreatedBy).
		Str("partition", partition).
		Msg("user created")
	return user, nil
}

// ListUsers returns the accounts the caller manages. owner narrows an
// administrator's listing to one of its managers.
func (s *Service) ListUsers(ctx context.Context, session Session, owner string) ([]store.User, error) {
	if err := s.require(session, rbac.ActionListUsers); err != nil {
		return nil, err
	}
	owner = strings.TrimSpace(owner)

	if !s.isAdmin(session) {
		if owner != "" && owner != session.Username {
			return nil, forbidden("Managers can only list their own users")
		}
		return s.partitionUsers(ctx, session.Username)
	}

	managers, err := s.managersOf(ctx, session.Username)
	if err != nil {
		return nil, err
	}
	if owner != "" && owner != session.Username {
		for _, manager := range managers {
			if manager.Username == owner {
				return s.partitionUsers(ctx, owner)
			}
		}
		return nil, forbidden("Not a manager created by this administrator")
	}

	users, err := s.store.ListUsers(ctx, tenant.GlobalUsers, store.UserFilter{CreatedBy: session.Username})
	if err != nil {
		return nil, err
	}
	out := make([]store.User, 0, len(users))
	for _, user := range users {
		if user.Username == session.Username {
			continue
		}
		out = append(out, user)
	}
	for _, manager := range managers {
		members, err := s.partitionUsers(ctx, manager.Username)
		if err != nil {
			return nil, err
		}
		out = append(out, members...)
	}
	return out, nil
}

func (s *Service) partitionUsers(ctx context.Context, manager string) ([]store.User, error) {
	partition, err := s.ResolvePartition(ctx, manager, tenant.KindUsers)
	if err != nil {
		return nil, err
	}
	return s.store.ListUsers(ctx, partition, store.UserFilter{})
}

func (s *Service) managersOf(ctx context.Context, admin string) ([]store.User, error) {
	if err := s.store.EnsurePartition(ctx, tenant.GlobalUsers); err != nil {
		return nil, fmt.Errorf("open partition %s: %w", tenant.GlobalUsers, err)
	}
	return s.store.ListUsers(ctx, tenant.GlobalUsers, store.UserFilter{
		Role:      string(rbac.RoleProjectManager),
		CreatedBy: admin,
	})
}

// DeleteUser removes an account the administrator manages. Deleting a
// manager drops the manager's project and user partitions with it.
func (s *Service) DeleteUser(ctx context.Context, session Session, userID string) error {
	if err := s.require(session, rbac.ActionDeleteUser); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)

	partition, user, err := s.findManagedUser(ctx, session.Username, userID)
	if err != nil {
		return err
	}

	if rbac.Normalize(user.Role) == rbac.RoleProjectManager {
		for _, kind := range []tenant.Kind{tenant.KindProjects, tenant.KindUsers} {
			name := s.router.PartitionFor(user.Username, kind)
			if err := s.store.DropPartition(ctx, name); err != nil {
				return fmt.Errorf("drop partition %s: %w", name, err)
			}
		}
	}
	if err := s.store.DeleteUser(ctx, partition, user.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("User")
		}
		return err
	}
	s.logger.Info().Str("username", user.Username).Str("deleted_by", session.Username).Msg("user deleted")
	return nil
}

// findManagedUser searches the administrator's own accounts, then the
// partitions of its managers.
func (s *Service) findManagedUser(ctx context.Context, admin, userID string) (string, store.User, error) {
	if err := s.store.EnsurePartition(ctx, tenant.GlobalUsers); err != nil {
		return "", store.User{}, fmt.Errorf("open partition %s: %w", tenant.GlobalUsers, err)
	}
	user, err := s.store.GetUser(ctx, tenant.GlobalUsers, userID)
	switch {
	case err == nil:
		if user.CreatedBy != admin || user.Username == admin {
			return "", store.User{}, forbidden("Not a user created by this administrator")
		}
		return tenant.GlobalUsers, user, nil
	case !errors.Is(err, store.ErrNotFound):
		return "", store.User{}, err
	}

	managers, err := s.managersOf(ctx, admin)
	if err != nil {
		return "", store.User{}, err
	}
	for _, manager := range managers {
		partition, err := s.ResolvePartition(ctx, manager.Username, tenant.KindUsers)
		if err != nil {
			return "", store.User{}, err
		}
		user, err := s.store.GetUser(ctx, partition, userID)
		if err == nil {
			return partition, user, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", store.User{}, err
		}
	}
	return "", store.User{}, notFound("User")
}
