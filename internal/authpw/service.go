// Package authpw provides email/password authentication and account
// creation.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crewboard/api/internal/rbac"
	"crewboard/api/internal/store"
	"crewboard/api/internal/tenant"
	"crewboard/api/internal/util"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrMissingFields      = errors.New("email, password, and name are required")
)

// ReservedAdminID is the user id carried by reserved administrator sessions.
const ReservedAdminID = "reserved-admin"

// UserStore defines the storage interface for auth
type UserStore interface {
	LookupUser(ctx context.Context, username string) (store.User, error)
	InsertUser(ctx context.Context, partition string, user store.User) error
}

// ReservedAdmin is the configured super-administrator credential. It never
// touches UserStore.
type ReservedAdmin struct {
	Identity     string
	PasswordHash string
}

// Enabled reports whether the reserved administrator may sign in.
func (a ReservedAdmin) Enabled() bool {
	return a.Identity != "" && a.PasswordHash != ""
}

// Owns reports whether email names the reserved administrator.
func (a ReservedAdmin) Owns(email string) bool {
	return a.Enabled() && email == a.Identity
}

func (a ReservedAdmin) verify(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) == nil
}

func (a ReservedAdmin) user() store.User {
	return store.User{
		ID:        ReservedAdminID,
		Username:  a.Identity,
		Role:      string(rbac.RoleAdmin),
		CreatedBy: a.Identity,
		Name:      "Admin",
	}
}

// Service provides email/password authentication
type Service struct {
	store UserStore
	admin ReservedAdmin
	cost  int
	now   func() time.Time
}

func NewService(store UserStore, admin ReservedAdmin) *Service {
	return &Service{store: store, admin: admin, cost: bcrypt.DefaultCost, now: time.Now}
}

// SetCost overrides the bcrypt work factor used for new passwords.
func (s *Service) SetCost(cost int) {
	s.cost = cost
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email    string
	Password string
	Name     string
}

// SignUp registers a self-owned administrator account in the global users
// partition.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	email := strings.TrimSpace(req.Email)
	return s.create(ctx, tenant.GlobalUsers, store.User{
		Username:  email,
		Role:      string(rbac.RoleAdmin),
		CreatedBy: email,
		Name:      strings.TrimSpace(req.Name),
	}, req.Password)
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Email    string
	Password string
}

// SignIn authenticates a user. The reserved administrator is checked on its
// own path and is never looked up in the store.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	if s.admin.Owns(email) {
		if !s.admin.verify(req.Password) {
			return store.User{}, ErrInvalidCredentials
		}
		return s.admin.user(), nil
	}

	user, err := s.store.LookupUser(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, ErrInvalidCredentials
		}
		return store.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// CreateUserRequest contains the parameters for an account created on
// behalf of another user.
type CreateUserRequest struct {
	Email     string
	Name      string
	Password  string
	Role      rbac.Role
	CreatedBy string
	Partition string
}

// CreateUser stores a new account in req.Partition. Identities are unique
// across every partition.
func (s *Service) CreateUser(ctx context.Context, req CreateUserRequest) (store.User, error) {
	return s.create(ctx, req.Partition, store.User{
		Username:  strings.TrimSpace(req.Email),
		Role:      string(req.Role),
		CreatedBy: req.CreatedBy,
		Name:      strings.TrimSpace(req.Name),
	}, req.Password)
}

func (s *Service) create(ctx context.Context, partition string, user store.User, password string) (store.User, error) {
	if user.Username == "" || password == "" || user.Name == "" {
		return store.User{}, ErrMissingFields
	}
	if len(password) < 8 {
		return store.User{}, ErrWeakPassword
	}
	if s.admin.Identity != "" && user.Username == s.admin.Identity {
		return store.User{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}
	user.ID = util.NewID("usr")
	user.PasswordHash = string(hash)
	user.CreatedAt = s.now().UTC()

	if err := s.store.InsertUser(ctx, partition, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.User{}, ErrEmailTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// HashPassword returns a bcrypt hash suitable for the reserved administrator
// configuration.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
