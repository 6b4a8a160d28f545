package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"crewboard/api/internal/auth"
	"crewboard/api/internal/authpw"
	"crewboard/api/internal/config"
	"crewboard/api/internal/rbac"
	"crewboard/api/internal/store"
	"crewboard/api/internal/tenant"
	"crewboard/api/internal/util"
	"github.com/rs/zerolog"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	Name         string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// DataStore is the document store behind every tenant-scoped operation.
// store.MongoStore and store.MemoryStore implement it.
type DataStore interface {
	Ping(context.Context) error
	EnsurePartition(context.Context, string) error
	DropPartition(context.Context, string) error

	InsertUser(context.Context, string, store.User) error
	GetUserIndex(context.Context, string) (store.UserIndexEntry, error)
	LookupUser(context.Context, string) (store.User, error)
	GetUser(context.Context, string, string) (store.User, error)
	ListUsers(context.Context, string, store.UserFilter) ([]store.User, error)
	DeleteUser(context.Context, string, string) error

	InsertProject(context.Context, string, store.Project) error
	GetProjectIndex(context.Context, string) (store.ProjectIndexEntry, error)
	ListProjectIndexByMember(context.Context, string) ([]store.ProjectIndexEntry, error)
	GetProject(context.Context, string, string) (store.Project, error)
	ListProjects(context.Context, string) ([]store.Project, error)
	UpdateProject(context.Context, string, string, store.ProjectUpdate) (store.Project, error)

	InsertCards(context.Context, []store.Card) error
	GetCard(context.Context, string) (store.Card, error)
	ListCards(context.Context, string) ([]store.Card, error)
	ReplaceCard(context.Context, store.Card) error
	DeleteCard(context.Context, string) (store.Card, error)

	InsertMessage(context.Context, store.ChatMessage) error
	GetMessage(context.Context, string) (store.ChatMessage, error)
	ListMessages(context.Context, store.MessageQuery) ([]store.ChatMessage, error)
	AdvanceMessageStatus(context.Context, string, string, []string) (bool, error)
	MarkMessageDeleted(context.Context, string) error
	UpdateMessageBody(context.Context, string, string, string, time.Time) error
}

// SessionStore holds refresh sessions and the access-token denylist.
type SessionStore interface {
	SaveRefreshSession(context.Context, string, store.SessionUser, time.Time) error
	LookupRefreshSession(context.Context, string) (store.SessionUser, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

// Publisher fans an event out to the subscribers of one project.
type Publisher interface {
	Publish(ctx context.Context, projectID, eventType string, payload any) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, string, any) error { return nil }

type Service struct {
	cfg      config.Config
	logger   zerolog.Logger
	router   tenant.Router
	store    DataStore
	sessions SessionStore
	accounts *authpw.Service
	events   Publisher
	now      func() time.Time
}

func New(cfg config.Config, logger zerolog.Logger, data DataStore, sessions SessionStore, events Publisher) *Service {
	if events == nil {
		events = nopPublisher{}
	}
	router := tenant.NewRouter(cfg.AdminIdentity)
	return &Service{
		cfg:      cfg,
		logger:   logger.With().Str("component", "service").Logger(),
		router:   router,
		store:    data,
		sessions: sessions,
		accounts: authpw.NewService(data, authpw.ReservedAdmin{
			Identity:     router.Admin(),
			PasswordHash: cfg.AdminPasswordHash,
		}),
		events: events,
		now:    time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ResolvePartition returns the partition holding owner's resources of the
// given kind, creating it on first use.
func (s *Service) ResolvePartition(ctx context.Context, owner string, kind tenant.Kind) (string, error) {
	name := s.router.PartitionFor(owner, kind)
	if err := s.store.EnsurePartition(ctx, name); err != nil {
		return "", fmt.Errorf("open partition %s: %w", name, err)
	}
	return name, nil
}

func (s *Service) publish(ctx context.Context, projectID, eventType string, payload any) {
	if err := s.events.Publish(ctx, projectID, eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("project_id", projectID).Str("event", eventType).Msg("publish event failed")
	}
}

type RegisterInput struct {
	Name     string `json:"name" validate:"required,max=120"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

// Register creates a self-owned administrator account.
func (s *Service) Register(ctx context.Context, input RegisterInput) (store.User, error) {
	user, err := s.accounts.SignUp(ctx, authpw.SignUpRequest{
		Email:    input.Email,
		Password: input.Password,
		Name:     input.Name,
	})
	if err != nil {
		return store.User{}, accountError(err)
	}
	s.logger.Info().Str("username", user.Username).Msg("administrator registered")
	return user, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.accounts.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		}
		return Session{}, err
	}
	return s.issueSession(ctx, store.SessionUser{
		UserID:   user.ID,
		Username: user.Username,
		Name:     user.Name,
		Role:     user.Role,
	})
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, unauthorized()
	}
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, unauthorized()
		}
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.SessionUser) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.UserID, user.Username, user.Name, user.Role, jti, expiresAt)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.UserID,
		Username:     user.Username,
		Name:         user.Name,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken authenticates an access token. Tokens of deleted accounts
// and revoked tokens are rejected.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	if !s.router.IsReservedAdmin(claims.Username) {
		if _, err := s.store.GetUserIndex(ctx, claims.Username); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return Session{}, auth.ErrInvalidToken
			}
			return Session{}, err
		}
	}

	session := Session{
		Token:    token,
		UserID:   claims.Subject,
		Username: claims.Username,
		Name:     claims.Name,
		Role:     claims.Role,
		JTI:      claims.ID,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn().Err(err).Msg("revoke access token failed")
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn().Err(err).Msg("revoke refresh session failed")
		}
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func accountError(err error) error {
	switch {
	case errors.Is(err, authpw.ErrEmailTaken):
		return conflict("EMAIL_TAKEN", "Email already registered")
	case errors.Is(err, authpw.ErrWeakPassword):
		return validation(err.Error())
	case errors.Is(err, authpw.ErrMissingFields):
		return validation(err.Error())
	default:
		return err
	}
}
